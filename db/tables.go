package db

import (
	"context"

	"github.com/alwitt/journalsync/models"
	"gorm.io/gorm"
)

// --------------------------------------------------------------------------------------
// Sync audit events

// SyncEventAuditDBEntry sync event audit DB entry
type SyncEventAuditDBEntry struct {
	models.SyncEventAudit
}

// TableName hard code table name
func (SyncEventAuditDBEntry) TableName() string {
	return "sync_audit_events"
}

// --------------------------------------------------------------------------------------
// Sync parameters

// SyncParamsDBEntry sync bookkeeping singleton DB entry
type SyncParamsDBEntry struct {
	models.SyncParams
}

// TableName hard code table name
func (SyncParamsDBEntry) TableName() string {
	return "sync_params"
}

// --------------------------------------------------------------------------------------
// Journal records

// RecordDBEntry journal record DB entry
type RecordDBEntry struct {
	models.Record
}

// TableName hard code table name
func (RecordDBEntry) TableName() string {
	return "journal_records"
}

// --------------------------------------------------------------------------------------
// Operation queue

// QueueOperationDBEntry pending mutation DB entry
type QueueOperationDBEntry struct {
	models.QueueOperation
	Record RecordDBEntry `gorm:"constraint:OnDelete:CASCADE;foreignKey:RecordID" validate:"-"`
}

// TableName hard code table name
func (QueueOperationDBEntry) TableName() string {
	return "operation_queue"
}

// --------------------------------------------------------------------------------------

// DefineTables helper function meant to be used for unit-testing to prepare a
// database with tables
func DefineTables(_ context.Context, db *gorm.DB) error {
	return db.AutoMigrate(
		SyncEventAuditDBEntry{},
		SyncParamsDBEntry{},
		RecordDBEntry{},
		QueueOperationDBEntry{},
	)
}
