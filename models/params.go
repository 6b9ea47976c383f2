package models

import "time"

// SyncParams singleton entry tracking sync bookkeeping shared across
// engine invocations
type SyncParams struct {
	// ID param entry ID. It must always be sync-parameters
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,oneof=sync-parameters"`

	// LastSyncAt timestamp of the most recent successful fetch-and-merge
	LastSyncAt *time.Time `json:"last_sync_at,omitempty" gorm:"column:last_sync_at;default:null"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}
