package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/journalsync/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// CommonListEntryQueryFilter common query filter when listing data entries
type CommonListEntryQueryFilter struct {
	Limit  *int
	Offset *int
}

// SyncEventQueryFilter sync audit event query filter conditions
type SyncEventQueryFilter struct {
	CommonListEntryQueryFilter
	// EventTypes the specific event types to query for
	EventTypes []models.SyncEventTypeENUMType
	// EventsAfter filter for events after this timestamp
	EventsAfter *time.Time
	// EventsBefore filter for events before this timestamp
	EventsBefore *time.Time
}

// RecordQueryFilter journal record query filter conditions
type RecordQueryFilter struct {
	CommonListEntryQueryFilter
	// IncludeDeleted also return soft-deleted records
	IncludeDeleted bool
}

// Database the database handle for interacting with the database
type Database interface {
	// ------------------------------------------------------------------------------------
	// Journal records

	/*
		UpsertRecord insert a record, or fully replace an existing record with the same ID

			@param ctx context.Context - execution context
			@param record models.Record - the record
			@returns the stored record
	*/
	UpsertRecord(ctx context.Context, record models.Record) (models.Record, error)

	/*
		UpsertRecords upsert a batch of records by ID

			@param ctx context.Context - execution context
			@param records []models.Record - the records
	*/
	UpsertRecords(ctx context.Context, records []models.Record) error

	/*
		GetRecord fetch a journal record by ID

			@param ctx context.Context - execution context
			@param recordID string - journal record ID
			@returns record entry
	*/
	GetRecord(ctx context.Context, recordID string) (models.Record, error)

	/*
		UpdateRecord fully replace a record by ID. A missing ID is a silent no-op.

			@param ctx context.Context - execution context
			@param record models.Record - the record
	*/
	UpdateRecord(ctx context.Context, record models.Record) error

	/*
		SoftDeleteRecord mark a record deleted without removing the row. The record
		is retained until its delete operation completes.

			@param ctx context.Context - execution context
			@param recordID string - journal record ID
	*/
	SoftDeleteRecord(ctx context.Context, recordID string) error

	/*
		HardDeleteRecord physically remove a record

			@param ctx context.Context - execution context
			@param recordID string - journal record ID
	*/
	HardDeleteRecord(ctx context.Context, recordID string) error

	/*
		ListRecords list journal records

			@param ctx context.Context - execution context
			@param filters RecordQueryFilter - entry listing filter
			@return list of records
	*/
	ListRecords(ctx context.Context, filters RecordQueryFilter) ([]models.Record, error)

	/*
		ListUnsyncedRecords list non-deleted records the server has not yet confirmed

			@param ctx context.Context - execution context
			@return list of records
	*/
	ListUnsyncedRecords(ctx context.Context) ([]models.Record, error)

	/*
		MarkRecordSynced mark that the server holds an identical version of the
		record, merging in server-assigned fields when given

			@param ctx context.Context - execution context
			@param recordID string - journal record ID
			@param ownerID *int64 - server-assigned owner, nil to leave unchanged
	*/
	MarkRecordSynced(ctx context.Context, recordID string, ownerID *int64) error

	/*
		MergeRemoteSnapshot reconcile a full remote snapshot into the local store.

		Every remote record is inserted or replaced except those whose ID belongs
		to a local record with synced=false; in-flight local edits (including
		pending deletes) always shadow the server copy.

			@param ctx context.Context - execution context
			@param remoteRecords []models.Record - the full remote snapshot
			@return number of remote records applied
	*/
	MergeRemoteSnapshot(ctx context.Context, remoteRecords []models.Record) (int, error)

	// ------------------------------------------------------------------------------------
	// Operation queue

	/*
		EnqueueOperation queue a mutation for the record, coalescing with any
		operations already queued for it.

		The record is serialized into the operation payload at this point; later
		edits to the record never alter what an already-queued operation sends.

			@param ctx context.Context - execution context
			@param record models.Record - the record the operation mutates
			@param kind models.OperationKindENUMType - the mutation kind
			@returns the queued operation
	*/
	EnqueueOperation(
		ctx context.Context, record models.Record, kind models.OperationKindENUMType,
	) (models.QueueOperation, error)

	/*
		GetOperation fetch one queue operation

			@param ctx context.Context - execution context
			@param queueID uint - queue entry ID
			@returns the operation
	*/
	GetOperation(ctx context.Context, queueID uint) (models.QueueOperation, error)

	/*
		ListActiveOperations list PENDING and FAILED operations in processing order
		(oldest first)

			@param ctx context.Context - execution context
			@return list of operations
	*/
	ListActiveOperations(ctx context.Context) ([]models.QueueOperation, error)

	/*
		MarkOperationInProgress record that an attempt of this operation started

			@param ctx context.Context - execution context
			@param queueID uint - queue entry ID
			@returns the updated operation
	*/
	MarkOperationInProgress(ctx context.Context, queueID uint) (models.QueueOperation, error)

	/*
		MarkOperationFailed record a failed attempt: bump the retry count and
		capture the failure reason

			@param ctx context.Context - execution context
			@param queueID uint - queue entry ID
			@param reason string - failure description
			@returns the updated operation
	*/
	MarkOperationFailed(ctx context.Context, queueID uint, reason string) (models.QueueOperation, error)

	/*
		ExhaustOperation record a non-retryable failure: the retry count jumps to
		the cap so the end-of-pass purge removes the operation

			@param ctx context.Context - execution context
			@param queueID uint - queue entry ID
			@param reason string - failure description
	*/
	ExhaustOperation(ctx context.Context, queueID uint, reason string) error

	/*
		DeleteOperation remove one queue operation

			@param ctx context.Context - execution context
			@param queueID uint - queue entry ID
	*/
	DeleteOperation(ctx context.Context, queueID uint) error

	/*
		DeleteCompletedOperations remove operations marked COMPLETED

			@param ctx context.Context - execution context
	*/
	DeleteCompletedOperations(ctx context.Context) error

	/*
		PurgeExhaustedOperations remove operations whose retry count reached the
		cap, emitting an ABANDON_OPERATION audit event for each

			@param ctx context.Context - execution context
			@param maxRetry int - the retry cap
			@return number of operations purged
	*/
	PurgeExhaustedOperations(ctx context.Context, maxRetry int) (int, error)

	/*
		NormalizeStaleOperations return IN_PROGRESS operations to PENDING. Run at
		startup; an operation can only be IN_PROGRESS mid-pass, so any found here
		were stranded by abrupt process termination.

			@param ctx context.Context - execution context
			@return number of operations reset
	*/
	NormalizeStaleOperations(ctx context.Context) (int, error)

	// ------------------------------------------------------------------------------------
	// Sync audit events

	/*
		RecordSyncPassCompleted log the outcome of one completed sync engine pass

			@param ctx context.Context - execution context
			@param synced int - operations completed against the server
			@param failed int - operations that failed during the pass
			@param merged int - remote records applied by the merge phase
	*/
	RecordSyncPassCompleted(ctx context.Context, synced int, failed int, merged int) error

	/*
		ListSyncEvents list captured sync events

			@param ctx context.Context - execution context
			@param filters SyncEventQueryFilter - entry listing filter
			@return list of sync events
	*/
	ListSyncEvents(
		ctx context.Context, filters SyncEventQueryFilter,
	) ([]models.SyncEventAudit, error)

	// ------------------------------------------------------------------------------------
	// Sync parameters

	/*
		GetLastSyncTime fetch the timestamp of the last successful fetch-and-merge

			@param ctx context.Context - execution context
			@returns the timestamp, or the zero time when no sync completed yet
	*/
	GetLastSyncTime(ctx context.Context) (time.Time, error)

	/*
		RecordLastSyncTime persist the timestamp of a successful fetch-and-merge

			@param ctx context.Context - execution context
			@param timestamp time.Time - the sync timestamp
	*/
	RecordLastSyncTime(ctx context.Context, timestamp time.Time) error
}

// databaseImpl implements Database
type databaseImpl struct {
	goutils.Component
	db        *gorm.DB
	validator *validator.Validate
}

// newDatabase define a new database client
func newDatabase(_ context.Context, sqlClient *gorm.DB) (Database, error) {
	logTags := log.Fields{"package": "journalsync", "module": "db", "component": "db-client"}

	instance := &databaseImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:        sqlClient,
		validator: validator.New(),
	}

	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	return instance, nil
}
