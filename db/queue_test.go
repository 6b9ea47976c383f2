package db_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alwitt/journalsync/db"
	"github.com/alwitt/journalsync/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

// TestDBEnqueueOperationCoalescing verifies that enqueueing a new operation
// for a record replaces any operation already queued for it.
func TestDBEnqueueOperationCoalescing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestConnection(t)

	rec := newTestRecord()
	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.UpsertRecord(ctx, rec)
		if err != nil {
			return err
		}
		_, err = dbClient.EnqueueOperation(ctx, rec, models.OperationKindAdd)
		return err
	})
	assert.Nil(err)

	// -------------------------------------------------------------------------
	// Rapid successive edit: enqueue an UPDATE for the same record
	rec.Description = "second thoughts"
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.EnqueueOperation(ctx, rec, models.OperationKindUpdate)
		return err
	})
	assert.Nil(err)

	// Exactly one operation remains, carrying the latest intent
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		ops, err := dbClient.ListActiveOperations(ctx)
		if err != nil {
			return err
		}
		assert.Len(ops, 1)
		assert.Equal(models.OperationKindUpdate, ops[0].Kind)
		assert.Equal(models.OperationStatusPending, ops[0].Status)
		assert.Equal(rec.ID, ops[0].RecordID)

		// Payload is the snapshot captured at enqueue time
		var snapshot models.Record
		assert.Nil(json.Unmarshal(ops[0].Payload, &snapshot))
		assert.Equal("second thoughts", snapshot.Description)
		return nil
	})
	assert.Nil(err)
}

// TestDBOperationFailureAccounting verifies the retry count strictly
// increases by one per failed attempt.
func TestDBOperationFailureAccounting(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestConnection(t)

	rec := newTestRecord()
	var op models.QueueOperation
	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		if _, err := dbClient.UpsertRecord(ctx, rec); err != nil {
			return err
		}
		o, err := dbClient.EnqueueOperation(ctx, rec, models.OperationKindUpdate)
		op = o
		return err
	})
	assert.Nil(err)
	assert.Equal(0, op.RetryCount)
	assert.Nil(op.LastAttemptAt)

	// A failure must come after a started attempt
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.MarkOperationFailed(ctx, op.QueueID, "server returned 500")
		return err
	})
	assert.Error(err)

	// Three failed attempts
	for attempt := 1; attempt <= 3; attempt++ {
		err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
			running, err := dbClient.MarkOperationInProgress(ctx, op.QueueID)
			if err != nil {
				return err
			}
			assert.Equal(models.OperationStatusInProgress, running.Status)
			assert.NotNil(running.LastAttemptAt)

			failed, err := dbClient.MarkOperationFailed(ctx, op.QueueID, "server returned 500")
			if err != nil {
				return err
			}
			assert.Equal(models.OperationStatusFailed, failed.Status)
			assert.Equal(attempt, failed.RetryCount)
			assert.Equal("server returned 500", failed.LastError)
			return nil
		})
		assert.Nil(err)
	}

	// The operation is still in the queue and still active
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		ops, err := dbClient.ListActiveOperations(ctx)
		if err != nil {
			return err
		}
		assert.Len(ops, 1)
		assert.Equal(3, ops[0].RetryCount)
		return nil
	})
	assert.Nil(err)
}

// TestDBSuggestedRetryDelay verifies the backoff suggestion doubles per
// failed attempt and caps at one minute.
func TestDBSuggestedRetryDelay(t *testing.T) {
	assert := assert.New(t)

	op := models.QueueOperation{}
	assert.Equal(time.Second, op.SuggestedRetryDelay())

	op.RetryCount = 1
	assert.Equal(2*time.Second, op.SuggestedRetryDelay())

	op.RetryCount = 3
	assert.Equal(8*time.Second, op.SuggestedRetryDelay())

	op.RetryCount = 50
	assert.Equal(time.Minute, op.SuggestedRetryDelay())
}

// TestDBPurgeExhaustedOperations verifies exhausted operations are removed
// and their loss is surfaced through an audit event.
func TestDBPurgeExhaustedOperations(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestConnection(t)

	rec := newTestRecord()
	var op models.QueueOperation
	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		if _, err := dbClient.UpsertRecord(ctx, rec); err != nil {
			return err
		}
		o, err := dbClient.EnqueueOperation(ctx, rec, models.OperationKindAdd)
		if err != nil {
			return err
		}
		op = o

		if _, err := dbClient.MarkOperationInProgress(ctx, op.QueueID); err != nil {
			return err
		}
		return dbClient.ExhaustOperation(ctx, op.QueueID, "referenced record vanished")
	})
	assert.Nil(err)

	// Purge removes the operation
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		purged, err := dbClient.PurgeExhaustedOperations(ctx, models.MaxOperationRetry)
		if err != nil {
			return err
		}
		assert.Equal(1, purged)

		ops, err := dbClient.ListActiveOperations(ctx)
		if err != nil {
			return err
		}
		assert.Empty(ops)
		return nil
	})
	assert.Nil(err)

	// The abandonment is recorded in the audit trail
	validate := validator.New()
	assert.Nil(models.RegisterWithValidator(validate))

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		events, err := dbClient.ListSyncEvents(ctx, db.SyncEventQueryFilter{
			EventTypes: []models.SyncEventTypeENUMType{models.SyncEventTypeAbandonOperation},
		})
		if err != nil {
			return err
		}
		assert.Len(events, 1)

		meta, err := events[0].ParseMetadata(validate)
		assert.Nil(err)
		opMeta, ok := meta.(models.SyncEventOperationRelated)
		assert.True(ok)
		assert.Equal(op.QueueID, opMeta.QueueID)
		assert.Equal(rec.ID, opMeta.RecordID)
		assert.Equal(models.OperationKindAdd, opMeta.Kind)
		assert.Equal("referenced record vanished", opMeta.LastError)
		return nil
	})
	assert.Nil(err)
}

// TestDBNormalizeStaleOperations verifies the startup sweep returns stranded
// IN_PROGRESS operations to PENDING.
func TestDBNormalizeStaleOperations(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestConnection(t)

	rec := newTestRecord()
	var op models.QueueOperation
	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		if _, err := dbClient.UpsertRecord(ctx, rec); err != nil {
			return err
		}
		o, err := dbClient.EnqueueOperation(ctx, rec, models.OperationKindUpdate)
		if err != nil {
			return err
		}
		op = o
		_, err = dbClient.MarkOperationInProgress(ctx, op.QueueID)
		return err
	})
	assert.Nil(err)

	// Simulated restart: the sweep finds the stranded operation
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		reset, err := dbClient.NormalizeStaleOperations(ctx)
		if err != nil {
			return err
		}
		assert.Equal(1, reset)

		refreshed, err := dbClient.GetOperation(ctx, op.QueueID)
		if err != nil {
			return err
		}
		assert.Equal(models.OperationStatusPending, refreshed.Status)

		events, err := dbClient.ListSyncEvents(ctx, db.SyncEventQueryFilter{
			EventTypes: []models.SyncEventTypeENUMType{models.SyncEventTypeResetStaleOperations},
		})
		if err != nil {
			return err
		}
		assert.Len(events, 1)
		return nil
	})
	assert.Nil(err)

	// A clean queue yields no sweep event
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		reset, err := dbClient.NormalizeStaleOperations(ctx)
		assert.Equal(0, reset)
		return err
	})
	assert.Nil(err)
}

// TestDBListActiveOperationsOrdering verifies operations dequeue oldest
// first.
func TestDBListActiveOperationsOrdering(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestConnection(t)

	recA := newTestRecord()
	recB := newTestRecord()
	recC := newTestRecord()

	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		for _, rec := range []models.Record{recA, recB, recC} {
			if _, err := dbClient.UpsertRecord(ctx, rec); err != nil {
				return err
			}
			if _, err := dbClient.EnqueueOperation(ctx, rec, models.OperationKindAdd); err != nil {
				return err
			}
		}
		return nil
	})
	assert.Nil(err)

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		ops, err := dbClient.ListActiveOperations(ctx)
		if err != nil {
			return err
		}
		assert.Len(ops, 3)
		assert.Equal(recA.ID, ops[0].RecordID)
		assert.Equal(recB.ID, ops[1].RecordID)
		assert.Equal(recC.ID, ops[2].RecordID)
		return nil
	})
	assert.Nil(err)
}

// TestDBQueueCascadeOnRecordRemoval verifies hard deleting a record also
// removes its queued operations.
func TestDBQueueCascadeOnRecordRemoval(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestConnection(t)

	rec := newTestRecord()
	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		if _, err := dbClient.UpsertRecord(ctx, rec); err != nil {
			return err
		}
		_, err := dbClient.EnqueueOperation(ctx, rec, models.OperationKindDelete)
		return err
	})
	assert.Nil(err)

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.HardDeleteRecord(ctx, rec.ID)
	})
	assert.Nil(err)

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		ops, err := dbClient.ListActiveOperations(ctx)
		if err != nil {
			return err
		}
		assert.Empty(ops)
		return nil
	})
	assert.Nil(err)
}
