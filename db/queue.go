package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/journalsync/models"
	"github.com/apex/log"
	"gorm.io/datatypes"
)

// ======================================================================================
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
func (d *databaseImpl) EnqueueOperation(
	ctx context.Context, record models.Record, kind models.OperationKindENUMType,
) (models.QueueOperation, error) {
	logTags := d.GetLogTagsForContext(ctx)

	// Coalesce: the queue carries at most one operation per record, always the
	// latest intent.
	tmp := d.db.Where("record_id = ?", record.ID).Delete(&QueueOperationDBEntry{})
	if tmp.Error != nil {
		return models.QueueOperation{}, fmt.Errorf(
			"failed to coalesce queued operations for record %s [%w]", record.ID, tmp.Error,
		)
	}
	if tmp.RowsAffected > 0 {
		log.WithFields(logTags).
			WithField("record", record.ID).
			WithField("replaced", tmp.RowsAffected).
			Debug("Coalesced queued operations into latest intent")
	}

	payload, err := json.Marshal(&record)
	if err != nil {
		return models.QueueOperation{}, fmt.Errorf(
			"failed to snapshot record %s into operation payload [%w]", record.ID, err,
		)
	}

	newEntry := QueueOperationDBEntry{
		QueueOperation: models.QueueOperation{
			RecordID: record.ID,
			Kind:     kind,
			Status:   models.OperationStatusPending,
			Payload:  datatypes.JSON(payload),
		},
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.QueueOperation{}, fmt.Errorf(
			"new %s operation for record %s is not valid [%w]", kind, record.ID, err,
		)
	}

	if tmp := d.db.Create(&newEntry); tmp.Error != nil {
		return models.QueueOperation{}, fmt.Errorf(
			"new %s operation for record %s failed insert [%w]", kind, record.ID, tmp.Error,
		)
	}

	return newEntry.QueueOperation, nil
}

// getOperationEntry find a queue operation by ID
func (d *databaseImpl) getOperationEntry(queueID uint) (QueueOperationDBEntry, error) {
	var entry QueueOperationDBEntry
	err := d.db.Where("queue_id = ?", queueID).First(&entry).Error
	return entry, err
}

/*
GetOperation fetch one queue operation

	@param ctx context.Context - execution context
	@param queueID uint - queue entry ID
	@returns the operation
*/
func (d *databaseImpl) GetOperation(
	_ context.Context, queueID uint,
) (models.QueueOperation, error) {
	entry, err := d.getOperationEntry(queueID)
	if err != nil {
		return models.QueueOperation{}, fmt.Errorf(
			"failed to fetch operation %d [%w]", queueID, err,
		)
	}
	return entry.QueueOperation, nil
}

/*
ListActiveOperations list PENDING and FAILED operations in processing order
(oldest first)

	@param ctx context.Context - execution context
	@return list of operations
*/
func (d *databaseImpl) ListActiveOperations(_ context.Context) ([]models.QueueOperation, error) {
	var entries []QueueOperationDBEntry
	tmp := d.db.
		Where(
			"status in ?",
			[]models.OperationStatusENUMType{
				models.OperationStatusPending, models.OperationStatusFailed,
			},
		).
		Order("created_at").
		Order("queue_id").
		Find(&entries)
	if tmp.Error != nil {
		return nil, fmt.Errorf("failed to list active operations [%w]", tmp.Error)
	}

	result := []models.QueueOperation{}
	for _, entry := range entries {
		result = append(result, entry.QueueOperation)
	}

	return result, nil
}

/*
MarkOperationInProgress record that an attempt of this operation started

	@param ctx context.Context - execution context
	@param queueID uint - queue entry ID
	@returns the updated operation
*/
func (d *databaseImpl) MarkOperationInProgress(
	_ context.Context, queueID uint,
) (models.QueueOperation, error) {
	entry, err := d.getOperationEntry(queueID)
	if err != nil {
		return models.QueueOperation{}, fmt.Errorf(
			"failed to fetch operation %d [%w]", queueID, err,
		)
	}

	if err := entry.ValidateNextStatus(models.OperationStatusInProgress); err != nil {
		return models.QueueOperation{}, fmt.Errorf(
			"operation %d can't start an attempt [%w]", queueID, err,
		)
	}

	now := time.Now()
	tmp := d.db.Model(&entry).Updates(map[string]interface{}{
		"status":          models.OperationStatusInProgress,
		"last_attempt_at": now,
	})
	if tmp.Error != nil {
		return models.QueueOperation{}, fmt.Errorf(
			"failed to mark operation %d in progress [%w]", queueID, tmp.Error,
		)
	}

	entry.Status = models.OperationStatusInProgress
	entry.LastAttemptAt = &now
	return entry.QueueOperation, nil
}

/*
MarkOperationFailed record a failed attempt: bump the retry count and
capture the failure reason

	@param ctx context.Context - execution context
	@param queueID uint - queue entry ID
	@param reason string - failure description
	@returns the updated operation
*/
func (d *databaseImpl) MarkOperationFailed(
	_ context.Context, queueID uint, reason string,
) (models.QueueOperation, error) {
	entry, err := d.getOperationEntry(queueID)
	if err != nil {
		return models.QueueOperation{}, fmt.Errorf(
			"failed to fetch operation %d [%w]", queueID, err,
		)
	}

	if err := entry.ValidateNextStatus(models.OperationStatusFailed); err != nil {
		return models.QueueOperation{}, fmt.Errorf(
			"operation %d can't record a failure [%w]", queueID, err,
		)
	}

	now := time.Now()
	newRetryCount := entry.RetryCount + 1
	tmp := d.db.Model(&entry).Updates(map[string]interface{}{
		"status":          models.OperationStatusFailed,
		"retry_count":     newRetryCount,
		"last_error":      reason,
		"last_attempt_at": now,
	})
	if tmp.Error != nil {
		return models.QueueOperation{}, fmt.Errorf(
			"failed to mark operation %d failed [%w]", queueID, tmp.Error,
		)
	}

	entry.Status = models.OperationStatusFailed
	entry.RetryCount = newRetryCount
	entry.LastError = reason
	entry.LastAttemptAt = &now
	return entry.QueueOperation, nil
}

/*
ExhaustOperation record a non-retryable failure: the retry count jumps to
the cap so the end-of-pass purge removes the operation

	@param ctx context.Context - execution context
	@param queueID uint - queue entry ID
	@param reason string - failure description
*/
func (d *databaseImpl) ExhaustOperation(_ context.Context, queueID uint, reason string) error {
	entry, err := d.getOperationEntry(queueID)
	if err != nil {
		return fmt.Errorf("failed to fetch operation %d [%w]", queueID, err)
	}

	if err := entry.ValidateNextStatus(models.OperationStatusFailed); err != nil {
		return fmt.Errorf("operation %d can't record a failure [%w]", queueID, err)
	}

	tmp := d.db.Model(&entry).Updates(map[string]interface{}{
		"status":          models.OperationStatusFailed,
		"retry_count":     models.MaxOperationRetry,
		"last_error":      reason,
		"last_attempt_at": time.Now(),
	})
	if tmp.Error != nil {
		return fmt.Errorf("failed to exhaust operation %d [%w]", queueID, tmp.Error)
	}

	return nil
}

/*
DeleteOperation remove one queue operation

	@param ctx context.Context - execution context
	@param queueID uint - queue entry ID
*/
func (d *databaseImpl) DeleteOperation(_ context.Context, queueID uint) error {
	if tmp := d.db.Where("queue_id = ?", queueID).Delete(&QueueOperationDBEntry{}); tmp.Error != nil {
		return fmt.Errorf("failed to delete operation %d [%w]", queueID, tmp.Error)
	}
	return nil
}

/*
DeleteCompletedOperations remove operations marked COMPLETED

	@param ctx context.Context - execution context
*/
func (d *databaseImpl) DeleteCompletedOperations(_ context.Context) error {
	tmp := d.db.
		Where("status = ?", models.OperationStatusCompleted).
		Delete(&QueueOperationDBEntry{})
	if tmp.Error != nil {
		return fmt.Errorf("failed to delete completed operations [%w]", tmp.Error)
	}
	return nil
}

/*
PurgeExhaustedOperations remove operations whose retry count reached the
cap, emitting an ABANDON_OPERATION audit event for each

	@param ctx context.Context - execution context
	@param maxRetry int - the retry cap
	@return number of operations purged
*/
func (d *databaseImpl) PurgeExhaustedOperations(ctx context.Context, maxRetry int) (int, error) {
	logTags := d.GetLogTagsForContext(ctx)

	var entries []QueueOperationDBEntry
	if tmp := d.db.Where("retry_count >= ?", maxRetry).Find(&entries); tmp.Error != nil {
		return 0, fmt.Errorf("failed to list exhausted operations [%w]", tmp.Error)
	}

	for _, entry := range entries {
		// The operation is dropped without ever succeeding. Surface the loss.
		log.WithFields(logTags).
			WithField("operation", entry.QueueID).
			WithField("record", entry.RecordID).
			WithField("kind", entry.Kind).
			WithField("last_error", entry.LastError).
			Warn("Abandoning operation after exhausting retries")

		if _, err := d.defineNewSyncEvent(
			models.SyncEventTypeAbandonOperation,
			models.SyncEventOperationRelated{
				QueueID:    entry.QueueID,
				RecordID:   entry.RecordID,
				Kind:       entry.Kind,
				RetryCount: entry.RetryCount,
				LastError:  entry.LastError,
			},
		); err != nil {
			return 0, fmt.Errorf(
				"failed to log abandoned operation %d audit event [%w]", entry.QueueID, err,
			)
		}

		if tmp := d.db.Delete(&entry); tmp.Error != nil {
			return 0, fmt.Errorf(
				"failed to purge exhausted operation %d [%w]", entry.QueueID, tmp.Error,
			)
		}
	}

	return len(entries), nil
}

/*
NormalizeStaleOperations return IN_PROGRESS operations to PENDING. Run at
startup; an operation can only be IN_PROGRESS mid-pass, so any found here
were stranded by abrupt process termination.

	@param ctx context.Context - execution context
	@return number of operations reset
*/
func (d *databaseImpl) NormalizeStaleOperations(ctx context.Context) (int, error) {
	logTags := d.GetLogTagsForContext(ctx)

	tmp := d.db.Model(&QueueOperationDBEntry{}).
		Where("status = ?", models.OperationStatusInProgress).
		Update("status", models.OperationStatusPending)
	if tmp.Error != nil {
		return 0, fmt.Errorf("failed to normalize stale operations [%w]", tmp.Error)
	}

	reset := int(tmp.RowsAffected)
	if reset > 0 {
		log.WithFields(logTags).
			WithField("reset", reset).
			Warn("Re-normalized operations stranded in progress")

		if _, err := d.defineNewSyncEvent(
			models.SyncEventTypeResetStaleOperations,
			models.SyncEventSweepRelated{ResetCount: reset},
		); err != nil {
			return reset, fmt.Errorf("failed to log stale operation sweep audit event [%w]", err)
		}
	}

	return reset, nil
}
