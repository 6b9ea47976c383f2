// Package engine - sync pass orchestration
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/journalsync/db"
	"github.com/alwitt/journalsync/models"
	"github.com/alwitt/journalsync/remote"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrNonRetryable marks operation failures that retrying cannot fix. The
// engine exhausts these immediately instead of counting attempts.
var ErrNonRetryable = errors.New("operation failure is not retryable")

// DefaultPageSize default remote fetch page size
const DefaultPageSize = 50

// DefaultFullRefreshInterval default maximum age of the last fetch-and-merge
// before an otherwise idle pass refetches the remote snapshot
const DefaultFullRefreshInterval = time.Minute * 15

// SyncEngineParams sync engine parameters
type SyncEngineParams struct {
	// Persistence local persistence client
	Persistence db.Client `validate:"required"`
	// Remote remote record API client
	Remote remote.Client `validate:"required"`
	// Session session state source
	Session SessionChecker `validate:"required"`
	// Notifier optional sink for user-visible sync signals
	Notifier Notifier
	// PageSize remote fetch page size. Zero selects DefaultPageSize.
	PageSize int `validate:"gte=0"`
	// FullRefreshInterval maximum last-sync age before an idle pass still
	// refetches. Zero selects DefaultFullRefreshInterval.
	FullRefreshInterval time.Duration `validate:"gte=0"`
}

// SyncEngine runs sync passes against the local store and the remote API
type SyncEngine interface {
	/*
		RunSync execute one sync pass.

		A pass drains the operation queue against the server, then fetches the
		full remote record listing and merges it into the local store. The two
		phases never interleave; local edits made while the pass runs are picked
		up by the next pass.

			@param ctx context.Context - execution context
			@param forceFull bool - refetch the remote snapshot even if the queue
			    was empty and the previous fetch is recent
			@returns pass result
	*/
	RunSync(ctx context.Context, forceFull bool) Result
}

// syncEngineImpl implements SyncEngine
type syncEngineImpl struct {
	goutils.Component
	persistence         db.Client
	remote              remote.Client
	session             SessionChecker
	notifier            Notifier
	pageSize            int
	fullRefreshInterval time.Duration
}

/*
NewSyncEngine define a new sync engine

	@param params SyncEngineParams - engine parameters
	@return new engine
*/
func NewSyncEngine(params SyncEngineParams) (SyncEngine, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, fmt.Errorf("sync engine parameters are not valid [%w]", err)
	}

	logTags := log.Fields{
		"package": "journalsync", "module": "engine", "component": "sync-engine",
	}

	if params.PageSize == 0 {
		params.PageSize = DefaultPageSize
	}
	if params.FullRefreshInterval == 0 {
		params.FullRefreshInterval = DefaultFullRefreshInterval
	}
	if params.Notifier == nil {
		params.Notifier = noopNotifier{}
	}

	instance := &syncEngineImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence:         params.Persistence,
		remote:              params.Remote,
		session:             params.Session,
		notifier:            params.Notifier,
		pageSize:            params.PageSize,
		fullRefreshInterval: params.FullRefreshInterval,
	}

	return instance, nil
}

/*
RunSync execute one sync pass

	@param ctx context.Context - execution context
	@param forceFull bool - refetch the remote snapshot even if the queue
	    was empty and the previous fetch is recent
	@returns pass result
*/
func (e *syncEngineImpl) RunSync(ctx context.Context, forceFull bool) Result {
	logTags := e.GetLogTagsForContext(ctx)

	if !e.session.IsAuthenticated(ctx) {
		log.WithFields(logTags).Info("Sync pass skipped. No authenticated session")
		return Result{Outcome: OutcomeSkippedNotAuthenticated}
	}

	result := Result{Outcome: OutcomeSuccess}

	attempted, err := e.drainQueue(ctx, &result)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Queue drain aborted")
		result.Outcome = OutcomeRetryLater
		result.Err = err
		e.notifier.NotifySyncFailure(ctx, err.Error())
		return result
	}

	if e.shouldFetch(ctx, forceFull, attempted) {
		if err := e.fetchAndMerge(ctx, &result); err != nil {
			// Queue drain results stand; only the merge is lost for this pass
			log.WithError(err).WithFields(logTags).Error("Remote fetch-and-merge failed")
			result.Outcome = OutcomeRetryLater
			result.Err = err
			e.notifier.NotifySyncFailure(ctx, err.Error())
			return result
		}
	}

	if err := e.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			return dbClient.RecordSyncPassCompleted(ctx, result.Synced, result.Failed, result.Merged)
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to record sync pass audit event")
	}

	if result.Failed > 0 {
		result.Outcome = OutcomeRetryLater
		e.notifier.NotifySyncFailure(
			ctx, fmt.Sprintf("%d queued operations failed to sync", result.Failed),
		)
	} else if result.Synced > 0 {
		e.notifier.NotifySyncSuccess(ctx, result.Synced)
	}

	log.
		WithFields(logTags).
		WithField("outcome", result.Outcome).
		WithField("synced", result.Synced).
		WithField("failed", result.Failed).
		WithField("merged", result.Merged).
		Info("Sync pass complete")
	return result
}

/*
drainQueue process the active queue operations sequentially against the server.

Returns the number of operations attempted. A returned error means the queue
itself could not be read; per-operation failures only count into the result.
*/
func (e *syncEngineImpl) drainQueue(ctx context.Context, result *Result) (int, error) {
	logTags := e.GetLogTagsForContext(ctx)

	var operations []models.QueueOperation
	if err := e.persistence.UseDatabase(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			operations, err = dbClient.ListActiveOperations(ctx)
			return err
		},
	); err != nil {
		return 0, fmt.Errorf("failed to list active queue operations [%w]", err)
	}

	attempted := 0
	for _, operation := range operations {
		if operation.RetryCount >= models.MaxOperationRetry {
			// Left for the end-of-pass purge
			continue
		}
		attempted++

		// The attempt marker persists on its own so an abrupt termination
		// mid-dispatch is visible as a stale IN_PROGRESS entry at next startup.
		if err := e.persistence.UseDatabaseInTransaction(
			ctx, func(ctx context.Context, dbClient db.Database) error {
				_, err := dbClient.MarkOperationInProgress(ctx, operation.QueueID)
				return err
			},
		); err != nil {
			return attempted, fmt.Errorf(
				"failed to mark operation %d in progress [%w]", operation.QueueID, err,
			)
		}

		dispatchErr := e.dispatchOperation(ctx, operation)
		if dispatchErr == nil {
			result.Synced++
			continue
		}
		result.Failed++
		log.
			WithError(dispatchErr).
			WithFields(logTags).
			WithField("queue-id", operation.QueueID).
			WithField("record-id", operation.RecordID).
			WithField("kind", operation.Kind).
			Error("Queue operation attempt failed")

		if err := e.persistence.UseDatabaseInTransaction(
			ctx, func(ctx context.Context, dbClient db.Database) error {
				if errors.Is(dispatchErr, ErrNonRetryable) {
					return dbClient.ExhaustOperation(ctx, operation.QueueID, dispatchErr.Error())
				}
				_, err := dbClient.MarkOperationFailed(ctx, operation.QueueID, dispatchErr.Error())
				return err
			},
		); err != nil {
			return attempted, fmt.Errorf(
				"failed to record failure of operation %d [%w]", operation.QueueID, err,
			)
		}
	}

	if err := e.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			if err := dbClient.DeleteCompletedOperations(ctx); err != nil {
				return err
			}
			_, err := dbClient.PurgeExhaustedOperations(ctx, models.MaxOperationRetry)
			return err
		},
	); err != nil {
		return attempted, fmt.Errorf("failed to clean up the operation queue [%w]", err)
	}

	return attempted, nil
}

// dispatchOperation send one queue operation to the server and apply the
// local follow-up on success
func (e *syncEngineImpl) dispatchOperation(
	ctx context.Context, operation models.QueueOperation,
) error {
	switch operation.Kind {
	case models.OperationKindAdd:
		return e.dispatchAdd(ctx, operation)
	case models.OperationKindUpdate:
		return e.dispatchUpdate(ctx, operation)
	case models.OperationKindDelete:
		return e.dispatchDelete(ctx, operation)
	}
	return fmt.Errorf(
		"%w: operation %d carries unknown kind '%s'",
		ErrNonRetryable, operation.QueueID, operation.Kind,
	)
}

// operationPayload decode the record snapshot serialized at enqueue time.
// That snapshot, not the current row, is what goes over the wire.
func operationPayload(operation models.QueueOperation) (models.Record, error) {
	var record models.Record
	if err := json.Unmarshal(operation.Payload, &record); err != nil {
		return record, fmt.Errorf(
			"%w: operation %d payload failed to parse [%s]",
			ErrNonRetryable, operation.QueueID, err.Error(),
		)
	}
	return record, nil
}

func (e *syncEngineImpl) dispatchAdd(
	ctx context.Context, operation models.QueueOperation,
) error {
	// The referenced record must still exist locally to receive the
	// server-assigned fields. A vanished record makes the create pointless.
	if err := e.persistence.UseDatabase(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.GetRecord(ctx, operation.RecordID)
			return err
		},
	); err != nil {
		return fmt.Errorf(
			"%w: record %s vanished before its create synced [%s]",
			ErrNonRetryable, operation.RecordID, err.Error(),
		)
	}

	payload, err := operationPayload(operation)
	if err != nil {
		return err
	}

	created, err := e.remote.CreateRecord(ctx, payload)
	if err != nil {
		return fmt.Errorf("record %s create rejected by server [%w]", operation.RecordID, err)
	}

	return e.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			if err := dbClient.MarkRecordSynced(ctx, operation.RecordID, created.OwnerID); err != nil {
				return err
			}
			return dbClient.DeleteOperation(ctx, operation.QueueID)
		},
	)
}

func (e *syncEngineImpl) dispatchUpdate(
	ctx context.Context, operation models.QueueOperation,
) error {
	payload, err := operationPayload(operation)
	if err != nil {
		return err
	}

	if _, err := e.remote.UpdateRecord(ctx, payload); err != nil {
		return fmt.Errorf("record %s update rejected by server [%w]", operation.RecordID, err)
	}

	return e.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			if err := dbClient.MarkRecordSynced(ctx, operation.RecordID, nil); err != nil {
				return err
			}
			return dbClient.DeleteOperation(ctx, operation.QueueID)
		},
	)
}

// dispatchDelete completes a queued delete. The remote record API has no
// delete endpoint yet, so completion means dropping the soft-deleted row.
// TODO: call DELETE /records/{recordID} once the server ships it.
func (e *syncEngineImpl) dispatchDelete(
	ctx context.Context, operation models.QueueOperation,
) error {
	return e.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			// The queue row goes with the record via the FK cascade, but an
			// explicit delete keeps this correct if the record is already gone.
			if err := dbClient.HardDeleteRecord(ctx, operation.RecordID); err != nil {
				return err
			}
			return dbClient.DeleteOperation(ctx, operation.QueueID)
		},
	)
}

/*
shouldFetch decide whether this pass refetches the remote snapshot.

The fetch runs when forced, when the queue pushed changes this pass, when no
fetch ever completed, or when the last fetch is older than the refresh
interval. A quiet recent pass skips the network round trip entirely.
*/
func (e *syncEngineImpl) shouldFetch(ctx context.Context, forceFull bool, attempted int) bool {
	logTags := e.GetLogTagsForContext(ctx)

	if forceFull || attempted > 0 {
		return true
	}

	var lastSync time.Time
	if err := e.persistence.UseDatabase(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			lastSync, err = dbClient.GetLastSyncTime(ctx)
			return err
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read last sync timestamp")
		return true
	}

	return lastSync.IsZero() || time.Since(lastSync) >= e.fullRefreshInterval
}

// fetchAndMerge pull the full remote record listing and reconcile it into
// the local store
func (e *syncEngineImpl) fetchAndMerge(ctx context.Context, result *Result) error {
	logTags := e.GetLogTagsForContext(ctx)

	// The snapshot is assembled in full before the merge so a mid-listing
	// failure never applies a partial view of the server state.
	snapshot := []models.Record{}
	for page := 0; ; page++ {
		listing, err := e.remote.ListRecords(ctx, page, e.pageSize)
		if err != nil {
			return fmt.Errorf("remote record listing failed at page %d [%w]", page, err)
		}
		snapshot = append(snapshot, listing.Items...)
		if !listing.HasMore {
			break
		}
	}
	log.
		WithFields(logTags).
		WithField("records", len(snapshot)).
		Debug("Fetched remote record snapshot")

	syncTime := time.Now().UTC()
	return e.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			merged, err := dbClient.MergeRemoteSnapshot(ctx, snapshot)
			if err != nil {
				return err
			}
			result.Merged = merged
			return dbClient.RecordLastSyncTime(ctx, syncTime)
		},
	)
}
