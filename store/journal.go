// Package store - journal entry storage controllers
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/journalsync/db"
	"github.com/alwitt/journalsync/models"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// JournalStore journal entry store pairing every local mutation with the
// queue operation that will replay it against the server
type JournalStore interface {
	/*
		CreateEntry record a new journal entry and queue its create

			@param ctx context.Context - execution context
			@param record models.Record - the new entry. A blank ID is assigned.
			@param activeDBClient Database - existing database transaction
			@returns the stored entry
	*/
	CreateEntry(
		ctx context.Context, record models.Record, activeDBClient db.Database,
	) (models.Record, error)

	/*
		UpdateEntry replace a journal entry and queue its upload

			@param ctx context.Context - execution context
			@param record models.Record - the edited entry
			@param activeDBClient Database - existing database transaction
			@returns the stored entry
	*/
	UpdateEntry(
		ctx context.Context, record models.Record, activeDBClient db.Database,
	) (models.Record, error)

	/*
		DeleteEntry soft delete a journal entry and queue its removal

			@param ctx context.Context - execution context
			@param recordID string - journal entry ID
			@param activeDBClient Database - existing database transaction
	*/
	DeleteEntry(ctx context.Context, recordID string, activeDBClient db.Database) error

	/*
		GetEntry fetch a journal entry

			@param ctx context.Context - execution context
			@param recordID string - journal entry ID
			@param activeDBClient Database - existing database transaction
			@returns the entry
	*/
	GetEntry(
		ctx context.Context, recordID string, activeDBClient db.Database,
	) (models.Record, error)

	/*
		ListEntries list journal entries

			@param ctx context.Context - execution context
			@param filters db.RecordQueryFilter - entry listing filter
			@param activeDBClient Database - existing database transaction
			@returns list of entries
	*/
	ListEntries(
		ctx context.Context, filters db.RecordQueryFilter, activeDBClient db.Database,
	) ([]models.Record, error)
}

// journalStore implements JournalStore
type journalStore struct {
	goutils.Component

	persistence db.Client
}

/*
NewJournalStore define new journal entry store

	@param persistence db.Client - persistence layer client
	@returns store instance
*/
func NewJournalStore(persistence db.Client) (JournalStore, error) {
	logTags := log.Fields{
		"package": "journalsync", "module": "store", "component": "journal-store",
	}

	instance := &journalStore{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
	}

	return instance, nil
}

/*
CreateEntry record a new journal entry and queue its create

	@param ctx context.Context - execution context
	@param record models.Record - the new entry. A blank ID is assigned.
	@param activeDBClient Database - existing database transaction
	@returns the stored entry
*/
func (s *journalStore) CreateEntry(
	ctx context.Context, record models.Record, activeDBClient db.Database,
) (models.Record, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.Synced = false
	record.Deleted = false
	record.LastModified = time.Now().UTC()

	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			stored, err := dbClient.UpsertRecord(dbCtx, record)
			if err != nil {
				return fmt.Errorf("failed to insert journal entry [%w]", err)
			}
			record = stored

			if _, err := dbClient.EnqueueOperation(
				dbCtx, stored, models.OperationKindAdd,
			); err != nil {
				return fmt.Errorf("failed to queue journal entry create [%w]", err)
			}

			return nil
		},
	); dbErr != nil {
		return models.Record{}, fmt.Errorf("failed to create journal entry '%s' [%w]", record.ID, dbErr)
	}

	return record, nil
}

/*
UpdateEntry replace a journal entry and queue its upload.

The queued operation coalesces with anything already queued for the entry. An
entry the server never acknowledged stays queued as a create, so the edit
rides along with it instead of turning into an update of a record the server
does not have.

	@param ctx context.Context - execution context
	@param record models.Record - the edited entry
	@param activeDBClient Database - existing database transaction
	@returns the stored entry
*/
func (s *journalStore) UpdateEntry(
	ctx context.Context, record models.Record, activeDBClient db.Database,
) (models.Record, error) {
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			existing, err := dbClient.GetRecord(dbCtx, record.ID)
			if err != nil {
				return fmt.Errorf("journal entry not found [%w]", err)
			}

			record.OwnerID = existing.OwnerID
			record.Synced = false
			record.Deleted = false
			record.LastModified = time.Now().UTC()
			if err := dbClient.UpdateRecord(dbCtx, record); err != nil {
				return fmt.Errorf("failed to replace journal entry [%w]", err)
			}

			kind := models.OperationKindUpdate
			if !existing.Synced && existing.OwnerID == nil {
				kind = models.OperationKindAdd
			}
			if _, err := dbClient.EnqueueOperation(dbCtx, record, kind); err != nil {
				return fmt.Errorf("failed to queue journal entry upload [%w]", err)
			}

			return nil
		},
	); dbErr != nil {
		return models.Record{}, fmt.Errorf("failed to update journal entry '%s' [%w]", record.ID, dbErr)
	}

	return record, nil
}

/*
DeleteEntry soft delete a journal entry and queue its removal.

The row stays in the store, hidden from listings, until the queued delete
operation completes.

	@param ctx context.Context - execution context
	@param recordID string - journal entry ID
	@param activeDBClient Database - existing database transaction
*/
func (s *journalStore) DeleteEntry(
	ctx context.Context, recordID string, activeDBClient db.Database,
) error {
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			if err := dbClient.SoftDeleteRecord(dbCtx, recordID); err != nil {
				return fmt.Errorf("failed to mark journal entry deleted [%w]", err)
			}

			deleted, err := dbClient.GetRecord(dbCtx, recordID)
			if err != nil {
				return fmt.Errorf("journal entry not found [%w]", err)
			}

			if _, err := dbClient.EnqueueOperation(
				dbCtx, deleted, models.OperationKindDelete,
			); err != nil {
				return fmt.Errorf("failed to queue journal entry removal [%w]", err)
			}

			return nil
		},
	); dbErr != nil {
		return fmt.Errorf("failed to delete journal entry '%s' [%w]", recordID, dbErr)
	}

	return nil
}

/*
GetEntry fetch a journal entry

	@param ctx context.Context - execution context
	@param recordID string - journal entry ID
	@param activeDBClient Database - existing database transaction
	@returns the entry
*/
func (s *journalStore) GetEntry(
	ctx context.Context, recordID string, activeDBClient db.Database,
) (models.Record, error) {
	var entry models.Record

	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			entry, err = dbClient.GetRecord(dbCtx, recordID)
			return err
		},
	); dbErr != nil {
		return models.Record{}, fmt.Errorf("failed to find journal entry '%s' [%w]", recordID, dbErr)
	}

	return entry, nil
}

/*
ListEntries list journal entries

	@param ctx context.Context - execution context
	@param filters db.RecordQueryFilter - entry listing filter
	@param activeDBClient Database - existing database transaction
	@returns list of entries
*/
func (s *journalStore) ListEntries(
	ctx context.Context, filters db.RecordQueryFilter, activeDBClient db.Database,
) ([]models.Record, error) {
	var entries []models.Record

	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			entries, err = dbClient.ListRecords(dbCtx, filters)
			return err
		},
	); dbErr != nil {
		return nil, fmt.Errorf("failed to list journal entries [%w]", dbErr)
	}

	return entries, nil
}
