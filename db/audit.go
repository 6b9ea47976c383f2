// Package db - persistence layer
package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/journalsync/models"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
)

// defineNewSyncEvent record a new sync event
func (d *databaseImpl) defineNewSyncEvent(
	eventType models.SyncEventTypeENUMType, metadata interface{},
) (models.SyncEventAudit, error) {

	newEntry := SyncEventAuditDBEntry{
		SyncEventAudit: models.SyncEventAudit{ID: ulid.Make().String(), EventType: eventType},
	}

	if metadata != nil {
		if err := d.validator.Struct(metadata); err != nil {
			return models.SyncEventAudit{}, fmt.Errorf(
				"new sync event '%s' metadata entry is not valid [%w]", eventType, err,
			)
		}

		metadataStr, _ := json.Marshal(&metadata)
		newEntry.Metadata = datatypes.JSON(metadataStr)
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.SyncEventAudit{}, fmt.Errorf(
			"new sync event '%s' entry is not valid [%w]", eventType, err,
		)
	}

	if tmp := d.db.Create(&newEntry); tmp.Error != nil {
		return models.SyncEventAudit{}, fmt.Errorf(
			"new sync event '%s' insert failed [%w]", eventType, tmp.Error,
		)
	}

	return newEntry.SyncEventAudit, nil
}

/*
RecordSyncPassCompleted log the outcome of one completed sync engine pass

	@param ctx context.Context - execution context
	@param synced int - operations completed against the server
	@param failed int - operations that failed during the pass
	@param merged int - remote records applied by the merge phase
*/
func (d *databaseImpl) RecordSyncPassCompleted(
	_ context.Context, synced int, failed int, merged int,
) error {
	_, err := d.defineNewSyncEvent(
		models.SyncEventTypeSyncPassCompleted,
		models.SyncEventPassRelated{Synced: synced, Failed: failed, Merged: merged},
	)
	if err != nil {
		return fmt.Errorf("failed to log sync pass audit event [%w]", err)
	}
	return nil
}

/*
ListSyncEvents list captured sync events

	@param ctx context.Context - execution context
	@param filters SyncEventQueryFilter - entry listing filter
	@return list of sync events
*/
func (d *databaseImpl) ListSyncEvents(
	_ context.Context, filters SyncEventQueryFilter,
) ([]models.SyncEventAudit, error) {
	query := d.db.Model(&SyncEventAuditDBEntry{})

	if len(filters.EventTypes) > 0 {
		query = query.Where("type in ?", filters.EventTypes)
	}

	if filters.EventsAfter != nil {
		query = query.Where("created_at >= ?", *filters.EventsAfter)
	}
	if filters.EventsBefore != nil {
		query = query.Where("created_at <= ?", *filters.EventsBefore)
	}

	if filters.Limit != nil {
		query = query.Limit(*filters.Limit)
	}
	if filters.Offset != nil {
		query = query.Offset(*filters.Offset)
	}

	query = query.Order("created_at")

	var entries []SyncEventAuditDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list captured sync events [%w]", tmp.Error)
	}

	result := []models.SyncEventAudit{}
	for _, entry := range entries {
		result = append(result, entry.SyncEventAudit)
	}

	return result, nil
}
