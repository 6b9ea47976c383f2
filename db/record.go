package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/journalsync/models"
	"github.com/apex/log"
	"gorm.io/gorm/clause"
)

// ======================================================================================
// Journal records

/*
UpsertRecord insert a record, or fully replace an existing record with the same ID

	@param ctx context.Context - execution context
	@param record models.Record - the record
	@returns the stored record
*/
func (d *databaseImpl) UpsertRecord(
	_ context.Context, record models.Record,
) (models.Record, error) {
	newEntry := RecordDBEntry{Record: record}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.Record{}, fmt.Errorf("record '%s' is not valid [%w]", record.ID, err)
	}

	if tmp := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&newEntry); tmp.Error != nil {
		return models.Record{}, fmt.Errorf("record '%s' failed upsert [%w]", record.ID, tmp.Error)
	}

	return newEntry.Record, nil
}

/*
UpsertRecords upsert a batch of records by ID

	@param ctx context.Context - execution context
	@param records []models.Record - the records
*/
func (d *databaseImpl) UpsertRecords(_ context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	entries := make([]RecordDBEntry, 0, len(records))
	for _, record := range records {
		entry := RecordDBEntry{Record: record}
		if err := d.validator.Struct(&entry); err != nil {
			return fmt.Errorf("record '%s' is not valid [%w]", record.ID, err)
		}
		entries = append(entries, entry)
	}

	if tmp := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&entries); tmp.Error != nil {
		return fmt.Errorf("batch upsert of %d records failed [%w]", len(records), tmp.Error)
	}

	return nil
}

// getRecordEntry find a journal record by ID
func (d *databaseImpl) getRecordEntry(recordID string) (RecordDBEntry, error) {
	var entry RecordDBEntry
	err := d.db.Where("id = ?", recordID).First(&entry).Error
	return entry, err
}

/*
GetRecord fetch a journal record by ID

	@param ctx context.Context - execution context
	@param recordID string - journal record ID
	@returns record entry
*/
func (d *databaseImpl) GetRecord(
	_ context.Context, recordID string,
) (models.Record, error) {
	entry, err := d.getRecordEntry(recordID)
	if err != nil {
		return models.Record{}, fmt.Errorf("failed to fetch record %s [%w]", recordID, err)
	}

	return entry.Record, nil
}

/*
UpdateRecord fully replace a record by ID. A missing ID is a silent no-op.

	@param ctx context.Context - execution context
	@param record models.Record - the record
*/
func (d *databaseImpl) UpdateRecord(_ context.Context, record models.Record) error {
	entry := RecordDBEntry{Record: record}
	if err := d.validator.Struct(&entry); err != nil {
		return fmt.Errorf("record '%s' is not valid [%w]", record.ID, err)
	}

	// Map form so zero values (cleared description, temperature 0) still apply
	tmp := d.db.Model(&RecordDBEntry{}).Where("id = ?", record.ID).Updates(map[string]interface{}{
		"owner_id":      record.OwnerID,
		"date":          record.Date,
		"temperature":   record.Temperature,
		"description":   record.Description,
		"photo_ref":     record.PhotoRef,
		"latitude":      record.Coordinates.Latitude,
		"longitude":     record.Coordinates.Longitude,
		"synced":        record.Synced,
		"deleted":       record.Deleted,
		"last_modified": record.LastModified,
	})
	if tmp.Error != nil {
		return fmt.Errorf("failed to update record %s [%w]", record.ID, tmp.Error)
	}

	return nil
}

/*
SoftDeleteRecord mark a record deleted without removing the row. The record
is retained until its delete operation completes.

	@param ctx context.Context - execution context
	@param recordID string - journal record ID
*/
func (d *databaseImpl) SoftDeleteRecord(_ context.Context, recordID string) error {
	entry, err := d.getRecordEntry(recordID)
	if err != nil {
		return fmt.Errorf("failed to fetch record %s [%w]", recordID, err)
	}

	tmp := d.db.Model(&entry).Updates(map[string]interface{}{
		"deleted":       true,
		"synced":        false,
		"last_modified": time.Now(),
	})
	if tmp.Error != nil {
		return fmt.Errorf("failed to soft delete record %s [%w]", recordID, tmp.Error)
	}

	return nil
}

/*
HardDeleteRecord physically remove a record

	@param ctx context.Context - execution context
	@param recordID string - journal record ID
*/
func (d *databaseImpl) HardDeleteRecord(_ context.Context, recordID string) error {
	if tmp := d.db.Where("id = ?", recordID).Delete(&RecordDBEntry{}); tmp.Error != nil {
		return fmt.Errorf("failed to delete record %s [%w]", recordID, tmp.Error)
	}
	return nil
}

/*
ListRecords list journal records

	@param ctx context.Context - execution context
	@param filters RecordQueryFilter - entry listing filter
	@return list of records
*/
func (d *databaseImpl) ListRecords(
	_ context.Context, filters RecordQueryFilter,
) ([]models.Record, error) {
	query := d.db.Model(&RecordDBEntry{})

	if !filters.IncludeDeleted {
		query = query.Where("deleted = ?", false)
	}

	if filters.Limit != nil {
		query = query.Limit(*filters.Limit)
	}
	if filters.Offset != nil {
		query = query.Offset(*filters.Offset)
	}

	query = query.Order("date desc")

	var entries []RecordDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list journal records [%w]", tmp.Error)
	}

	result := []models.Record{}
	for _, entry := range entries {
		result = append(result, entry.Record)
	}

	return result, nil
}

/*
ListUnsyncedRecords list non-deleted records the server has not yet confirmed

	@param ctx context.Context - execution context
	@return list of records
*/
func (d *databaseImpl) ListUnsyncedRecords(_ context.Context) ([]models.Record, error) {
	var entries []RecordDBEntry
	tmp := d.db.
		Where("synced = ?", false).
		Where("deleted = ?", false).
		Order("last_modified").
		Find(&entries)
	if tmp.Error != nil {
		return nil, fmt.Errorf("failed to list unsynced records [%w]", tmp.Error)
	}

	result := []models.Record{}
	for _, entry := range entries {
		result = append(result, entry.Record)
	}

	return result, nil
}

/*
MarkRecordSynced mark that the server holds an identical version of the
record, merging in server-assigned fields when given

	@param ctx context.Context - execution context
	@param recordID string - journal record ID
	@param ownerID *int64 - server-assigned owner, nil to leave unchanged
*/
func (d *databaseImpl) MarkRecordSynced(
	_ context.Context, recordID string, ownerID *int64,
) error {
	entry, err := d.getRecordEntry(recordID)
	if err != nil {
		return fmt.Errorf("failed to fetch record %s [%w]", recordID, err)
	}

	updates := map[string]interface{}{"synced": true}
	if ownerID != nil {
		updates["owner_id"] = *ownerID
	}

	if tmp := d.db.Model(&entry).Updates(updates); tmp.Error != nil {
		return fmt.Errorf("failed to mark record %s synced [%w]", recordID, tmp.Error)
	}

	return nil
}

/*
MergeRemoteSnapshot reconcile a full remote snapshot into the local store.

Every remote record is inserted or replaced except those whose ID belongs
to a local record with synced=false; in-flight local edits (including
pending deletes) always shadow the server copy.

	@param ctx context.Context - execution context
	@param remoteRecords []models.Record - the full remote snapshot
	@return number of remote records applied
*/
func (d *databaseImpl) MergeRemoteSnapshot(
	ctx context.Context, remoteRecords []models.Record,
) (int, error) {
	logTags := d.GetLogTagsForContext(ctx)

	// The protected set covers soft-deleted rows as well; a pending local
	// delete must not be resurrected by the snapshot.
	var unsyncedIDs []string
	tmp := d.db.Model(&RecordDBEntry{}).Where("synced = ?", false).Pluck("id", &unsyncedIDs)
	if tmp.Error != nil {
		return 0, fmt.Errorf("failed to list unsynced record IDs [%w]", tmp.Error)
	}
	protected := map[string]bool{}
	for _, id := range unsyncedIDs {
		protected[id] = true
	}

	apply := make([]models.Record, 0, len(remoteRecords))
	for _, record := range remoteRecords {
		if protected[record.ID] {
			log.WithFields(logTags).
				WithField("record", record.ID).
				Debug("Skipping remote record shadowed by unsynced local edit")
			continue
		}
		record.Synced = true
		record.Deleted = false
		if record.LastModified.IsZero() {
			record.LastModified = time.Now()
		}
		apply = append(apply, record)
	}

	if err := d.UpsertRecords(ctx, apply); err != nil {
		return 0, fmt.Errorf("failed to apply remote snapshot [%w]", err)
	}

	return len(apply), nil
}
