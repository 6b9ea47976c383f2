package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/journalsync/models"
)

// GlobalSyncParamEntryID ID of the singleton sync parameter entry
const GlobalSyncParamEntryID = "sync-parameters"

// getSyncParamEntry fetch the sync param entry
//
// If the entry does not exist, initialize a new one.
func (d *databaseImpl) getSyncParamEntry() (SyncParamsDBEntry, error) {
	var entries []SyncParamsDBEntry
	dbErr := d.db.Where("id = ?", GlobalSyncParamEntryID).Find(&entries).Error
	if dbErr != nil {
		return SyncParamsDBEntry{}, fmt.Errorf("failed to read sync params table [%w]", dbErr)
	}
	if len(entries) == 0 {
		// Make a new one
		newEntry := SyncParamsDBEntry{
			SyncParams: models.SyncParams{ID: GlobalSyncParamEntryID},
		}
		if dbErr = d.db.Create(&newEntry).Error; dbErr != nil {
			return SyncParamsDBEntry{}, fmt.Errorf(
				"failed to setup singleton sync params table [%w]", dbErr,
			)
		}
		return newEntry, nil
	}
	return entries[0], nil
}

/*
GetLastSyncTime fetch the timestamp of the last successful fetch-and-merge

	@param ctx context.Context - execution context
	@returns the timestamp, or the zero time when no sync completed yet
*/
func (d *databaseImpl) GetLastSyncTime(_ context.Context) (time.Time, error) {
	entry, err := d.getSyncParamEntry()
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to fetch sync parameter entry [%w]", err)
	}
	if entry.LastSyncAt == nil {
		return time.Time{}, nil
	}
	return *entry.LastSyncAt, nil
}

/*
RecordLastSyncTime persist the timestamp of a successful fetch-and-merge

	@param ctx context.Context - execution context
	@param timestamp time.Time - the sync timestamp
*/
func (d *databaseImpl) RecordLastSyncTime(_ context.Context, timestamp time.Time) error {
	entry, err := d.getSyncParamEntry()
	if err != nil {
		return fmt.Errorf("unable to fetch sync parameter entry [%w]", err)
	}

	if tmp := d.db.Model(&entry).Update("last_sync_at", timestamp); tmp.Error != nil {
		return fmt.Errorf("failed to record last sync time [%w]", tmp.Error)
	}

	return nil
}
