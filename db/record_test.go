package db_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/journalsync/db"
	"github.com/alwitt/journalsync/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

// newTestRecord build a journal record for testing
func newTestRecord() models.Record {
	return models.Record{
		ID:          uuid.NewString(),
		Date:        time.Now().UTC(),
		Temperature: 21.5,
		Description: uuid.NewString(),
		Coordinates: models.Coordinates{
			Latitude: 52.52, Longitude: 13.405,
		},
		LastModified: time.Now().UTC(),
	}
}

// newTestConnection prepare a unique temporary DB for one test
func newTestConnection(t *testing.T) db.Client {
	testDB := fmt.Sprintf("/tmp/journalsync_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(t, err)

	assert.Nil(t, uut.RunSQLInTransaction(context.Background(), db.DefineTables))
	return uut
}

// TestDBRecordUpsertAndFetch verifies the behavior of `Database.UpsertRecord`,
// `Database.GetRecord`, and upsert-by-ID replacement.
func TestDBRecordUpsertAndFetch(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestConnection(t)

	// -------------------------------------------------------------------------
	// 1 – Insert a new record
	rec1 := newTestRecord()
	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.UpsertRecord(ctx, rec1)
		return err
	})
	assert.Nil(err)

	// 2 – Get back the record and verify its content
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		r, err := dbClient.GetRecord(ctx, rec1.ID)
		if err != nil {
			return err
		}
		assert.Equal(rec1.Description, r.Description)
		assert.Equal(rec1.Temperature, r.Temperature)
		assert.Equal(rec1.Coordinates.Latitude, r.Coordinates.Latitude)
		assert.Equal(rec1.Coordinates.Longitude, r.Coordinates.Longitude)
		assert.False(r.Synced)
		assert.False(r.Deleted)
		assert.Nil(r.OwnerID)
		return nil
	})
	assert.Nil(err)

	// -------------------------------------------------------------------------
	// 3 – Upsert again with the same ID but new content (full replace)
	rec1.Description = uuid.NewString()
	rec1.Temperature = -4.0
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.UpsertRecord(ctx, rec1)
		return err
	})
	assert.Nil(err)

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		r, err := dbClient.GetRecord(ctx, rec1.ID)
		if err != nil {
			return err
		}
		assert.Equal(rec1.Description, r.Description)
		assert.Equal(rec1.Temperature, r.Temperature)
		return nil
	})
	assert.Nil(err)

	// -------------------------------------------------------------------------
	// 4 – A record without an ID is rejected
	bad := newTestRecord()
	bad.ID = ""
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.UpsertRecord(ctx, bad)
		return err
	})
	assert.Error(err)
}

// TestDBUpdateRecordMissingIsNoop verifies a full-replace update of an
// unknown ID silently does nothing.
func TestDBUpdateRecordMissingIsNoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestConnection(t)

	ghost := newTestRecord()
	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.UpdateRecord(ctx, ghost)
	})
	assert.Nil(err)

	// The record must still be absent
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.GetRecord(ctx, ghost.ID)
		return err
	})
	assert.Error(err)

	// Updating an existing record applies all fields, including zero values
	rec := newTestRecord()
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.UpsertRecord(ctx, rec)
		return err
	})
	assert.Nil(err)

	rec.Description = ""
	rec.Temperature = 0
	rec.Synced = true
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.UpdateRecord(ctx, rec)
	})
	assert.Nil(err)

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		r, err := dbClient.GetRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		assert.Equal("", r.Description)
		assert.Equal(0.0, r.Temperature)
		assert.True(r.Synced)
		return nil
	})
	assert.Nil(err)
}

// TestDBRecordDeletion verifies soft delete retains the row and hard delete
// removes it.
func TestDBRecordDeletion(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestConnection(t)

	rec := newTestRecord()
	rec.Synced = true
	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.UpsertRecord(ctx, rec)
		return err
	})
	assert.Nil(err)

	// -------------------------------------------------------------------------
	// Soft delete: row is retained, marked deleted and unsynced
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.SoftDeleteRecord(ctx, rec.ID)
	})
	assert.Nil(err)

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		r, err := dbClient.GetRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		assert.True(r.Deleted)
		assert.False(r.Synced)
		return nil
	})
	assert.Nil(err)

	// Soft-deleted records are excluded from default listing
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		records, err := dbClient.ListRecords(ctx, db.RecordQueryFilter{})
		if err != nil {
			return err
		}
		assert.Empty(records)

		records, err = dbClient.ListRecords(ctx, db.RecordQueryFilter{IncludeDeleted: true})
		if err != nil {
			return err
		}
		assert.Len(records, 1)
		return nil
	})
	assert.Nil(err)

	// -------------------------------------------------------------------------
	// Hard delete: row is gone
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.HardDeleteRecord(ctx, rec.ID)
	})
	assert.Nil(err)

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.GetRecord(ctx, rec.ID)
		return err
	})
	assert.Error(err)

	// Hard delete of an unknown ID is silent
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.HardDeleteRecord(ctx, uuid.NewString())
	})
	assert.Nil(err)
}

// TestDBListUnsyncedRecords verifies unsynced listing excludes synced and
// soft-deleted records.
func TestDBListUnsyncedRecords(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestConnection(t)

	synced := newTestRecord()
	synced.Synced = true
	unsynced := newTestRecord()
	deletedUnsynced := newTestRecord()
	deletedUnsynced.Deleted = true

	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.UpsertRecords(ctx, []models.Record{synced, unsynced, deletedUnsynced})
	})
	assert.Nil(err)

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		records, err := dbClient.ListUnsyncedRecords(ctx)
		if err != nil {
			return err
		}
		assert.Len(records, 1)
		assert.Equal(unsynced.ID, records[0].ID)
		return nil
	})
	assert.Nil(err)
}

// TestDBMarkRecordSynced verifies syncing a record and merging in the
// server-assigned owner.
func TestDBMarkRecordSynced(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestConnection(t)

	rec := newTestRecord()
	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.UpsertRecord(ctx, rec)
		return err
	})
	assert.Nil(err)

	owner := int64(42)
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.MarkRecordSynced(ctx, rec.ID, &owner)
	})
	assert.Nil(err)

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		r, err := dbClient.GetRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		assert.True(r.Synced)
		if assert.NotNil(r.OwnerID) {
			assert.Equal(owner, *r.OwnerID)
		}
		return nil
	})
	assert.Nil(err)

	// Marking an unknown record synced fails
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.MarkRecordSynced(ctx, uuid.NewString(), nil)
	})
	assert.Error(err)
}

// TestDBMergeRemoteSnapshot verifies the merge never overwrites unsynced
// local records, including soft-deleted ones awaiting their delete operation.
func TestDBMergeRemoteSnapshot(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestConnection(t)

	// Local state: X carries an unsynced edit, D is an unsynced soft delete
	localX := newTestRecord()
	localD := newTestRecord()
	localD.Deleted = true
	err := uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.UpsertRecords(ctx, []models.Record{localX, localD})
	})
	assert.Nil(err)

	// Remote snapshot carries stale copies of X and D, plus new record Y
	remoteX := localX
	remoteX.Description = "stale server copy"
	remoteD := localD
	remoteD.Deleted = false
	remoteY := newTestRecord()

	var applied int
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		n, err := dbClient.MergeRemoteSnapshot(ctx, []models.Record{remoteX, remoteD, remoteY})
		applied = n
		return err
	})
	assert.Nil(err)
	assert.Equal(1, applied)

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		// X keeps the local edit
		x, err := dbClient.GetRecord(ctx, localX.ID)
		if err != nil {
			return err
		}
		assert.Equal(localX.Description, x.Description)
		assert.False(x.Synced)

		// D stays deleted
		d, err := dbClient.GetRecord(ctx, localD.ID)
		if err != nil {
			return err
		}
		assert.True(d.Deleted)

		// Y was inserted as a synced server record
		y, err := dbClient.GetRecord(ctx, remoteY.ID)
		if err != nil {
			return err
		}
		assert.Equal(remoteY.Description, y.Description)
		assert.True(y.Synced)
		return nil
	})
	assert.Nil(err)

	// A synced local record is replaced by the snapshot copy
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.MarkRecordSynced(ctx, localX.ID, nil)
	})
	assert.Nil(err)

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		n, err := dbClient.MergeRemoteSnapshot(ctx, []models.Record{remoteX})
		assert.Equal(1, n)
		return err
	})
	assert.Nil(err)

	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		x, err := dbClient.GetRecord(ctx, localX.ID)
		if err != nil {
			return err
		}
		assert.Equal("stale server copy", x.Description)
		assert.True(x.Synced)
		return nil
	})
	assert.Nil(err)
}
