// Package journalsync - offline-first synchronization for a journal client
package journalsync

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/journalsync/db"
	"github.com/alwitt/journalsync/engine"
	"github.com/alwitt/journalsync/remote"
	"github.com/alwitt/journalsync/store"
	"github.com/alwitt/journalsync/trigger"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SyncClientParams sync client parameters
type SyncClientParams struct {
	// DBDialector GORM dialector for the local store
	DBDialector gorm.Dialector
	// DBLogLevel SQL log level
	DBLogLevel logger.LogLevel
	// Remote remote record API client parameters
	Remote remote.ClientParams
	// Session session state source
	Session engine.SessionChecker
	// Notifier optional sink for user-visible sync signals
	Notifier engine.Notifier
	// Connectivity optional connectivity source for the scheduler
	Connectivity trigger.ConnectivityChecker
	// PageSize remote fetch page size. Zero selects the engine default.
	PageSize int
	// FullRefreshInterval maximum last-sync age before an idle pass still
	// refetches. Zero selects the engine default.
	FullRefreshInterval time.Duration
	// SyncInterval period between unprompted scheduler passes. Zero selects
	// the scheduler default.
	SyncInterval time.Duration
}

// SyncClient assembled synchronization client.
//
// The Store handles local CRUD and queues each mutation for upload. The
// Scheduler drives the Engine in the background; callers needing manual
// control can run Engine passes directly instead of starting the Scheduler.
type SyncClient struct {
	// Persistence local persistence client
	Persistence db.Client
	// Store journal entry store
	Store store.JournalStore
	// Engine the sync engine
	Engine engine.SyncEngine
	// Scheduler single-flight scheduler wrapped around the engine
	Scheduler trigger.SyncScheduler
}

/*
NewSyncClient initialize a journal sync client instance.

Each instance is backed by a SQL database holding the journal records, the
operation queue, and the sync bookkeeping tables.

	@param ctx context.Context - execution context
	@param params SyncClientParams - client parameters
	@returns new client instance
*/
func NewSyncClient(ctx context.Context, params SyncClientParams) (*SyncClient, error) {
	// Prepare persistence
	persistence, err := db.NewConnection(params.DBDialector, params.DBLogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized persistence client [%w]", err)
	}

	// Prepare remote record API client
	remoteClient, err := remote.NewClient(params.Remote)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized remote API client [%w]", err)
	}

	// Prepare journal entry store
	journalStore, err := store.NewJournalStore(persistence)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized journal store [%w]", err)
	}

	// Prepare sync engine
	syncEngine, err := engine.NewSyncEngine(engine.SyncEngineParams{
		Persistence:         persistence,
		Remote:              remoteClient,
		Session:             params.Session,
		Notifier:            params.Notifier,
		PageSize:            params.PageSize,
		FullRefreshInterval: params.FullRefreshInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialized sync engine [%w]", err)
	}

	// Prepare scheduler
	scheduler, err := trigger.NewSyncScheduler(trigger.SchedulerParams{
		Engine:       syncEngine,
		Persistence:  persistence,
		Connectivity: params.Connectivity,
		Notifier:     params.Notifier,
		SyncInterval: params.SyncInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialized sync scheduler [%w]", err)
	}

	return &SyncClient{
		Persistence: persistence,
		Store:       journalStore,
		Engine:      syncEngine,
		Scheduler:   scheduler,
	}, nil
}
