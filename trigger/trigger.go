// Package trigger - sync pass scheduling
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/journalsync/db"
	"github.com/alwitt/journalsync/engine"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// DefaultSyncInterval default period between unprompted sync passes
const DefaultSyncInterval = time.Minute * 5

// DefaultMaxConsecutiveFailures default number of consecutive failed passes
// after which the scheduler reports a permanent failure
const DefaultMaxConsecutiveFailures = 3

// DefaultRetryBackoffBase default base delay of the failed-pass backoff
const DefaultRetryBackoffBase = time.Second

// ConnectivityChecker view into device connectivity. A pass is pointless
// while offline, so the scheduler asks before each run.
type ConnectivityChecker interface {
	/*
		IsOnline whether the device currently has network connectivity

			@param ctx context.Context - execution context
			@return whether the device is online
	*/
	IsOnline(ctx context.Context) bool
}

// SchedulerParams sync scheduler parameters
type SchedulerParams struct {
	// Engine the sync engine driven by this scheduler
	Engine engine.SyncEngine `validate:"required"`
	// Persistence local persistence client, for the startup queue sweep
	Persistence db.Client `validate:"required"`
	// Connectivity optional connectivity source. Nil assumes always online.
	Connectivity ConnectivityChecker
	// Notifier optional sink for the permanent failure signal
	Notifier engine.Notifier
	// SyncInterval period between unprompted passes. Zero selects
	// DefaultSyncInterval.
	SyncInterval time.Duration `validate:"gte=0"`
	// MaxConsecutiveFailures consecutive failed passes before a permanent
	// failure is reported. Zero selects DefaultMaxConsecutiveFailures.
	MaxConsecutiveFailures int `validate:"gte=0"`
	// RetryBackoffBase base delay of the failed-pass backoff. Zero selects
	// DefaultRetryBackoffBase.
	RetryBackoffBase time.Duration `validate:"gte=0"`
}

// SyncScheduler drives the sync engine. Exactly one pass runs at a time; a
// request arriving mid-pass replaces any request still waiting its turn.
type SyncScheduler interface {
	/*
		Start launch the scheduler worker.

		Before the worker starts, operations stranded IN_PROGRESS by an abrupt
		termination of the previous process are returned to PENDING.

			@param ctx context.Context - context governing the worker lifetime
	*/
	Start(ctx context.Context) error

	/*
		RequestSync ask for a sync pass as soon as possible. Never blocks; at
		most one request waits while a pass runs, and a newer request absorbs
		the waiting one.

			@param forceFull bool - refetch the remote snapshot even if recent
	*/
	RequestSync(forceFull bool)

	/*
		Stop halt the scheduler worker and wait for any running pass to finish
	*/
	Stop()
}

// syncSchedulerImpl implements SyncScheduler
type syncSchedulerImpl struct {
	goutils.Component
	engine                 engine.SyncEngine
	persistence            db.Client
	connectivity           ConnectivityChecker
	notifier               engine.Notifier
	syncInterval           time.Duration
	maxConsecutiveFailures int
	retryBackoffBase       time.Duration

	requests chan bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// noopNotifier discards all signals
type noopNotifier struct{}

func (noopNotifier) NotifySyncSuccess(_ context.Context, _ int)    {}
func (noopNotifier) NotifySyncFailure(_ context.Context, _ string) {}

// alwaysOnline connectivity source assuming a permanent connection
type alwaysOnline struct{}

func (alwaysOnline) IsOnline(_ context.Context) bool { return true }

/*
NewSyncScheduler define a new sync scheduler

	@param params SchedulerParams - scheduler parameters
	@return new scheduler
*/
func NewSyncScheduler(params SchedulerParams) (SyncScheduler, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, fmt.Errorf("sync scheduler parameters are not valid [%w]", err)
	}

	logTags := log.Fields{
		"package": "journalsync", "module": "trigger", "component": "sync-scheduler",
	}

	if params.SyncInterval == 0 {
		params.SyncInterval = DefaultSyncInterval
	}
	if params.MaxConsecutiveFailures == 0 {
		params.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if params.RetryBackoffBase == 0 {
		params.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if params.Connectivity == nil {
		params.Connectivity = alwaysOnline{}
	}
	if params.Notifier == nil {
		params.Notifier = noopNotifier{}
	}

	instance := &syncSchedulerImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		engine:                 params.Engine,
		persistence:            params.Persistence,
		connectivity:           params.Connectivity,
		notifier:               params.Notifier,
		syncInterval:           params.SyncInterval,
		maxConsecutiveFailures: params.MaxConsecutiveFailures,
		retryBackoffBase:       params.RetryBackoffBase,
		requests:               make(chan bool, 1),
		stop:                   make(chan struct{}),
	}

	return instance, nil
}

/*
Start launch the scheduler worker

	@param ctx context.Context - context governing the worker lifetime
*/
func (s *syncSchedulerImpl) Start(ctx context.Context) error {
	logTags := s.GetLogTagsForContext(ctx)

	// Sweep operations stranded by an abrupt termination of the previous
	// process. An operation can only be IN_PROGRESS while a pass is running.
	if err := s.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			reset, err := dbClient.NormalizeStaleOperations(ctx)
			if err != nil {
				return err
			}
			if reset > 0 {
				log.WithFields(logTags).WithField("reset", reset).
					Warn("Returned stranded operations to PENDING")
			}
			return nil
		},
	); err != nil {
		return fmt.Errorf("failed to sweep stranded queue operations [%w]", err)
	}

	s.wg.Add(1)
	go s.worker(ctx)

	log.WithFields(logTags).Info("Sync scheduler started")
	return nil
}

/*
RequestSync ask for a sync pass as soon as possible

	@param forceFull bool - refetch the remote snapshot even if recent
*/
func (s *syncSchedulerImpl) RequestSync(forceFull bool) {
	for {
		select {
		case s.requests <- forceFull:
			return
		default:
		}
		// The slot is taken by a request not yet started. Absorb it so the
		// newest request wins without growing a backlog.
		select {
		case waiting := <-s.requests:
			forceFull = forceFull || waiting
		default:
		}
	}
}

// Stop halt the scheduler worker and wait for any running pass to finish
func (s *syncSchedulerImpl) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// worker the single goroutine allowed to run sync passes
func (s *syncSchedulerImpl) worker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	var retry <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case forceFull := <-s.requests:
			retry = s.runPass(ctx, forceFull, &consecutiveFailures)
		case <-ticker.C:
			retry = s.runPass(ctx, false, &consecutiveFailures)
		case <-retry:
			retry = s.runPass(ctx, false, &consecutiveFailures)
		}
	}
}

// retryDelay exponential backoff after consecutive failed passes, capped at
// one minute
func (s *syncSchedulerImpl) retryDelay(consecutiveFailures int) time.Duration {
	shift := consecutiveFailures
	if shift > 6 {
		shift = 6
	}
	delay := s.retryBackoffBase << shift
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

// runPass execute one pass and classify the outcome. Returns a timer channel
// when the pass should be retried after a backoff.
func (s *syncSchedulerImpl) runPass(
	ctx context.Context, forceFull bool, consecutiveFailures *int,
) <-chan time.Time {
	logTags := s.GetLogTagsForContext(ctx)

	if !s.connectivity.IsOnline(ctx) {
		log.WithFields(logTags).Debug("Sync pass skipped. Device offline")
		return nil
	}

	result := s.engine.RunSync(ctx, forceFull)
	if result.Outcome != engine.OutcomeRetryLater {
		*consecutiveFailures = 0
		return nil
	}

	*consecutiveFailures++
	if *consecutiveFailures >= s.maxConsecutiveFailures {
		log.WithFields(logTags).
			WithField("outcome", engine.OutcomePermanentFailure).
			WithField("consecutive-failures", *consecutiveFailures).
			Error("Sync passes keep failing")
		s.notifier.NotifySyncFailure(
			ctx, fmt.Sprintf(
				"synchronization failed %d times in a row, giving up until the next request",
				*consecutiveFailures,
			),
		)
		*consecutiveFailures = 0
		return nil
	}

	delay := s.retryDelay(*consecutiveFailures)
	log.WithFields(logTags).
		WithField("consecutive-failures", *consecutiveFailures).
		WithField("retry-in", delay.String()).
		Info("Sync pass failed. Retry scheduled")
	return time.After(delay)
}
