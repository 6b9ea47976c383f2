package engine

// SyncOutcomeENUMType sync pass outcome ENUM value type
type SyncOutcomeENUMType string

const (
	// OutcomeSuccess the pass completed with nothing left to retry
	OutcomeSuccess SyncOutcomeENUMType = "SUCCESS"

	// OutcomeSkippedNotAuthenticated no session; the pass performed no network
	// I/O. Not a failure.
	OutcomeSkippedNotAuthenticated SyncOutcomeENUMType = "SKIPPED_NOT_AUTHENTICATED"

	// OutcomeRetryLater parts of the pass failed; the caller should reschedule
	// with backoff
	OutcomeRetryLater SyncOutcomeENUMType = "RETRY_LATER"

	// OutcomePermanentFailure repeated passes kept failing; reported by the
	// scheduler, never by the engine itself
	OutcomePermanentFailure SyncOutcomeENUMType = "PERMANENT_FAILURE"
)

// Result outcome of one sync pass
type Result struct {
	// Outcome pass classification
	Outcome SyncOutcomeENUMType
	// Synced operations completed against the server
	Synced int
	// Failed operations that failed during the pass
	Failed int
	// Merged remote records applied by the merge phase
	Merged int
	// Err the error behind a RETRY_LATER or PERMANENT_FAILURE outcome, if any
	Err error
}
