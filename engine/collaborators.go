package engine

import "context"

// SessionChecker view into the externally managed user session
type SessionChecker interface {
	/*
		IsAuthenticated whether a valid session exists

			@param ctx context.Context - execution context
			@return whether the user is authenticated
	*/
	IsAuthenticated(ctx context.Context) bool
}

// Notifier sink for user-visible sync signals. Presentation lives outside
// this module.
type Notifier interface {
	/*
		NotifySyncSuccess request a user-visible signal that operations synced

			@param ctx context.Context - execution context
			@param synced int - number of operations completed
	*/
	NotifySyncSuccess(ctx context.Context, synced int)

	/*
		NotifySyncFailure request a retry-suggesting failure signal

			@param ctx context.Context - execution context
			@param message string - failure description
	*/
	NotifySyncFailure(ctx context.Context, message string)
}

// noopNotifier discards all signals
type noopNotifier struct{}

func (noopNotifier) NotifySyncSuccess(_ context.Context, _ int)    {}
func (noopNotifier) NotifySyncFailure(_ context.Context, _ string) {}
