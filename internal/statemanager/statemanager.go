// Package statemanager defines the StateManager adapter contract the kernel
// consumes, plus an in-memory reference implementation used by tests and the
// reference host process.
package statemanager

import "zubridge/host/internal/action"

// Result is the outcome of processing an action. IsSync distinguishes a
// completed synchronous result from an asynchronous one whose completion
// arrives later on Completion.
type Result struct {
	IsSync     bool
	Err        error
	Completion <-chan error
}

// Listener is invoked after every committed change with the new snapshot.
// Listeners observe commits in commit order.
type Listener func(prev, next map[string]any)

// Unsubscribe detaches a previously registered listener.
type Unsubscribe func()

// StateManager is the adapter contract the kernel consumes: read state,
// subscribe to changes, apply an action synchronously or asynchronously.
type StateManager interface {
	GetState() map[string]any
	Subscribe(listener Listener) Unsubscribe
	ProcessAction(a action.Action) Result
}
