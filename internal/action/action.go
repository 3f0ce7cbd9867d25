// Package action defines the Action record dispatched from subscribers to
// the host and the wire schema used to encode it.
package action

import "github.com/google/uuid"

// Action is an opaque domain action carrying ambient kernel metadata. Type
// and Payload are caller-defined; the remaining fields are stamped by the
// host kernel on receipt.
type Action struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`

	// ID uniquely identifies the action. Immutable once assigned; NewID
	// generates one when the caller submits an action without one.
	ID string `json:"__id"`

	// SourceSubscriberID is stamped by the host, never trusted from the wire.
	SourceSubscriberID string `json:"__sourceSubscriberId,omitempty"`

	// ThunkParentID binds this action to a thunk's tenancy of the lock.
	ThunkParentID string `json:"__thunkParentId,omitempty"`

	// BypassThunkLock permits the action to run even while the lock is held
	// by a foreign thunk.
	BypassThunkLock bool `json:"__bypassThunkLock,omitempty"`

	// BypassAccessControl permits reading keys the subscriber has not
	// subscribed to.
	BypassAccessControl bool `json:"__bypassAccessControl,omitempty"`
}

// NewID generates a fresh action identifier.
func NewID() string {
	return uuid.NewString()
}

// EnsureID assigns a generated ID if a is missing one, returning the
// (possibly unchanged) action.
func EnsureID(a Action) Action {
	if a.ID == "" {
		a.ID = NewID()
	}
	return a
}

// Priority classifies an action for the scheduler's priority rubric.
type Priority int

const (
	// PrioritySystemBypass is a system/thunk action carrying BypassThunkLock.
	PrioritySystemBypass Priority = 100
	// PriorityBypass is a non-thunk action carrying BypassThunkLock.
	PriorityBypass Priority = 80
	// PriorityHolderChild is an action whose ThunkParentID is the current holder thunk.
	PriorityHolderChild Priority = 70
	// PriorityOtherThunkChild is any other thunk-child action.
	PriorityOtherThunkChild Priority = 50
	// PriorityRegular is a plain, non-thunk action.
	PriorityRegular Priority = 0
)

// Classify computes the scheduler priority for a given action, given whether
// it is thunk-rooted (the kernel passes true when the action's ThunkParentID
// is the current lock holder thunk) and the current lock holder thunk id, if
// any.
func Classify(a Action, isThunkRooted bool, holderThunkID string, holderHeld bool) Priority {
	switch {
	case a.BypassThunkLock && isThunkRooted:
		return PrioritySystemBypass
	case a.BypassThunkLock:
		return PriorityBypass
	case holderHeld && a.ThunkParentID != "" && a.ThunkParentID == holderThunkID:
		return PriorityHolderChild
	case a.ThunkParentID != "":
		return PriorityOtherThunkChild
	default:
		return PriorityRegular
	}
}
