// Package thunk implements the thunk forest, its lifecycle state machine,
// and the global two-state lock that gates foreign action execution while a
// root thunk is tenant.
package thunk

import (
	"time"

	"zubridge/host/internal/zerr"
)

// State is a thunk's lifecycle stage. Terminal states are sticky.
type State string

const (
	StatePending   State = "PENDING"
	StateExecuting State = "EXECUTING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Thunk is a node in the host's thunk forest.
type Thunk struct {
	ID                 string
	ParentID           string
	SourceSubscriberID string
	State              State
	ChildIDs           []string
	PendingChildIDs    map[string]struct{}
	ActionIDs          []string
	BypassThunkLock    bool
	StartTime          time.Time
	EndTime            time.Time
	Result             any
	Err                error
}

// Summary is the piggy-backed, ack-carried view of a thunk's identity.
type Summary struct {
	ID            string `json:"id"`
	SubscriberID  string `json:"subscriberId"`
	ParentID      string `json:"parentId,omitempty"`
}

// TreeState is the response to get_thunk_state: a monotonic version plus the
// currently active thunk summaries.
type TreeState struct {
	Version uint64    `json:"version"`
	Thunks  []Summary `json:"thunks"`
}

// Tracker owns the thunk forest and all subscriber/parent indices. It is not
// safe for concurrent use — callers (the kernel run-loop) serialize access.
type Tracker struct {
	thunks       map[string]*Thunk
	bySubscriber map[string]map[string]struct{}
	version      uint64
	pendingAcks  func(thunkID string) bool
}

// NewTracker constructs an empty thunk tracker. pendingAcks reports whether
// the StateUpdateTracker still has unsettled updates for a thunk; it is
// injected rather than imported directly to avoid a cyclic package
// dependency between thunk and stateupdate.
func NewTracker(pendingAcks func(thunkID string) bool) *Tracker {
	if pendingAcks == nil {
		pendingAcks = func(string) bool { return false }
	}
	return &Tracker{
		thunks:       make(map[string]*Thunk),
		bySubscriber: make(map[string]map[string]struct{}),
		pendingAcks:  pendingAcks,
	}
}

// Register creates a new pending thunk with the caller-supplied, non-empty id
// under parentID (empty for a root thunk).
func (t *Tracker) Register(id, parentID, subscriberID string, bypassThunkLock bool) (*Thunk, error) {
	if id == "" {
		return nil, zerr.Protocol("thunk id must not be empty")
	}
	if _, exists := t.thunks[id]; exists {
		return nil, zerr.ThunkRegistration("thunk id already registered: " + id)
	}
	if parentID != "" {
		parent, ok := t.thunks[parentID]
		if !ok {
			return nil, zerr.ThunkRegistration("unknown parent thunk: " + parentID)
		}
		if parent.State.Terminal() {
			return nil, zerr.ThunkRegistration("parent thunk already terminal: " + parentID)
		}
	}

	th := &Thunk{
		ID:                 id,
		ParentID:           parentID,
		SourceSubscriberID: subscriberID,
		State:              StatePending,
		PendingChildIDs:    make(map[string]struct{}),
		BypassThunkLock:    bypassThunkLock,
		StartTime:          time.Now(),
	}
	t.thunks[id] = th
	t.bump()

	if parentID != "" {
		parent := t.thunks[parentID]
		parent.ChildIDs = append(parent.ChildIDs, id)
		parent.PendingChildIDs[id] = struct{}{}
	}
	if subscriberID != "" {
		set := t.bySubscriber[subscriberID]
		if set == nil {
			set = make(map[string]struct{})
			t.bySubscriber[subscriberID] = set
		}
		set[id] = struct{}{}
	}
	return th, nil
}

// Get looks up a thunk by id.
func (t *Tracker) Get(id string) (*Thunk, bool) {
	th, ok := t.thunks[id]
	return th, ok
}

// MarkExecuting transitions a PENDING thunk to EXECUTING.
func (t *Tracker) MarkExecuting(id string) error {
	th, ok := t.thunks[id]
	if !ok {
		return zerr.ThunkRegistration("unknown thunk: " + id)
	}
	if th.State.Terminal() {
		return zerr.ThunkRegistration("thunk already terminal: " + id)
	}
	th.State = StateExecuting
	t.bump()
	return nil
}

// MarkCompleted transitions a thunk to COMPLETED, recording an optional result.
func (t *Tracker) MarkCompleted(id string, result any) error {
	return t.terminate(id, StateCompleted, result, nil)
}

// MarkFailed transitions a thunk to FAILED, recording the triggering error.
func (t *Tracker) MarkFailed(id string, err error) error {
	return t.terminate(id, StateFailed, nil, err)
}

func (t *Tracker) terminate(id string, state State, result any, err error) error {
	th, ok := t.thunks[id]
	if !ok {
		return zerr.ThunkRegistration("unknown thunk: " + id)
	}
	if th.State.Terminal() {
		//1.- Terminal states are sticky; repeated terminations are ignored, not errors.
		return nil
	}
	th.State = state
	th.Result = result
	th.Err = err
	th.EndTime = time.Now()
	t.bump()

	if th.ParentID != "" {
		t.childCompletedLocked(th.ParentID, id)
	}
	return nil
}

// AddChildThunk records childID as a pending child of id (used when the
// child is registered via a separate call than Register's implicit linkage).
func (t *Tracker) AddChildThunk(id, childID string) error {
	th, ok := t.thunks[id]
	if !ok {
		return zerr.ThunkRegistration("unknown thunk: " + id)
	}
	for _, existing := range th.ChildIDs {
		if existing == childID {
			return nil
		}
	}
	th.ChildIDs = append(th.ChildIDs, childID)
	th.PendingChildIDs[childID] = struct{}{}
	return nil
}

// ChildCompleted removes childID from id's pending-children set.
func (t *Tracker) ChildCompleted(id, childID string) error {
	if _, ok := t.thunks[id]; !ok {
		return zerr.ThunkRegistration("unknown thunk: " + id)
	}
	t.childCompletedLocked(id, childID)
	return nil
}

func (t *Tracker) childCompletedLocked(id, childID string) {
	th, ok := t.thunks[id]
	if !ok {
		return
	}
	delete(th.PendingChildIDs, childID)
}

// AddAction records actionID as belonging to thunk id.
func (t *Tracker) AddAction(id, actionID string) error {
	th, ok := t.thunks[id]
	if !ok {
		return zerr.ThunkRegistration("unknown thunk: " + id)
	}
	th.ActionIDs = append(th.ActionIDs, actionID)
	return nil
}

// SetSourceSubscriber reassigns the owning subscriber for a thunk.
func (t *Tracker) SetSourceSubscriber(id, subscriberID string) error {
	th, ok := t.thunks[id]
	if !ok {
		return zerr.ThunkRegistration("unknown thunk: " + id)
	}
	if old := th.SourceSubscriberID; old != "" {
		delete(t.bySubscriber[old], id)
	}
	th.SourceSubscriberID = subscriberID
	if subscriberID != "" {
		set := t.bySubscriber[subscriberID]
		if set == nil {
			set = make(map[string]struct{})
			t.bySubscriber[subscriberID] = set
		}
		set[id] = struct{}{}
	}
	return nil
}

// HasActiveThunks reports whether any thunk is non-terminal.
func (t *Tracker) HasActiveThunks() bool {
	for _, th := range t.thunks {
		if !th.State.Terminal() {
			return true
		}
	}
	return false
}

// HasActiveThunksForSubscriber reports whether subscriberID owns any non-terminal thunk.
func (t *Tracker) HasActiveThunksForSubscriber(subscriberID string) bool {
	for id := range t.bySubscriber[subscriberID] {
		if th, ok := t.thunks[id]; ok && !th.State.Terminal() {
			return true
		}
	}
	return false
}

// HasPendingChildren reports whether id still has unterminated children.
func (t *Tracker) HasPendingChildren(id string) bool {
	th, ok := t.thunks[id]
	if !ok {
		return false
	}
	return len(th.PendingChildIDs) > 0
}

// IsFullyComplete reports whether id is eligible for cleanup and lock
// release: terminal, with no pending children and no pending state-update acks.
func (t *Tracker) IsFullyComplete(id string) bool {
	th, ok := t.thunks[id]
	if !ok {
		return true
	}
	if !th.State.Terminal() {
		return false
	}
	if len(th.PendingChildIDs) > 0 {
		return false
	}
	return !t.pendingAcks(id)
}

// GetAllActionsForThunk returns the transitive union of action ids belonging
// to id and all of its descendants.
func (t *Tracker) GetAllActionsForThunk(id string) []string {
	th, ok := t.thunks[id]
	if !ok {
		return nil
	}
	actions := append([]string(nil), th.ActionIDs...)
	for _, childID := range th.ChildIDs {
		actions = append(actions, t.GetAllActionsForThunk(childID)...)
	}
	return actions
}

// Erase permanently removes a fully-complete thunk from tracking.
func (t *Tracker) Erase(id string) {
	th, ok := t.thunks[id]
	if !ok {
		return
	}
	if th.SourceSubscriberID != "" {
		delete(t.bySubscriber[th.SourceSubscriberID], id)
	}
	delete(t.thunks, id)
}

// StateVersion returns the current monotonic version counter.
func (t *Tracker) StateVersion() uint64 {
	return t.version
}

// ActiveThunksSummary returns the version and summaries of every non-terminal thunk.
func (t *Tracker) ActiveThunksSummary() TreeState {
	summaries := make([]Summary, 0)
	for _, th := range t.thunks {
		if th.State.Terminal() {
			continue
		}
		summaries = append(summaries, Summary{ID: th.ID, SubscriberID: th.SourceSubscriberID, ParentID: th.ParentID})
	}
	return TreeState{Version: t.version, Thunks: summaries}
}

func (t *Tracker) bump() {
	t.version++
}
