// Package stateupdate tracks which subscribers must acknowledge which
// broadcast state-update ids, gating thunk completion and lock release until
// every subscribed renderer has settled.
package stateupdate

import "time"

// Pending describes an outstanding broadcast awaiting acknowledgment.
type Pending struct {
	UpdateID     string
	ThunkID      string
	Subscribed   map[string]struct{}
	Acknowledged map[string]struct{}
	Timestamp    time.Time
}

func (p *Pending) settled() bool {
	return len(p.Acknowledged) >= len(p.Subscribed)
}

// Tracker owns all pending state updates. Not safe for concurrent use; the
// kernel run-loop serializes access.
type Tracker struct {
	pending map[string]*Pending
	now     func() time.Time
}

// New constructs an empty tracker using the supplied clock (time.Now if nil).
func New(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{pending: make(map[string]*Pending), now: clock}
}

// TrackUpdate registers a new broadcast awaiting acks from subscriberIDs.
func (t *Tracker) TrackUpdate(thunkID, updateID string, subscriberIDs []string) {
	subscribed := make(map[string]struct{}, len(subscriberIDs))
	for _, id := range subscriberIDs {
		subscribed[id] = struct{}{}
	}
	t.pending[updateID] = &Pending{
		UpdateID:     updateID,
		ThunkID:      thunkID,
		Subscribed:   subscribed,
		Acknowledged: make(map[string]struct{}),
		Timestamp:    t.now(),
	}
}

// Acknowledge records subscriberID's ack for updateID. Acks from a
// non-subscribed subscriber, or for an unknown/already-settled update, are
// ignored. Returns whether the update is now fully acknowledged.
func (t *Tracker) Acknowledge(updateID, subscriberID string) bool {
	p, ok := t.pending[updateID]
	if !ok {
		return false
	}
	if _, subscribed := p.Subscribed[subscriberID]; !subscribed {
		return false
	}
	//1.- Idempotent: a duplicate ack is a safe no-op, never double-releases anything.
	p.Acknowledged[subscriberID] = struct{}{}
	if p.settled() {
		delete(t.pending, updateID)
		return true
	}
	return false
}

// CleanupDeadSubscriber removes subscriberID from every pending update's
// subscribed set; any update that becomes fully acknowledged as a result
// settles immediately and is dropped.
func (t *Tracker) CleanupDeadSubscriber(subscriberID string) {
	for updateID, p := range t.pending {
		if _, ok := p.Subscribed[subscriberID]; !ok {
			continue
		}
		delete(p.Subscribed, subscriberID)
		delete(p.Acknowledged, subscriberID)
		if p.settled() {
			delete(t.pending, updateID)
		}
	}
}

// CleanupExpired settles (treats as acknowledged) any update older than maxAge.
func (t *Tracker) CleanupExpired(maxAge time.Duration) []string {
	var expired []string
	cutoff := t.now().Add(-maxAge)
	for updateID, p := range t.pending {
		if p.Timestamp.Before(cutoff) {
			expired = append(expired, updateID)
			delete(t.pending, updateID)
		}
	}
	return expired
}

// HasPendingUpdates reports whether any tracked update belongs to thunkID.
func (t *Tracker) HasPendingUpdates(thunkID string) bool {
	for _, p := range t.pending {
		if p.ThunkID == thunkID {
			return true
		}
	}
	return false
}
