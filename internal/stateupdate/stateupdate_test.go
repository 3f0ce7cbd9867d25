package stateupdate

import (
	"testing"
	"time"
)

func TestAcknowledgeSettlesOnAllSubscribers(t *testing.T) {
	tr := New(nil)
	tr.TrackUpdate("thunk-1", "u1", []string{"a", "b"})

	if tr.Acknowledge("u1", "a") {
		t.Fatalf("expected not yet settled after one of two acks")
	}
	if !tr.HasPendingUpdates("thunk-1") {
		t.Fatalf("expected pending update before both acks arrive")
	}
	if !tr.Acknowledge("u1", "b") {
		t.Fatalf("expected settlement after final ack")
	}
	if tr.HasPendingUpdates("thunk-1") {
		t.Fatalf("expected no pending updates after settlement")
	}
}

func TestAcknowledgeIgnoresNonSubscriber(t *testing.T) {
	tr := New(nil)
	tr.TrackUpdate("thunk-1", "u1", []string{"a"})

	if tr.Acknowledge("u1", "stranger") {
		t.Fatalf("expected ack from non-subscriber to be ignored")
	}
	if !tr.HasPendingUpdates("thunk-1") {
		t.Fatalf("expected update to remain pending")
	}
}

func TestDuplicateAckIsIdempotent(t *testing.T) {
	tr := New(nil)
	tr.TrackUpdate("thunk-1", "u1", []string{"a"})

	if !tr.Acknowledge("u1", "a") {
		t.Fatalf("expected settlement on first ack")
	}
	if tr.Acknowledge("u1", "a") {
		t.Fatalf("expected duplicate ack to report already settled, not re-trigger")
	}
}

func TestCleanupDeadSubscriberSettlesRemainingUpdate(t *testing.T) {
	tr := New(nil)
	tr.TrackUpdate("thunk-1", "u1", []string{"a", "b"})
	tr.Acknowledge("u1", "a")

	tr.CleanupDeadSubscriber("b")
	if tr.HasPendingUpdates("thunk-1") {
		t.Fatalf("expected update settled after dead subscriber cleanup")
	}
}

func TestCleanupExpiredReapsStaleUpdates(t *testing.T) {
	current := time.Unix(0, 0)
	tr := New(func() time.Time { return current })
	tr.TrackUpdate("thunk-1", "u1", []string{"a"})

	current = current.Add(time.Minute)
	expired := tr.CleanupExpired(30 * time.Second)
	if len(expired) != 1 || expired[0] != "u1" {
		t.Fatalf("expected u1 to expire, got %#v", expired)
	}
	if tr.HasPendingUpdates("thunk-1") {
		t.Fatalf("expected expired update removed from pending set")
	}
}
