package thunk

import "testing"

func TestRegisterAndMarkLifecycle(t *testing.T) {
	tr := NewTracker(nil)

	th, err := tr.Register("t1", "", "sub-a", false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if th.State != StatePending {
		t.Fatalf("expected PENDING, got %s", th.State)
	}

	if err := tr.MarkExecuting("t1"); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if !tr.HasActiveThunks() {
		t.Fatalf("expected active thunk")
	}

	if err := tr.MarkCompleted("t1", "ok"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, _ := tr.Get("t1")
	if got.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.State)
	}

	// Terminal states are sticky: a second terminal transition is a no-op, not an error.
	if err := tr.MarkFailed("t1", nil); err != nil {
		t.Fatalf("expected sticky terminal to ignore re-termination, got %v", err)
	}
	if got.State != StateCompleted {
		t.Fatalf("expected state to remain COMPLETED after re-termination attempt")
	}
}

func TestParentChildPendingGating(t *testing.T) {
	tr := NewTracker(nil)
	parent, _ := tr.Register("root", "", "sub-a", false)
	_, _ = tr.Register("child", "root", "sub-a", false)

	if !tr.HasPendingChildren(parent.ID) {
		t.Fatalf("expected pending children before child terminates")
	}
	if err := tr.MarkCompleted("child", nil); err != nil {
		t.Fatalf("MarkCompleted child: %v", err)
	}
	if tr.HasPendingChildren(parent.ID) {
		t.Fatalf("expected no pending children after child completed")
	}
}

func TestIsFullyCompleteGatesOnPendingAcks(t *testing.T) {
	pending := true
	tr := NewTracker(func(string) bool { return pending })
	tr.Register("t1", "", "sub-a", false)
	tr.MarkCompleted("t1", nil)

	if tr.IsFullyComplete("t1") {
		t.Fatalf("expected not fully complete while acks pending")
	}
	pending = false
	if !tr.IsFullyComplete("t1") {
		t.Fatalf("expected fully complete once acks settle")
	}
}

func TestLockExclusivity(t *testing.T) {
	l := NewLockManager()
	if !l.TryAcquire("t1", "sub-a") {
		t.Fatalf("expected first acquire to succeed")
	}
	if l.TryAcquire("t2", "sub-b") {
		t.Fatalf("expected second acquire to fail while locked")
	}
	if l.Release("t2") {
		t.Fatalf("expected release by non-holder to fail")
	}
	if !l.Release("t1") {
		t.Fatalf("expected release by holder to succeed")
	}
	if l.State() != LockIdle {
		t.Fatalf("expected IDLE after release")
	}
}

func TestCanProcessActionRespectsBypassAndHolder(t *testing.T) {
	l := NewLockManager()
	l.TryAcquire("root", "sub-a")

	if !l.CanProcessAction("root", false) {
		t.Fatalf("expected holder's own child action to be allowed")
	}
	if l.CanProcessAction("other", false) {
		t.Fatalf("expected foreign action to be denied while locked")
	}
	if !l.CanProcessAction("other", true) {
		t.Fatalf("expected bypass action to be allowed while locked")
	}
}

func TestLockEventsFireOnAcquireAndRelease(t *testing.T) {
	l := NewLockManager()
	var events []LockEvent
	l.OnEvent(func(ev LockEvent) { events = append(events, ev) })

	l.TryAcquire("t1", "sub-a")
	l.Release("t1")

	if len(events) != 2 || !events[0].Acquired || events[1].Acquired {
		t.Fatalf("unexpected event sequence: %#v", events)
	}
}
