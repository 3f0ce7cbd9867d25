package subscription

import "testing"

func TestSubscribeWildcardSubsumesSpecificKeys(t *testing.T) {
	m := New()
	m.Subscribe("a", []string{"counter"})
	m.Subscribe("a", []string{Wildcard})

	keys := m.CurrentKeys("a")
	if len(keys) != 1 || keys[0] != Wildcard {
		t.Fatalf("expected wildcard-only set, got %#v", keys)
	}
}

func TestUnsubscribeSpecificKeyUnderWildcardIsNoOp(t *testing.T) {
	m := New()
	m.Subscribe("a", []string{Wildcard})
	m.Unsubscribe("a", []string{"counter"})

	keys := m.CurrentKeys("a")
	if len(keys) != 1 || keys[0] != Wildcard {
		t.Fatalf("expected wildcard to survive specific unsubscribe, got %#v", keys)
	}
}

func TestUnsubscribeWildcardClearsSet(t *testing.T) {
	m := New()
	m.Subscribe("a", []string{Wildcard})
	m.Unsubscribe("a", nil)

	if keys := m.CurrentKeys("a"); len(keys) != 0 {
		t.Fatalf("expected empty set, got %#v", keys)
	}
}

func TestNotifyMinimalityAndSubtreePrefix(t *testing.T) {
	sets := map[string][]string{"a": {"user"}}
	prev := map[string]any{"user": map[string]any{"profile": map[string]any{"name": "alice"}}}
	next := map[string]any{"user": map[string]any{"profile": map[string]any{"name": "bob"}}}

	deltas := Notify(sets, prev, next)
	delta, ok := deltas["a"]
	if !ok {
		t.Fatalf("expected subscriber a to be notified")
	}
	if _, ok := delta["user"]; !ok {
		t.Fatalf("expected subtree rooted at user in delta, got %#v", delta)
	}
}

func TestNotifySuppressedWhenUnrelatedKeyChanges(t *testing.T) {
	sets := map[string][]string{"a": {"counter"}}
	prev := map[string]any{"counter": 0, "theme": "light"}
	next := map[string]any{"counter": 0, "theme": "dark"}

	deltas := Notify(sets, prev, next)
	if _, ok := deltas["a"]; ok {
		t.Fatalf("expected no notification for unrelated key change")
	}
}

func TestCanReadRespectsAncestorSubscription(t *testing.T) {
	m := New()
	m.Subscribe("a", []string{"user"})

	if !m.CanRead("a", "user.profile.name") {
		t.Fatalf("expected descendant read to be allowed")
	}
	if m.CanRead("a", "theme") {
		t.Fatalf("expected unrelated key to be denied")
	}
}

func TestCanReadAllowsEverythingBeforeFirstSubscription(t *testing.T) {
	m := New()
	if !m.CanRead("new-subscriber", "anything") {
		t.Fatalf("expected initialization-phase exception to allow reads")
	}
}
