// Package subscription tracks each subscriber's dotted-path key interest set
// and computes the partial state delta that should be broadcast to it after
// a state commit.
package subscription

import (
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Wildcard is the distinguished pattern meaning "all keys".
const Wildcard = "*"

// Manager is a per-subscriber key-set registry. It is safe for concurrent
// use; the kernel run-loop is the only intended caller but the manager does
// not assume single-threaded access since cleanup can race transport
// teardown.
type Manager struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

// New constructs an empty subscription manager.
func New() *Manager {
	return &Manager{sets: make(map[string]map[string]struct{})}
}

// Subscribe merges keys into subscriberID's set. An empty or missing key
// list, or a list containing Wildcard, collapses the set to {Wildcard}.
func (m *Manager) Subscribe(subscriberID string, keys []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.sets[subscriberID]
	if set == nil {
		set = make(map[string]struct{})
		m.sets[subscriberID] = set
	}

	//1.- A wildcard request (explicit or via an empty list) subsumes everything else.
	if containsWildcard(keys) {
		for k := range set {
			delete(set, k)
		}
		set[Wildcard] = struct{}{}
		return orderedKeys(set)
	}

	//2.- Once wildcarded, specific subscribe calls are redundant no-ops.
	if _, wild := set[Wildcard]; wild {
		return orderedKeys(set)
	}

	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		set[k] = struct{}{}
	}
	return orderedKeys(set)
}

// Unsubscribe removes keys from subscriberID's set. An empty/missing list,
// or a list containing Wildcard, clears the entire set. Otherwise only the
// named specific keys are removed; Wildcard is left untouched — clearing it
// requires an unqualified Unsubscribe call.
func (m *Manager) Unsubscribe(subscriberID string, keys []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.sets[subscriberID]
	if set == nil {
		return nil
	}

	if containsWildcard(keys) || len(keys) == 0 {
		for k := range set {
			delete(set, k)
		}
		return nil
	}

	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || k == Wildcard {
			continue
		}
		delete(set, k)
	}
	return orderedKeys(set)
}

// CurrentKeys reports the ordered key list currently held by subscriberID.
func (m *Manager) CurrentKeys(subscriberID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return orderedKeys(m.sets[subscriberID])
}

// Forget drops all subscription state for subscriberID, used on subscriber death.
func (m *Manager) Forget(subscriberID string) {
	m.mu.Lock()
	delete(m.sets, subscriberID)
	m.mu.Unlock()
}

// HasWildcard reports whether subscriberID currently holds the wildcard subscription.
func (m *Manager) HasWildcard(subscriberID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[subscriberID][Wildcard]
	return ok
}

// CanRead reports whether subscriberID may read key without BypassAccessControl:
// it must hold the wildcard, an exact match, or an ancestor prefix of key.
// A subscriber with no subscription at all is granted the initialization-phase
// exception and may read anything.
func (m *Manager) CanRead(subscriberID string, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[subscriberID]
	if len(set) == 0 {
		return true
	}
	if _, ok := set[Wildcard]; ok {
		return true
	}
	for pattern := range set {
		if isAncestorOrEqual(pattern, key) {
			return true
		}
	}
	return false
}

// Notify computes, for every tracked subscriber, the partial delta between
// prevState and newState that should be broadcast. Subscribers whose
// computed delta is empty are omitted from the result.
func Notify(sets map[string][]string, prevState, newState map[string]any) map[string]map[string]any {
	results := make(map[string]map[string]any, len(sets))
	for subscriberID, keys := range sets {
		partial := computePartial(keys, prevState, newState)
		if len(partial) > 0 {
			results[subscriberID] = partial
		}
	}
	return results
}

// BuildPartial extracts a projection of state restricted to keys, used by
// get_state to filter a full snapshot down to a subscriber's current
// subscription rather than diffing two states.
func BuildPartial(keys []string, state map[string]any) map[string]any {
	if containsWildcard(keys) {
		return state
	}
	partial := make(map[string]any)
	for _, key := range keys {
		if val, ok := lookup(state, key); ok {
			assign(partial, key, val)
		}
	}
	return partial
}

// Snapshot returns a stable copy of every subscriber's key set, suitable for
// feeding into Notify without holding the manager's lock during diffing.
func (m *Manager) Snapshot() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.sets))
	for subscriberID, set := range m.sets {
		out[subscriberID] = orderedKeys(set)
	}
	return out
}

func computePartial(keys []string, prevState, newState map[string]any) map[string]any {
	if len(keys) == 0 {
		return nil
	}
	if keys[0] == Wildcard {
		//1.- Under the wildcard the full new tree is the delta set (see design notes).
		if equalValue(prevState, newState) {
			return nil
		}
		return newState
	}
	partial := make(map[string]any)
	for _, key := range keys {
		prevVal, prevOK := lookup(prevState, key)
		newVal, newOK := lookup(newState, key)
		if !prevOK && !newOK {
			continue
		}
		if equalValue(prevVal, newVal) {
			continue
		}
		assign(partial, key, newVal)
	}
	return partial
}

// lookup resolves a dotted path against a nested map[string]any tree.
func lookup(state map[string]any, path string) (any, bool) {
	if state == nil {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var cur any = state
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// assign writes value at the dotted path into dst, creating intermediate maps.
func assign(dst map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	cur := dst
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
}

// isAncestorOrEqual reports whether pattern is key or a dotted-path ancestor of key.
func isAncestorOrEqual(pattern, key string) bool {
	if pattern == key {
		return true
	}
	return strings.HasPrefix(key, pattern+".")
}

func containsWildcard(keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	for _, k := range keys {
		if strings.TrimSpace(k) == Wildcard {
			return true
		}
	}
	return false
}

func orderedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func equalValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
