package statemanager

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"zubridge/host/internal/action"
	"zubridge/host/internal/zerr"
)

// Handler processes one action type against the current state, returning
// either an updated state tree or an error. A handler may optionally return
// immediately (sync) or hand back a channel for asynchronous completion via
// AsyncHandler.
type Handler func(state map[string]any, a action.Action) (map[string]any, error)

// AsyncHandler processes one action type asynchronously, delivering the
// updated state tree (or error) on the returned channel exactly once.
type AsyncHandler func(state map[string]any, a action.Action) <-chan AsyncResult

// AsyncResult is the outcome delivered by an AsyncHandler.
type AsyncResult struct {
	State map[string]any
	Err   error
}

// Reducer is a catch-all fallback invoked when no handler-map entry matches.
type Reducer func(state map[string]any, a action.Action) (map[string]any, error)

// StateMethodLookup resolves an action type to a method on the state value
// itself (resolution tier 4 of spec.md §4.1). Go has no built-in dynamic
// dispatch by string; callers may supply a lookup table to avoid reflection
// entirely, or rely on the package's reflect.MethodByName fallback if they
// leave this nil and register a Go struct via WithMethodTarget.
type StateMethodLookup func(actionType string) (Handler, bool)

// Memory is a dependency-free, in-process StateManager implementing the
// resolution order from spec.md §4.1: handler map, then reducer, then
// built-in shallow setState, then state-method dispatch.
type Memory struct {
	mu            sync.Mutex
	state         map[string]any
	handlers      map[string]Handler
	asyncHandlers map[string]AsyncHandler
	reducer       Reducer
	methodLookup  StateMethodLookup
	methodTarget  any
	listeners     map[int]Listener
	nextListener  int
}

// New constructs a Memory state manager seeded with initial state.
func New(initial map[string]any) *Memory {
	return &Memory{
		state:         cloneTree(initial),
		handlers:      make(map[string]Handler),
		asyncHandlers: make(map[string]AsyncHandler),
		listeners:     make(map[int]Listener),
	}
}

// RegisterHandler installs a synchronous handler for actionType
// (case-insensitive, dot-path match per spec.md §4.1 tier 1).
func (m *Memory) RegisterHandler(actionType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[normalizeType(actionType)] = h
}

// RegisterAsyncHandler installs an asynchronous handler for actionType.
func (m *Memory) RegisterAsyncHandler(actionType string, h AsyncHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asyncHandlers[normalizeType(actionType)] = h
}

// SetReducer installs the single catch-all reducer (tier 2).
func (m *Memory) SetReducer(r Reducer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reducer = r
}

// WithMethodTarget registers a Go value whose exported methods are matched
// by action type via reflection (tier 4, the sole reflective fallback in
// this repository — see DESIGN.md). A method must have the signature
// func(map[string]any, action.Action) (map[string]any, error).
func (m *Memory) WithMethodTarget(target any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methodTarget = target
}

// SetMethodLookup installs a non-reflective lookup table used in preference
// to the reflection fallback, when supplied.
func (m *Memory) SetMethodLookup(lookup StateMethodLookup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methodLookup = lookup
}

// GetState returns an immutable snapshot of the current state tree.
func (m *Memory) GetState() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTree(m.state)
}

// Subscribe registers a listener invoked after every committed change.
func (m *Memory) Subscribe(listener Listener) Unsubscribe {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = listener
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// ProcessAction resolves actionType against the tiered resolution order and
// applies it, serializing commits under a single-writer lock. Sync handlers
// run while that lock is held, so GetState waits for a running sync handler;
// the new tree is swapped in whole on commit.
func (m *Memory) ProcessAction(a action.Action) Result {
	m.mu.Lock()
	normalized := normalizeType(a.Type)

	if asyncHandler, ok := m.asyncHandlers[normalized]; ok {
		prev := m.state
		resultCh := asyncHandler(cloneTree(prev), a)
		m.mu.Unlock()

		completion := make(chan error, 1)
		go func() {
			res := <-resultCh
			if res.Err != nil {
				completion <- res.Err
				return
			}
			m.commit(prev, res.State)
			completion <- nil
		}()
		return Result{IsSync: false, Completion: completion}
	}

	next, err := m.applySyncLocked(a, normalized)
	prev := m.state
	if err != nil {
		m.mu.Unlock()
		return Result{IsSync: true, Err: err}
	}
	m.mu.Unlock()
	m.commit(prev, next)
	return Result{IsSync: true}
}

func (m *Memory) applySyncLocked(a action.Action, normalized string) (map[string]any, error) {
	//1.- Tier 1: case-insensitive, dot-path handler map lookup.
	if h, ok := m.handlers[normalized]; ok {
		return h(cloneTree(m.state), a)
	}

	//2.- Tier 2: single catch-all reducer.
	if m.reducer != nil {
		return m.reducer(cloneTree(m.state), a)
	}

	//3.- Tier 3: built-in shallow-merge setState, triggered by the
	// conventional "SET_STATE" / "setState" action type.
	if normalized == "set_state" || normalized == "setstate" {
		patch, ok := a.Payload.(map[string]any)
		if !ok {
			return nil, zerr.Protocol("setState payload must be an object")
		}
		next := cloneTree(m.state)
		for k, v := range patch {
			next[k] = v
		}
		return next, nil
	}

	//4.- Tier 4: a method on the state value itself, matched by action type.
	if handler, ok := m.resolveStateMethod(a.Type); ok {
		return handler(cloneTree(m.state), a)
	}

	return nil, zerr.Protocol(fmt.Sprintf("no handler, reducer, or state method resolves action type %q", a.Type))
}

func (m *Memory) resolveStateMethod(actionType string) (Handler, bool) {
	if m.methodLookup != nil {
		return m.methodLookup(actionType)
	}
	if m.methodTarget == nil {
		return nil, false
	}
	//1.- The sole reflective fallback in this repository: no Go equivalent of
	// a string-keyed method table exists without reflect.Value.MethodByName,
	// and the teacher has no dynamic-dispatch precedent to model instead.
	methodName := toExportedMethodName(actionType)
	value := reflect.ValueOf(m.methodTarget)
	method := value.MethodByName(methodName)
	if !method.IsValid() {
		return nil, false
	}
	fn, ok := method.Interface().(func(map[string]any, action.Action) (map[string]any, error))
	if !ok {
		return nil, false
	}
	return fn, true
}

func (m *Memory) commit(prev, next map[string]any) {
	m.mu.Lock()
	m.state = next
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(prev, next)
	}
}

func normalizeType(actionType string) string {
	return strings.ToLower(strings.TrimSpace(actionType))
}

func toExportedMethodName(actionType string) string {
	parts := strings.FieldsFunc(actionType, func(r rune) bool {
		return r == '_' || r == '.' || r == '-' || r == ' '
	})
	var b strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(strings.ToLower(part[1:]))
	}
	return b.String()
}

func cloneTree(src map[string]any) map[string]any {
	if src == nil {
		return make(map[string]any)
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if nested, ok := v.(map[string]any); ok {
			dst[k] = cloneTree(nested)
			continue
		}
		dst[k] = v
	}
	return dst
}
