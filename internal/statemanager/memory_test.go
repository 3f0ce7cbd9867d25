package statemanager

import (
	"errors"
	"testing"
	"time"

	"zubridge/host/internal/action"
)

func TestHandlerMapTakesPrecedenceOverReducer(t *testing.T) {
	m := New(map[string]any{"counter": 0})
	m.RegisterHandler("inc", func(state map[string]any, a action.Action) (map[string]any, error) {
		state["counter"] = state["counter"].(int) + 1
		return state, nil
	})
	m.SetReducer(func(state map[string]any, a action.Action) (map[string]any, error) {
		t.Fatal("reducer should not run when a handler matches")
		return state, nil
	})

	res := m.ProcessAction(action.Action{Type: "INC"})
	if !res.IsSync || res.Err != nil {
		t.Fatalf("expected sync success, got %#v", res)
	}
	if m.GetState()["counter"] != 1 {
		t.Fatalf("expected counter incremented, got %#v", m.GetState())
	}
}

func TestBuiltInSetStateShallowMerges(t *testing.T) {
	m := New(map[string]any{"counter": 0, "theme": "light"})
	res := m.ProcessAction(action.Action{Type: "SET_STATE", Payload: map[string]any{"theme": "dark"}})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	state := m.GetState()
	if state["theme"] != "dark" || state["counter"] != 0 {
		t.Fatalf("expected shallow merge, got %#v", state)
	}
}

func TestStateMethodFallbackViaReflection(t *testing.T) {
	m := New(map[string]any{"counter": 0})
	m.WithMethodTarget(&counterMethods{})

	res := m.ProcessAction(action.Action{Type: "double_counter"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
}

type counterMethods struct{}

func (c *counterMethods) DoubleCounter(state map[string]any, a action.Action) (map[string]any, error) {
	v, _ := state["counter"].(int)
	state["counter"] = v * 2
	return state, nil
}

func TestUnresolvedActionTypeReturnsProtocolError(t *testing.T) {
	m := New(nil)
	res := m.ProcessAction(action.Action{Type: "unknown"})
	if res.Err == nil {
		t.Fatalf("expected protocol error for unresolved action type")
	}
}

func TestAsyncHandlerSignalsIsSyncFalse(t *testing.T) {
	m := New(map[string]any{"counter": 0})
	m.RegisterAsyncHandler("async_inc", func(state map[string]any, a action.Action) <-chan AsyncResult {
		ch := make(chan AsyncResult, 1)
		go func() {
			v, _ := state["counter"].(int)
			state["counter"] = v + 1
			ch <- AsyncResult{State: state}
		}()
		return ch
	})

	res := m.ProcessAction(action.Action{Type: "async_inc"})
	if res.IsSync {
		t.Fatalf("expected async handler to report IsSync=false")
	}
	select {
	case err := <-res.Completion:
		if err != nil {
			t.Fatalf("unexpected completion error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async completion")
	}
	if m.GetState()["counter"] != 1 {
		t.Fatalf("expected counter incremented after async completion")
	}
}

func TestSubscribeObservesCommitsInOrder(t *testing.T) {
	m := New(map[string]any{"counter": 0})
	var seen []int
	m.Subscribe(func(prev, next map[string]any) {
		seen = append(seen, next["counter"].(int))
	})
	m.RegisterHandler("inc", func(state map[string]any, a action.Action) (map[string]any, error) {
		state["counter"] = state["counter"].(int) + 1
		return state, nil
	})

	m.ProcessAction(action.Action{Type: "inc"})
	m.ProcessAction(action.Action{Type: "inc"})

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected commits observed in order, got %#v", seen)
	}
}

func TestHandlerErrorPropagatesWithoutPanicking(t *testing.T) {
	m := New(nil)
	wantErr := errors.New("boom")
	m.RegisterHandler("fail", func(state map[string]any, a action.Action) (map[string]any, error) {
		return nil, wantErr
	})

	res := m.ProcessAction(action.Action{Type: "fail"})
	if res.Err != wantErr {
		t.Fatalf("expected handler error surfaced, got %v", res.Err)
	}
}
