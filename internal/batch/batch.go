// Package batch implements the subscriber-side action coalescer: actions
// dispatched in rapid succession are collected into a windowed batch and
// sent to the host as one request, with priority-triggered early flushes.
package batch

import (
	"sync"
	"time"

	"zubridge/host/internal/action"
	"zubridge/host/internal/zerr"
)

// Resolver is invoked once per batched action with its result row.
type Resolver func(err error)

type queuedAction struct {
	id       string
	action   action.Action
	parentID string
	priority int
	resolve  Resolver
}

// Flusher sends an assembled batch and returns a per-action error map keyed
// by action id. Missing rows are treated as protocol errors by the batcher.
type Flusher func(actions []FlushAction) map[string]error

// FlushAction is one row of an outbound batch request.
type FlushAction struct {
	ID       string
	Action   action.Action
	ParentID string
}

// Batcher coalesces actions within a time window before flushing.
type Batcher struct {
	mu                      sync.Mutex
	windowMs                time.Duration
	maxBatchSize            int
	priorityFlushThreshold  int
	flush                   Flusher
	timerFactory            func(time.Duration, func()) timer

	current   []*queuedAction
	successor []*queuedAction
	inFlight  bool
	destroyed bool
	timerSet  bool
}

// timer abstracts a cancellable delayed callback so tests can control time.
type timer interface {
	Stop() bool
}

// Config configures a Batcher.
type Config struct {
	WindowMs               time.Duration
	MaxBatchSize           int
	PriorityFlushThreshold int
}

// New constructs a Batcher. flush is called synchronously, on the goroutine
// of the Enqueue call that triggered an immediate flush or of the window
// timer's callback; it must not block indefinitely.
func New(cfg Config, flush Flusher) *Batcher {
	b := &Batcher{
		windowMs:               cfg.WindowMs,
		maxBatchSize:           cfg.MaxBatchSize,
		priorityFlushThreshold: cfg.PriorityFlushThreshold,
		flush:                  flush,
	}
	b.timerFactory = func(d time.Duration, fn func()) timer {
		return time.AfterFunc(d, fn)
	}
	return b
}

// Enqueue appends a to the current (or successor, if a flush is in flight)
// batch, flushing immediately if priority crosses the threshold or the batch
// fills up.
func (b *Batcher) Enqueue(id string, a action.Action, parentID string, priority int, resolve Resolver) {
	b.mu.Lock()

	if b.destroyed {
		b.mu.Unlock()
		if resolve != nil {
			resolve(zerr.Destroyed("batcher destroyed"))
		}
		return
	}

	qa := &queuedAction{id: id, action: a, parentID: parentID, priority: priority, resolve: resolve}

	target := &b.current
	if b.inFlight {
		target = &b.successor
	}
	*target = append(*target, qa)

	immediate := priority >= b.priorityFlushThreshold || len(*target) >= b.maxBatchSize
	shouldScheduleTimer := !b.inFlight && !b.timerSet && !immediate
	if shouldScheduleTimer {
		b.timerSet = true
		b.timerFactory(b.windowMs, b.onTimerFire)
	}
	b.mu.Unlock()

	if immediate && !b.inFlight {
		b.flushNow()
	}
}

func (b *Batcher) onTimerFire() {
	b.mu.Lock()
	b.timerSet = false
	b.mu.Unlock()
	b.flushNow()
}

// RemoveAction cancels a still-queued action, rejecting it. A no-op once the
// action has already been flushed.
func (b *Batcher) RemoveAction(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for list, idx := b.findLocked(id); list != nil; list, idx = b.findLocked(id) {
		qa := (*list)[idx]
		*list = append((*list)[:idx], (*list)[idx+1:]...)
		if qa.resolve != nil {
			qa.resolve(zerr.Destroyed("action removed before flush"))
		}
		return
	}
}

func (b *Batcher) findLocked(id string) (*[]*queuedAction, int) {
	for _, list := range []*[]*queuedAction{&b.current, &b.successor} {
		for i, qa := range *list {
			if qa.id == id {
				return list, i
			}
		}
	}
	return nil, -1
}

// Destroy rejects all queued and in-flight actions with a terminal error.
func (b *Batcher) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = true
	for _, qa := range b.current {
		if qa.resolve != nil {
			qa.resolve(zerr.Destroyed("batcher destroyed"))
		}
	}
	for _, qa := range b.successor {
		if qa.resolve != nil {
			qa.resolve(zerr.Destroyed("batcher destroyed"))
		}
	}
	b.current = nil
	b.successor = nil
}

func (b *Batcher) flushNow() {
	b.mu.Lock()
	if b.inFlight || len(b.current) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.current
	b.current = nil
	b.inFlight = true
	b.mu.Unlock()

	results := b.flush(toFlushActions(batch))

	b.mu.Lock()
	destroyed := b.destroyed
	b.mu.Unlock()

	for _, qa := range batch {
		err, ok := results[qa.id]
		if destroyed {
			// A Destroy during the flush rejects the in-flight batch too.
			err = zerr.Destroyed("batcher destroyed")
		} else if !ok {
			//1.- A missing result row is a protocol error, not a silent success.
			err = zerr.Protocol("missing batch result row for action " + qa.id)
		}
		if qa.resolve != nil {
			qa.resolve(err)
		}
	}

	b.mu.Lock()
	b.inFlight = false
	//2.- Promote the successor batch accumulated during this flush.
	hasSuccessor := len(b.successor) > 0
	if hasSuccessor {
		b.current = b.successor
		b.successor = nil
	}
	b.mu.Unlock()

	if hasSuccessor {
		b.flushNow()
	}
}

func toFlushActions(batch []*queuedAction) []FlushAction {
	out := make([]FlushAction, 0, len(batch))
	for _, qa := range batch {
		out = append(out, FlushAction{ID: qa.id, Action: qa.action, ParentID: qa.parentID})
	}
	return out
}
