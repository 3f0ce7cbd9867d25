// Package queue implements the bounded priority action queue and the
// scheduler that admits, executes, and drains it.
package queue

import (
	"sort"
	"time"

	"zubridge/host/internal/action"
	"zubridge/host/internal/zerr"
)

// OnComplete is invoked exactly once per queued action with a non-nil error
// on failure (handler error, timeout, or queue overflow).
type OnComplete func(err error)

// Entry is a queued action awaiting execution.
type Entry struct {
	Action       action.Action
	SubscriberID string
	ReceivedTime time.Time
	Priority     action.Priority
	OnComplete   OnComplete
}

// Executor runs an admitted action to completion. It is supplied by the
// kernel, which owns the StateManager and thunk machinery the scheduler does
// not know about directly.
type Executor func(Entry) error

// CanExecute reports whether an action may run right now given the current
// lock/thunk state (injected so the scheduler stays decoupled from the lock
// and thunk packages).
type CanExecute func(a action.Action) bool

// Scheduler is the bounded priority FIFO described in spec.md §4.5.
type Scheduler struct {
	entries     []Entry
	maxSize     int
	canExecute  CanExecute
	execute     Executor
	processing  bool
	droppedCount int64
}

// New constructs a scheduler bounded at maxSize, using canExecute for
// admission checks and execute to run admitted actions.
func New(maxSize int, canExecute CanExecute, execute Executor) *Scheduler {
	return &Scheduler{maxSize: maxSize, canExecute: canExecute, execute: execute}
}

// Len reports the number of queued (non-executing) actions.
func (s *Scheduler) Len() int { return len(s.entries) }

// DroppedCount reports the cumulative number of actions dropped by the overflow policy.
func (s *Scheduler) DroppedCount() int64 { return s.droppedCount }

// Enqueue admits or queues an action per spec.md §4.5's admission algorithm.
func (s *Scheduler) Enqueue(e Entry) {
	if e.Action.ID == "" {
		e.Action = action.EnsureID(e.Action)
	}
	e.Action.SourceSubscriberID = e.SubscriberID
	if e.ReceivedTime.IsZero() {
		e.ReceivedTime = time.Now()
	}

	//1.- Fast path: nothing is blocking and the lock allows it — run synchronously.
	if s.canExecuteImmediately(e.Action) {
		s.runSync(e)
		s.Drain()
		return
	}

	//2.- Room available — append and keep priority order.
	if len(s.entries) < s.maxSize {
		s.entries = append(s.entries, e)
		s.resort()
		return
	}

	//3.- Overflow policy.
	s.admitWithOverflow(e)
}

func (s *Scheduler) canExecuteImmediately(a action.Action) bool {
	if s.processing {
		return false
	}
	if len(s.entries) > 0 {
		return false
	}
	return s.canExecute(a)
}

func (s *Scheduler) runSync(e Entry) {
	s.processing = true
	err := s.execute(e)
	s.processing = false
	if e.OnComplete != nil {
		e.OnComplete(err)
	}
}

func (s *Scheduler) admitWithOverflow(e Entry) {
	//1.- Gather droppable candidates: anything with priority below the
	// other-thunk-child tier (50) is fair game for eviction.
	droppableIdx := -1
	for i, existing := range s.entries {
		if existing.Priority >= action.PriorityOtherThunkChild {
			continue
		}
		if droppableIdx == -1 {
			droppableIdx = i
			continue
		}
		candidate := s.entries[i]
		current := s.entries[droppableIdx]
		if candidate.Priority < current.Priority ||
			(candidate.Priority == current.Priority && candidate.ReceivedTime.Before(current.ReceivedTime)) {
			droppableIdx = i
		}
	}

	if droppableIdx >= 0 {
		dropped := s.entries[droppableIdx]
		s.entries = append(s.entries[:droppableIdx], s.entries[droppableIdx+1:]...)
		s.droppedCount++
		if dropped.OnComplete != nil {
			dropped.OnComplete(zerr.QueueOverflow("queue overflow: dropped lowest-priority action " + dropped.Action.ID))
		}
		s.entries = append(s.entries, e)
		s.resort()
		return
	}

	//2.- Nothing droppable: reject a low-priority newcomer outright.
	if e.Priority < action.PriorityOtherThunkChild {
		if e.OnComplete != nil {
			e.OnComplete(zerr.QueueOverflow("queue overflow: rejected new action " + e.Action.ID))
		}
		return
	}

	//3.- Nothing droppable but the newcomer is high priority: evict the oldest regardless.
	if len(s.entries) == 0 {
		s.entries = append(s.entries, e)
		return
	}
	oldestIdx := 0
	for i, existing := range s.entries {
		if existing.ReceivedTime.Before(s.entries[oldestIdx].ReceivedTime) {
			oldestIdx = i
		}
	}
	dropped := s.entries[oldestIdx]
	s.entries = append(s.entries[:oldestIdx], s.entries[oldestIdx+1:]...)
	s.droppedCount++
	if dropped.OnComplete != nil {
		dropped.OnComplete(zerr.QueueOverflow("queue overflow: evicted oldest action " + dropped.Action.ID))
	}
	s.entries = append(s.entries, e)
	s.resort()
}

// Drain executes queued entries, head first, until the head cannot execute
// or the queue empties. Guarded by the non-reentrant processing flag.
func (s *Scheduler) Drain() {
	if s.processing {
		return
	}
	for len(s.entries) > 0 {
		head := s.entries[0]
		if !s.canExecute(head.Action) {
			return
		}
		s.entries = s.entries[1:]
		s.runSync(head)
	}
}

func (s *Scheduler) resort() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		if s.entries[i].Priority != s.entries[j].Priority {
			return s.entries[i].Priority > s.entries[j].Priority
		}
		return s.entries[i].ReceivedTime.Before(s.entries[j].ReceivedTime)
	})
}
