// Package kernel implements the host-side coordination kernel: a private
// run-loop goroutine that owns the action queue, thunk lifecycle and lock,
// subscription engine, and state-update ack tracker, fed by a buffered
// channel of commands so every internal mutation happens on one goroutine
// without needing mutexes around kernel state.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zubridge/host/internal/action"
	"zubridge/host/internal/logging"
	"zubridge/host/internal/queue"
	"zubridge/host/internal/registration"
	"zubridge/host/internal/statemanager"
	"zubridge/host/internal/stateupdate"
	"zubridge/host/internal/subscription"
	"zubridge/host/internal/thunk"
	"zubridge/host/internal/transport"
	"zubridge/host/internal/zerr"
)

// Channel names, bit-exact per spec.md §6.
const (
	ChannelDispatch               = "zubridge/dispatch"
	ChannelDispatchAck            = "zubridge/dispatch_ack"
	ChannelRegisterThunk          = "zubridge/register_thunk"
	ChannelRegisterThunkAck       = "zubridge/register_thunk_ack"
	ChannelCompleteThunk          = "zubridge/complete_thunk"
	ChannelStateUpdate            = "zubridge/state_update"
	ChannelStateUpdateAck         = "zubridge/state_update_ack"
	ChannelGetState               = "zubridge/get_state"
	ChannelGetWindowID            = "zubridge/get_window_id"
	ChannelGetWindowSubscriptions = "zubridge/get_window_subscriptions"
	ChannelGetThunkState          = "zubridge/get_thunk_state"
	ChannelSubscribe              = "zubridge/subscribe"
	ChannelUnsubscribe            = "zubridge/unsubscribe"
)

// Config bundles the kernel's runtime tunables, mirroring SPEC_FULL.md §4.10.
type Config struct {
	MaxQueueSize                int
	ActionCompletionTimeout     time.Duration
	UpdateMaxAge                time.Duration
	ThunkMaxAge                 time.Duration
	BatchWindow                 time.Duration
	BatchMaxSize                int
	BatchPriorityFlushThreshold int
}

// envelope is the decoded {result|error} ack shape the kernel writes back.
type envelope struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// command is an internal run-loop message. kind selects the handler, which
// type-asserts payload to the type that kind carries.
type command struct {
	kind    string
	payload any
	done    chan struct{}
}

// Kernel is the host-side coordination kernel. Construct with New and call
// Run in its own goroutine; all public methods are safe to call from any
// goroutine since they communicate with the run-loop over a channel.
type Kernel struct {
	cfg    Config
	log    *logging.Logger
	sm     statemanager.StateManager
	tport  transport.Transport

	subs    *subscription.Manager
	lock    *thunk.LockManager
	thunks  *thunk.Tracker
	updates *stateupdate.Tracker
	sched   *queue.Scheduler
	regQ    *registration.Queue

	cmds     chan command
	stopCh   chan struct{}
	stopped  chan struct{}
	nextUpd  uint64
	prevTree map[string]any
}

// New constructs a Kernel wired to the given StateManager and Transport.
func New(cfg Config, log *logging.Logger, sm statemanager.StateManager, tport transport.Transport) *Kernel {
	if log == nil {
		log = logging.NewTestLogger()
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.ActionCompletionTimeout <= 0 {
		cfg.ActionCompletionTimeout = 5 * time.Second
	}
	if cfg.UpdateMaxAge <= 0 {
		cfg.UpdateMaxAge = 30 * time.Second
	}
	if cfg.ThunkMaxAge <= 0 {
		cfg.ThunkMaxAge = 30 * time.Second
	}

	k := &Kernel{
		cfg:      cfg,
		log:      log,
		sm:       sm,
		tport:    tport,
		subs:     subscription.New(),
		lock:     thunk.NewLockManager(),
		updates:  stateupdate.New(nil),
		regQ:     registration.New(),
		cmds:     make(chan command, 256),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
		prevTree: sm.GetState(),
	}
	k.thunks = thunk.NewTracker(k.updates.HasPendingUpdates)
	k.sched = queue.New(cfg.MaxQueueSize, k.canExecute, k.execute)

	k.lock.OnEvent(func(ev thunk.LockEvent) {
		//1.- Draining on lock events happens inline on the run-loop goroutine
		// since OnEvent fires synchronously from TryAcquire/Release.
		k.sched.Drain()
		k.regQ.Drain()
	})

	tport.OnMessage(k.handleInbound)
	return k
}

// Run drives the kernel's command loop until ctx is cancelled or Stop is called.
func (k *Kernel) Run(ctx context.Context) {
	defer close(k.stopped)
	sweepTicker := time.NewTicker(k.cfg.UpdateMaxAge / 2)
	defer sweepTicker.Stop()

	unsubscribe := k.sm.Subscribe(func(prev, next map[string]any) {
		k.enqueueCommand("commit", commitMsg{prev: prev, next: next}, false)
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stopCh:
			return
		case <-sweepTicker.C:
			k.sweepExpired()
		case cmd := <-k.cmds:
			k.handleCommand(cmd)
			if cmd.done != nil {
				close(cmd.done)
			}
		}
	}
}

// Stop signals the run-loop to exit and waits for it to finish.
func (k *Kernel) Stop() {
	select {
	case <-k.stopCh:
	default:
		close(k.stopCh)
	}
	<-k.stopped
}

func (k *Kernel) enqueueCommand(kind string, payload any, wait bool) {
	var done chan struct{}
	if wait {
		done = make(chan struct{})
	}
	select {
	case k.cmds <- command{kind: kind, payload: payload, done: done}:
	case <-k.stopCh:
		return
	}
	if wait {
		<-done
	}
}

type commitMsg struct {
	prev, next map[string]any
}

func (k *Kernel) handleCommand(cmd command) {
	switch cmd.kind {
	case "commit":
		msg := cmd.payload.(commitMsg)
		k.broadcastDelta(msg.prev, msg.next)
		k.prevTree = msg.next
	case "inbound":
		msg := cmd.payload.(inboundMsg)
		k.dispatchChannel(msg)
	case "sweep":
		k.sweepExpiredImpl()
	case "forget":
		subscriberID := cmd.payload.(string)
		k.subs.Forget(subscriberID)
		k.updates.CleanupDeadSubscriber(subscriberID)
		k.sched.Drain()
		k.regQ.Drain()
	case "stats":
		out := cmd.payload.(*Stats)
		*out = Stats{
			QueueDepth:     k.sched.Len(),
			DroppedActions: k.sched.DroppedCount(),
			ActiveThunks:   len(k.thunks.ActiveThunksSummary().Thunks),
			LockState:      k.lock.State(),
		}
	case "thunkstate":
		out := cmd.payload.(*thunk.TreeState)
		*out = k.thunks.ActiveThunksSummary()
	}
}

func (k *Kernel) sweepExpired() {
	k.enqueueCommand("sweep", nil, false)
}

// sweepExpiredImpl settles stale state-update acks and reaps thunks that
// never received a terminating complete_thunk, per spec.md §4.9's failure
// semantics. Must only run on the kernel's own run-loop goroutine.
func (k *Kernel) sweepExpiredImpl() {
	//1.- Expired updates are treated as acknowledged; a terminal lock holder
	// blocked only on them is finalized here, releasing the lock.
	k.updates.CleanupExpired(k.cfg.UpdateMaxAge)
	if holder := k.lock.CurrentHolder(); holder.ThunkID != "" {
		if th, ok := k.thunks.Get(holder.ThunkID); ok && th.State.Terminal() {
			k.finalizeThunkIfReady(holder.ThunkID)
		}
	}
	k.reapExpiredThunks()
	k.sched.Drain()
	k.regQ.Drain()
}

// Stats is a point-in-time snapshot of kernel load, used by the HTTP
// operational endpoints. It is always read on the run-loop goroutine.
type Stats struct {
	QueueDepth     int
	DroppedActions int64
	ActiveThunks   int
	LockState      thunk.LockState
}

// Stats returns a snapshot of current kernel load.
func (k *Kernel) Stats() Stats {
	var s Stats
	k.enqueueCommand("stats", &s, true)
	return s
}

// ThunkState returns a snapshot of every currently active thunk.
func (k *Kernel) ThunkState() thunk.TreeState {
	var s thunk.TreeState
	k.enqueueCommand("thunkstate", &s, true)
	return s
}

func (k *Kernel) reapExpiredThunks() {
	// Thunk reaping by age is handled by callers that track StartTime
	// against cfg.ThunkMaxAge; the in-process Tracker does not iterate its
	// own map externally, so the kernel inspects the active summary here.
	summary := k.thunks.ActiveThunksSummary()
	for _, s := range summary.Thunks {
		th, ok := k.thunks.Get(s.ID)
		if !ok {
			continue
		}
		if time.Since(th.StartTime) > k.cfg.ThunkMaxAge {
			k.log.Warn("reaping expired thunk", logging.String("thunk_id", s.ID))
			_ = k.thunks.MarkFailed(s.ID, zerr.Timeout("thunk expired without complete_thunk"))
			k.lock.Release(s.ID)
			if k.thunks.IsFullyComplete(s.ID) {
				k.thunks.Erase(s.ID)
			}
		}
	}
}

func (k *Kernel) canExecute(a action.Action) bool {
	return k.lock.CanProcessAction(a.ThunkParentID, a.BypassThunkLock)
}

func (k *Kernel) execute(e queue.Entry) error {
	res := k.sm.ProcessAction(e.Action)
	if res.IsSync {
		return res.Err
	}
	//1.- Async handlers block the executing slot until completion or timeout,
	// matching the single-threaded cooperative model's suspension points.
	select {
	case err := <-res.Completion:
		return err
	case <-time.After(k.cfg.ActionCompletionTimeout):
		return zerr.Timeout("action completion timed out: " + e.Action.ID)
	}
}

func (k *Kernel) broadcastDelta(prev, next map[string]any) {
	sets := k.subs.Snapshot()
	deltas := subscription.Notify(sets, prev, next)
	if len(deltas) == 0 {
		return
	}

	//1.- Only the current lock holder's thunk (if any) is driving this commit;
	// a bare, non-thunk-rooted commit tags its update with no thunk at all so
	// completion gating in stateupdate/thunk never blocks on it.
	var thunkID string
	if holder := k.lock.CurrentHolder(); holder.ThunkID != "" {
		thunkID = holder.ThunkID
	}

	for subscriberID, partial := range deltas {
		updateID := k.newUpdateID()
		//1.- Each updateID is delivered to exactly one subscriber, so it must
		// only require an ack from that subscriber, not every subscriber who
		// received a (distinct) update from this same commit.
		k.updates.TrackUpdate(thunkID, updateID, []string{subscriberID})
		body := map[string]any{"updateId": updateID, "partial": partial}
		if thunkID != "" {
			body["thunkId"] = thunkID
		}
		payload, err := json.Marshal(body)
		if err != nil {
			k.log.Error("failed to marshal state_update", logging.Error(err))
			continue
		}
		if err := k.tport.Send(subscriberID, ChannelStateUpdate, payload); err != nil {
			k.log.Warn("failed to deliver state_update", logging.String("subscriber_id", subscriberID), logging.Error(err))
		}
	}
}

func (k *Kernel) newUpdateID() string {
	k.nextUpd++
	return fmt.Sprintf("upd-%d", k.nextUpd)
}

func ok(result any) []byte {
	data, _ := json.Marshal(envelope{Result: result})
	return data
}

func errEnvelope(err error) []byte {
	data, _ := json.Marshal(envelope{Error: err.Error()})
	return data
}
