package kernel

import (
	"encoding/json"

	"zubridge/host/internal/action"
	"zubridge/host/internal/logging"
	"zubridge/host/internal/queue"
	"zubridge/host/internal/registration"
	"zubridge/host/internal/subscription"
	"zubridge/host/internal/thunk"
	"zubridge/host/internal/zerr"
)

type inboundMsg struct {
	subscriberID string
	channel      string
	requestID    string
	payload      []byte
}

// handleInbound is the Transport.OnMessage callback; it simply forwards onto
// the run-loop so every mutation happens on the kernel's single goroutine.
func (k *Kernel) handleInbound(subscriberID, channel, requestID string, payload []byte) {
	k.enqueueCommand("inbound", inboundMsg{subscriberID: subscriberID, channel: channel, requestID: requestID, payload: payload}, false)
}

func (k *Kernel) dispatchChannel(msg inboundMsg) {
	switch msg.channel {
	case ChannelDispatch:
		k.handleDispatch(msg)
	case ChannelRegisterThunk:
		k.handleRegisterThunk(msg)
	case ChannelCompleteThunk:
		k.handleCompleteThunk(msg)
	case ChannelGetState:
		k.reply(msg, k.handleGetState(msg))
	case ChannelGetWindowSubscriptions:
		k.reply(msg, k.handleGetWindowSubscriptions(msg))
	case ChannelGetThunkState:
		k.reply(msg, k.handleGetThunkState())
	case ChannelSubscribe:
		k.reply(msg, k.handleSubscribe(msg))
	case ChannelUnsubscribe:
		k.reply(msg, k.handleUnsubscribe(msg))
	case ChannelStateUpdateAck:
		k.handleStateUpdateAck(msg)
	default:
		k.log.Warn("dropping message on unknown channel", logging.String("channel", msg.channel))
	}
}

func (k *Kernel) reply(msg inboundMsg, payload []byte) {
	if msg.requestID == "" {
		return
	}
	if err := k.tport.Send(msg.subscriberID, msg.channel, payload); err != nil {
		k.log.Warn("failed to send reply", logging.String("channel", msg.channel), logging.Error(err))
	}
}

type dispatchRequest struct {
	Action   action.Action `json:"action"`
	ParentID string        `json:"parentId,omitempty"`
}

type dispatchAck struct {
	ActionID   string          `json:"actionId"`
	ThunkState thunk.TreeState `json:"thunkState"`
	Error      string          `json:"error,omitempty"`
}

// handleDispatch implements spec.md §4.9's dispatch channel: fire-and-forget
// submission, always followed by an asynchronous dispatch_ack.
func (k *Kernel) handleDispatch(msg inboundMsg) {
	var req dispatchRequest
	if err := json.Unmarshal(msg.payload, &req); err != nil {
		k.sendDispatchAck(msg.subscriberID, "", zerr.Protocol("malformed dispatch request"))
		return
	}
	a := action.EnsureID(req.Action)
	a.SourceSubscriberID = msg.subscriberID
	if req.ParentID != "" {
		a.ThunkParentID = req.ParentID
	}

	if a.ThunkParentID != "" {
		if _, ok := k.thunks.Get(a.ThunkParentID); !ok {
			k.sendDispatchAck(msg.subscriberID, a.ID, zerr.Protocol("unknown thunk parent: "+a.ThunkParentID))
			return
		}
		_ = k.thunks.AddAction(a.ThunkParentID, a.ID)
	}

	priority := k.classify(a)
	onComplete := func(err error) {
		k.sendDispatchAck(msg.subscriberID, a.ID, err)
	}
	k.sched.Enqueue(queue.Entry{
		Action:       a,
		SubscriberID: msg.subscriberID,
		Priority:     priority,
		OnComplete:   onComplete,
	})
}

func (k *Kernel) classify(a action.Action) action.Priority {
	holder := k.lock.CurrentHolder()
	held := k.lock.State() == thunk.LockLocked
	isThunkRooted := a.ThunkParentID != "" && held && holder.ThunkID == a.ThunkParentID
	return action.Classify(a, isThunkRooted, holder.ThunkID, held)
}

func (k *Kernel) sendDispatchAck(subscriberID, actionID string, err error) {
	ack := dispatchAck{ActionID: actionID, ThunkState: k.thunks.ActiveThunksSummary()}
	if err != nil {
		ack.Error = err.Error()
	}
	payload, marshalErr := json.Marshal(ack)
	if marshalErr != nil {
		k.log.Error("failed to marshal dispatch_ack", logging.Error(marshalErr))
		return
	}
	if sendErr := k.tport.Send(subscriberID, ChannelDispatchAck, payload); sendErr != nil {
		k.log.Warn("failed to deliver dispatch_ack", logging.String("subscriber_id", subscriberID), logging.Error(sendErr))
	}
}

type registerThunkRequest struct {
	ThunkID              string `json:"thunkId"`
	ParentID             string `json:"parentId,omitempty"`
	BypassThunkLock      bool   `json:"bypassThunkLock,omitempty"`
	BypassAccessControl  bool   `json:"bypassAccessControl,omitempty"`
}

type registerThunkAck struct {
	ThunkID string `json:"thunkId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// handleRegisterThunk implements spec.md §4.9's register_thunk channel,
// serializing lock acquisition through the ThunkRegistrationQueue.
func (k *Kernel) handleRegisterThunk(msg inboundMsg) {
	var req registerThunkRequest
	if err := json.Unmarshal(msg.payload, &req); err != nil {
		k.sendRegisterThunkAck(msg, "", zerr.Protocol("malformed register_thunk request"))
		return
	}
	if req.ThunkID == "" {
		k.sendRegisterThunkAck(msg, "", zerr.Protocol("thunkId is required"))
		return
	}

	if req.ParentID != "" {
		//1.- Child thunks never contend for the lock; they inherit the holder's
		// tenancy, so registration must fail outright rather than queue.
		if !k.lock.CanRegisterThunk(req.ParentID, req.BypassThunkLock) {
			k.sendRegisterThunkAck(msg, req.ThunkID, zerr.ThunkRegistration("lock does not admit child of "+req.ParentID))
			return
		}
		th, err := k.thunks.Register(req.ThunkID, req.ParentID, msg.subscriberID, req.BypassThunkLock)
		if err != nil {
			k.sendRegisterThunkAck(msg, req.ThunkID, err)
			return
		}
		_ = k.thunks.MarkExecuting(th.ID)
		k.sendRegisterThunkAck(msg, th.ID, nil)
		return
	}

	th, err := k.thunks.Register(req.ThunkID, "", msg.subscriberID, req.BypassThunkLock)
	if err != nil {
		k.sendRegisterThunkAck(msg, req.ThunkID, err)
		return
	}

	k.regQ.Submit(registration.Request{
		ThunkID:         th.ID,
		SubscriberID:    msg.subscriberID,
		BypassThunkLock: req.BypassThunkLock,
		TryAcquire:      func() bool { return k.lock.TryAcquire(th.ID, msg.subscriberID) },
		Callback: func() {
			_ = k.thunks.MarkExecuting(th.ID)
			k.sendRegisterThunkAck(msg, th.ID, nil)
		},
	})
}

func (k *Kernel) sendRegisterThunkAck(msg inboundMsg, thunkID string, err error) {
	ack := registerThunkAck{ThunkID: thunkID, Success: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	payload, marshalErr := json.Marshal(ack)
	if marshalErr != nil {
		k.log.Error("failed to marshal register_thunk_ack", logging.Error(marshalErr))
		return
	}
	if sendErr := k.tport.Send(msg.subscriberID, ChannelRegisterThunkAck, payload); sendErr != nil {
		k.log.Warn("failed to deliver register_thunk_ack", logging.Error(sendErr))
	}
}

type completeThunkRequest struct {
	ThunkID string `json:"thunkId"`
}

// handleCompleteThunk implements spec.md §4.9's complete_thunk channel:
// fire-and-forget, releasing the lock once the thunk is fully complete.
func (k *Kernel) handleCompleteThunk(msg inboundMsg) {
	var req completeThunkRequest
	if err := json.Unmarshal(msg.payload, &req); err != nil {
		k.log.Warn("dropping malformed complete_thunk", logging.Error(err))
		return
	}
	th, ok := k.thunks.Get(req.ThunkID)
	if !ok {
		k.log.Warn("complete_thunk for unknown thunk", logging.String("thunk_id", req.ThunkID))
		return
	}
	if !th.State.Terminal() {
		_ = k.thunks.MarkCompleted(req.ThunkID, nil)
	}
	k.finalizeThunkIfReady(req.ThunkID)
}

func (k *Kernel) finalizeThunkIfReady(thunkID string) {
	if !k.thunks.IsFullyComplete(thunkID) {
		return
	}
	if k.lock.State() == thunk.LockLocked && k.lock.CurrentHolder().ThunkID == thunkID {
		k.lock.Release(thunkID)
	}
	k.thunks.Erase(thunkID)
	k.sched.Drain()
	k.regQ.Drain()
}

type getStateRequest struct {
	BypassAccessControl bool     `json:"bypassAccessControl,omitempty"`
	Keys                []string `json:"keys,omitempty"`
}

// handleGetState implements spec.md §4.9's get_state invoke channel.
func (k *Kernel) handleGetState(msg inboundMsg) []byte {
	var req getStateRequest
	if len(msg.payload) > 0 {
		if err := json.Unmarshal(msg.payload, &req); err != nil {
			return errEnvelope(zerr.Protocol("malformed get_state request"))
		}
	}

	full := k.sm.GetState()
	if req.BypassAccessControl || k.subs.HasWildcard(msg.subscriberID) || len(k.subs.CurrentKeys(msg.subscriberID)) == 0 {
		return ok(full)
	}

	keys := req.Keys
	if len(keys) == 0 {
		keys = k.subs.CurrentKeys(msg.subscriberID)
	}
	for _, key := range keys {
		if !k.subs.CanRead(msg.subscriberID, key) {
			return errEnvelope(zerr.AccessDenied("subscriber may not read key: " + key))
		}
	}
	return ok(subscription.BuildPartial(keys, full))
}

type windowSubscriptionsRequest struct {
	SubscriberID string `json:"subscriberId,omitempty"`
}

func (k *Kernel) handleGetWindowSubscriptions(msg inboundMsg) []byte {
	var req windowSubscriptionsRequest
	if len(msg.payload) > 0 {
		_ = json.Unmarshal(msg.payload, &req)
	}
	target := msg.subscriberID
	if req.SubscriberID != "" {
		target = req.SubscriberID
	}
	return ok(k.subs.CurrentKeys(target))
}

func (k *Kernel) handleGetThunkState() []byte {
	return ok(k.thunks.ActiveThunksSummary())
}

type subscribeRequest struct {
	Keys []string `json:"keys,omitempty"`
}

func (k *Kernel) handleSubscribe(msg inboundMsg) []byte {
	var req subscribeRequest
	if len(msg.payload) > 0 {
		if err := json.Unmarshal(msg.payload, &req); err != nil {
			return errEnvelope(zerr.Protocol("malformed subscribe request"))
		}
	}
	return ok(k.subs.Subscribe(msg.subscriberID, req.Keys))
}

func (k *Kernel) handleUnsubscribe(msg inboundMsg) []byte {
	var req subscribeRequest
	if len(msg.payload) > 0 {
		if err := json.Unmarshal(msg.payload, &req); err != nil {
			return errEnvelope(zerr.Protocol("malformed unsubscribe request"))
		}
	}
	return ok(k.subs.Unsubscribe(msg.subscriberID, req.Keys))
}

type stateUpdateAckRequest struct {
	UpdateID string `json:"updateId"`
	ThunkID  string `json:"thunkId,omitempty"`
}

// handleStateUpdateAck implements spec.md §4.9's state_update_ack channel:
// fire-and-forget, potentially unblocking thunk completion and lock release.
func (k *Kernel) handleStateUpdateAck(msg inboundMsg) {
	var req stateUpdateAckRequest
	if err := json.Unmarshal(msg.payload, &req); err != nil {
		k.log.Warn("dropping malformed state_update_ack", logging.Error(err))
		return
	}
	k.updates.Acknowledge(req.UpdateID, msg.subscriberID)
	if req.ThunkID != "" {
		k.finalizeThunkIfReady(req.ThunkID)
	}
}

// ForgetSubscriber tears down all per-subscriber state, used when a
// subscriber's transport connection dies.
func (k *Kernel) ForgetSubscriber(subscriberID string) {
	k.enqueueCommand("forget", subscriberID, true)
}
