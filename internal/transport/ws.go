package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zubridge/host/internal/logging"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 3
)

// client is one subscriber's websocket connection, structured as a
// read-pump/write-pump pair feeding a buffered outbound channel.
type client struct {
	subscriberID string
	conn         *websocket.Conn
	send         chan []byte
	log          *logging.Logger
}

// pendingInvoke tracks an in-flight request/response call awaiting a reply.
type pendingInvoke struct {
	replyCh chan []byte
	errCh   chan error
}

// WSTransport is the reference Transport implementation over
// github.com/gorilla/websocket, structured like the teacher's client
// registry / read-pump / write-pump split: one goroutine reads frames into
// a dispatch table keyed by channel name, one goroutine drains a buffered
// outbound channel, with ping/pong keepalive and a read-deadline extension
// on every frame.
type WSTransport struct {
	log             *logging.Logger
	pingInterval    time.Duration
	maxPayloadBytes int64
	codec           *Codec
	regulator       *BandwidthRegulator

	mu      sync.RWMutex
	clients map[string]*client

	pendingMu sync.Mutex
	pending   map[string]*pendingInvoke
	nextReqID uint64

	handler InboundHandler
}

// WSTransportOption configures optional WSTransport behavior.
type WSTransportOption func(*WSTransport)

// WithBandwidthRegulator attaches a per-subscriber outbound throttle.
func WithBandwidthRegulator(r *BandwidthRegulator) WSTransportOption {
	return func(t *WSTransport) { t.regulator = r }
}

// NewWSTransport constructs a websocket transport.
func NewWSTransport(log *logging.Logger, pingInterval time.Duration, maxPayloadBytes int64, codec *Codec, opts ...WSTransportOption) *WSTransport {
	if log == nil {
		log = logging.NewTestLogger()
	}
	t := &WSTransport{
		log:             log,
		pingInterval:    pingInterval,
		maxPayloadBytes: maxPayloadBytes,
		codec:           codec,
		clients:         make(map[string]*client),
		pending:         make(map[string]*pendingInvoke),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnMessage registers the kernel's inbound dispatch callback.
func (t *WSTransport) OnMessage(handler InboundHandler) {
	t.handler = handler
}

// Register adopts conn as subscriberID's connection and starts its
// read-pump/write-pump goroutines. It blocks until the connection closes.
func (t *WSTransport) Register(subscriberID string, conn *websocket.Conn) {
	c := &client{
		subscriberID: subscriberID,
		conn:         conn,
		send:         make(chan []byte, 256),
		log:          t.log.With(logging.String("subscriber_id", subscriberID)),
	}

	if t.maxPayloadBytes > 0 {
		conn.SetReadLimit(t.maxPayloadBytes)
	}

	t.mu.Lock()
	t.clients[subscriberID] = c
	t.mu.Unlock()

	waitDuration := time.Duration(pongWaitMultiplier) * t.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(waitDuration))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	done := make(chan struct{})
	go t.writePump(c, done)
	t.readPump(c, waitDuration)
	close(done)

	t.mu.Lock()
	delete(t.clients, subscriberID)
	t.mu.Unlock()
}

func (t *WSTransport) readPump(c *client, waitDuration time.Duration) {
	defer func() { _ = c.conn.Close() }()
	for {
		messageType, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.log.Warn("read deadline exceeded", logging.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected websocket close", logging.Error(err))
			} else {
				c.log.Debug("read error", logging.Error(err))
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			c.log.Error("failed to extend read deadline", logging.Error(err))
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		t.dispatchInbound(c.subscriberID, msg)
	}
}

func (t *WSTransport) writePump(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error("failed to set write deadline", logging.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.log.Error("write error", logging.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				c.log.Warn("ping failure", logging.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}

type wireFrame struct {
	Envelope
	IsReply bool `json:"isReply,omitempty"`
}

func (t *WSTransport) dispatchInbound(subscriberID string, framed []byte) {
	raw, err := t.codec.Decode(framed)
	if err != nil {
		t.log.Debug("dropping frame with bad compression envelope", logging.Error(err))
		return
	}
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.log.Debug("dropping invalid JSON frame", logging.Error(err))
		return
	}

	if frame.IsReply {
		t.resolvePending(frame.RequestID, frame.Payload, nil)
		return
	}
	if t.handler != nil {
		t.handler(subscriberID, frame.Channel, frame.RequestID, frame.Payload)
	}
}

// Send delivers a fire-and-forget message on channel to subscriberID.
func (t *WSTransport) Send(subscriberID, channel string, payload []byte) error {
	t.mu.RLock()
	c, ok := t.clients[subscriberID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown subscriber %q", subscriberID)
	}
	frame := wireFrame{Envelope: Envelope{Channel: channel, Payload: payload}}
	return t.enqueue(c, frame)
}

// Invoke sends a request/response message and blocks for the reply.
func (t *WSTransport) Invoke(ctx context.Context, subscriberID, channel string, payload []byte) ([]byte, error) {
	t.mu.RLock()
	c, ok := t.clients[subscriberID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: unknown subscriber %q", subscriberID)
	}

	reqID := t.newRequestID()
	p := &pendingInvoke{replyCh: make(chan []byte, 1), errCh: make(chan error, 1)}
	t.pendingMu.Lock()
	t.pending[reqID] = p
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, reqID)
		t.pendingMu.Unlock()
	}()

	frame := wireFrame{Envelope: Envelope{Channel: channel, RequestID: reqID, Payload: payload}}
	if err := t.enqueue(c, frame); err != nil {
		return nil, err
	}

	select {
	case reply := <-p.replyCh:
		return reply, nil
	case err := <-p.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *WSTransport) resolvePending(reqID string, payload []byte, err error) {
	t.pendingMu.Lock()
	p, ok := t.pending[reqID]
	t.pendingMu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		p.errCh <- err
		return
	}
	p.replyCh <- payload
}

func (t *WSTransport) enqueue(c *client, frame wireFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if t.regulator != nil && !t.regulator.Allow(c.subscriberID, len(raw)) {
		return errors.New("transport: bandwidth budget exceeded for subscriber " + c.subscriberID)
	}
	framed, err := t.codec.Encode(raw)
	if err != nil {
		return err
	}
	select {
	case c.send <- framed:
		return nil
	default:
		return fmt.Errorf("transport: outbound buffer full for subscriber %q", c.subscriberID)
	}
}

func (t *WSTransport) newRequestID() string {
	t.pendingMu.Lock()
	t.nextReqID++
	id := t.nextReqID
	t.pendingMu.Unlock()
	return fmt.Sprintf("req-%d", id)
}

// Forget drops bandwidth-regulator state for a disconnected subscriber.
func (t *WSTransport) Forget(subscriberID string) {
	if t.regulator != nil {
		t.regulator.Forget(subscriberID)
	}
}
