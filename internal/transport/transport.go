package transport

import "context"

// Transport is the abstract bidirectional message channel per subscriber
// that the kernel treats as an external collaborator (spec.md §6). Send is
// fire-and-forget; Invoke is request/response.
type Transport interface {
	// Send delivers a fire-and-forget message on channel to subscriberID.
	Send(subscriberID, channel string, payload []byte) error
	// Invoke sends a request/response message on channel to subscriberID and
	// waits for the reply or ctx cancellation.
	Invoke(ctx context.Context, subscriberID, channel string, payload []byte) ([]byte, error)
	// OnMessage registers the kernel's inbound dispatch callback, invoked for
	// every message received from any subscriber. The callback returns
	// nothing; a reply to an invoke-style request is sent separately.
	OnMessage(handler InboundHandler)
}

// InboundHandler processes one inbound message from subscriberID on channel.
// requestID is non-empty only for invoke-style requests awaiting a reply.
type InboundHandler func(subscriberID, channel, requestID string, payload []byte)

// Responder is supplied to transports so the kernel can reply to an invoke
// request asynchronously, decoupling reply delivery from handler return.
type Responder interface {
	Respond(subscriberID, requestID string, payload []byte, err error)
}
