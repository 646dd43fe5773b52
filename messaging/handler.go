package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/rmqbus/contracts"
)

// Handler processes one decoded message. For request handlers the returned
// value becomes an element of the RPC reply.
type Handler interface {
	Handle(ctx context.Context, msg contracts.Message) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg contracts.Message) (interface{}, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg contracts.Message) (interface{}, error) {
	return f(ctx, msg)
}

// HandlerKind tells the consumer whether a handler's result belongs in RPC
// replies.
type HandlerKind int

const (
	// RequestHandler results are collected into RPC replies.
	RequestHandler HandlerKind = iota
	// EventHandler results are discarded.
	EventHandler
)

func (k HandlerKind) String() string {
	if k == EventHandler {
		return "event"
	}
	return "request"
}

// kindedHandler lets the typed adapters carry their kind into registration.
type kindedHandler interface {
	Handler
	kind() HandlerKind
}

type eventAdapter[T any] struct {
	fn func(ctx context.Context, event T) error
}

func (a eventAdapter[T]) Handle(ctx context.Context, msg contracts.Message) (interface{}, error) {
	var event T
	if err := msg.DecodePayload(&event); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", msg.Name, err)
	}
	return nil, a.fn(ctx, event)
}

func (eventAdapter[T]) kind() HandlerKind { return EventHandler }

// Event adapts a typed event handler. The payload is decoded into T.
func Event[T any](fn func(ctx context.Context, event T) error) Handler {
	return eventAdapter[T]{fn: fn}
}

type requestAdapter[T, R any] struct {
	fn func(ctx context.Context, request T) (R, error)
}

func (a requestAdapter[T, R]) Handle(ctx context.Context, msg contracts.Message) (interface{}, error) {
	var request T
	if err := msg.DecodePayload(&request); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", msg.Name, err)
	}
	return a.fn(ctx, request)
}

func (requestAdapter[T, R]) kind() HandlerKind { return RequestHandler }

// Request adapts a typed request handler whose result is sent back to the
// caller.
func Request[T, R any](fn func(ctx context.Context, request T) (R, error)) Handler {
	return requestAdapter[T, R]{fn: fn}
}

// Decoded adapts a handler that works on catalogue events: the payload is
// decoded through the catalogue by message name.
func Decoded(catalog *contracts.EventCatalog, fn func(ctx context.Context, event contracts.Event) error) Handler {
	return decodedAdapter{catalog: catalog, fn: fn}
}

type decodedAdapter struct {
	catalog *contracts.EventCatalog
	fn      func(ctx context.Context, event contracts.Event) error
}

func (a decodedAdapter) Handle(ctx context.Context, msg contracts.Message) (interface{}, error) {
	event, err := a.catalog.Decode(msg)
	if err != nil {
		return nil, err
	}
	return nil, a.fn(ctx, event)
}

func (decodedAdapter) kind() HandlerKind { return EventHandler }
