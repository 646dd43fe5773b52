package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrRPCTimeout         = errors.New("rmqbus: rpc request timed out")
	ErrMissingChannel     = errors.New("rmqbus: trying to publish message without specifying channel")
	ErrMissingKey         = errors.New("rmqbus: encrypted message received but no encryption key is configured")
	ErrInvalidCiphertext  = errors.New("rmqbus: invalid ciphertext")
	ErrClientClosed       = errors.New("rmqbus: client is closed")
	ErrConsumerListening  = errors.New("rmqbus: consumer is already listening")
	ErrHandlerRequired    = errors.New("rmqbus: handler is required")
	ErrReplyQueueNotReady = errors.New("rmqbus: reply queue is not ready")
)

// RemoteError is an exception reply sent back by the consumer of an RPC
// request.
type RemoteError struct {
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rmqbus: remote handler failed: %s", e.Message)
}

// HandlerError reports a failed handler invocation.
type HandlerError struct {
	RoutingKey string
	Handler    string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("rmqbus: handler %s failed for %s: %v", e.Handler, e.RoutingKey, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("rmqbus: handler panicked: %v", e.Value)
}
