package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/rmqbus/config"
)

// Reply is a response received on the RPC reply queue.
type Reply struct {
	CorrelationID string
	Type          string
	Body          []byte
}

// TimeoutHandler bounds the wait for one RPC reply.
type TimeoutHandler struct {
	timeout time.Duration
}

// NewTimeoutHandler creates a handler. Non-positive durations use the
// default call timeout.
func NewTimeoutHandler(timeout time.Duration) *TimeoutHandler {
	if timeout <= 0 {
		timeout = config.DefaultCallTimeout
	}
	return &TimeoutHandler{timeout: timeout}
}

// Await returns the first reply, or ErrRPCTimeout once the timeout elapses.
// Exactly one outcome is produced and the timer is always released. A
// closed replies channel means the client shut down.
func (h *TimeoutHandler) Await(ctx context.Context, replies <-chan Reply) (Reply, error) {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replies:
		if !ok {
			return Reply{}, ErrClientClosed
		}
		return reply, nil
	case <-timer.C:
		return Reply{}, fmt.Errorf("%w after %s", ErrRPCTimeout, h.timeout)
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}
