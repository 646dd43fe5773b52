package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rmqbus/config"
)

func TestTimeoutHandler(t *testing.T) {
	t.Run("returns the reply", func(t *testing.T) {
		replies := make(chan Reply, 1)
		replies <- Reply{CorrelationID: "c-1", Body: []byte(`[]`)}

		reply, err := NewTimeoutHandler(time.Second).Await(context.Background(), replies)
		require.NoError(t, err)
		assert.Equal(t, "c-1", reply.CorrelationID)
	})

	t.Run("times out", func(t *testing.T) {
		start := time.Now()
		_, err := NewTimeoutHandler(20*time.Millisecond).Await(context.Background(), make(chan Reply))
		assert.ErrorIs(t, err, ErrRPCTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewTimeoutHandler(time.Minute).Await(ctx, make(chan Reply))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("closed channel means client closed", func(t *testing.T) {
		replies := make(chan Reply)
		close(replies)
		_, err := NewTimeoutHandler(time.Minute).Await(context.Background(), replies)
		assert.ErrorIs(t, err, ErrClientClosed)
	})

	t.Run("non-positive timeout uses default", func(t *testing.T) {
		assert.Equal(t, config.DefaultCallTimeout, NewTimeoutHandler(0).timeout)
	})
}

func TestExtractQueueName(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		queue string
		ok    bool
	}{
		{"present", []string{"busd", "consume", "--queue=orders"}, "orders", true},
		{"first wins", []string{"--queue=a", "--queue=b"}, "a", true},
		{"absent", []string{"busd", "--verbose"}, "", false},
		{"empty value", []string{"--queue="}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue, ok := ExtractQueueName(tt.args)
			assert.Equal(t, tt.queue, queue)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
