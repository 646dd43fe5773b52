package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	t.Run("Marshal uses standard field names", func(t *testing.T) {
		data, err := Marshal(struct {
			IV      string `json:"iv"`
			Content string `json:"content"`
		}{IV: "a", Content: "b"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"iv":"a","content":"b"}`, string(data))
	})

	t.Run("Decode reads from a stream", func(t *testing.T) {
		var out []map[string]string
		err := Decode(bytes.NewBufferString(`[{"routing_key":"order.created"}]`), &out)
		require.NoError(t, err)
		assert.Equal(t, "order.created", out[0]["routing_key"])
	})

	t.Run("Valid rejects broken documents", func(t *testing.T) {
		assert.True(t, Valid([]byte(`{"a":1}`)))
		assert.False(t, Valid([]byte(`{"a":`)))
	})
}
