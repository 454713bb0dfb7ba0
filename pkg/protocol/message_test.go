package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("Known Type", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"log","payload":{"message":"step 1"},"timestamp":"2026-01-02T03:04:05Z"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeLog, msg.Type)
		assert.True(t, msg.Type.Known())
		assert.Equal(t, 2026, msg.Timestamp.Year())
	})

	t.Run("Unknown Type Is Not An Error", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"camera_frame","payload":{}}`))
		require.NoError(t, err)
		assert.False(t, msg.Type.Known())
		assert.False(t, msg.Timestamp.IsZero(), "missing timestamps are stamped on decode")
	})

	t.Run("Missing Type", func(t *testing.T) {
		_, err := Decode([]byte(`{"payload":{}}`))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":`))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})
}

func TestEncodeRoundTrip(t *testing.T) {
	data, err := Encode(New(TypeProgress, ProgressPayload{Progress: 40}))
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	p, err := DecodeProgress(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, 40, p.Progress)
}

func TestDecodePayloads(t *testing.T) {
	t.Run("Status From Map", func(t *testing.T) {
		s, err := DecodeStatus(map[string]any{"status": "running", "currentStep": "Aspirate A1"})
		require.NoError(t, err)
		assert.Equal(t, "running", s.Status)
		assert.Equal(t, "Aspirate A1", s.CurrentStep)
	})

	t.Run("Status From String", func(t *testing.T) {
		s, err := DecodeStatus("paused")
		require.NoError(t, err)
		assert.Equal(t, "paused", s.Status)
	})

	t.Run("Empty Status", func(t *testing.T) {
		_, err := DecodeStatus(map[string]any{})
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("Progress Weakly Typed", func(t *testing.T) {
		p, err := DecodeProgress(map[string]any{"progress": "55"})
		require.NoError(t, err)
		assert.Equal(t, 55, p.Progress)

		p, err = DecodeProgress(float64(12))
		require.NoError(t, err)
		assert.Equal(t, 12, p.Progress)
	})

	t.Run("Progress Garbage", func(t *testing.T) {
		_, err := DecodeProgress(map[string]any{"progress": "lots"})
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("Log Not An Object", func(t *testing.T) {
		_, err := DecodeLog([]any{"a"})
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("Function Call With Times", func(t *testing.T) {
		start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		in := FunctionCallPayload{
			CallID:      "call-1",
			Sequence:    3,
			MethodName:  "aspirate",
			Args:        map[string]any{"well": "A1", "volume": 10},
			StateBefore: map[string]any{"A1": 100},
			StateAfter:  map[string]any{"A1": 90},
			Status:      "success",
			StartTime:   start,
			EndTime:     start.Add(250 * time.Millisecond),
			DurationMs:  250,
		}

		out, err := DecodeFunctionCall(in)
		require.NoError(t, err)
		assert.Equal(t, "call-1", out.CallID)
		assert.Equal(t, int64(3), out.Sequence)
		assert.True(t, start.Equal(out.StartTime))
		assert.Equal(t, map[string]any{"A1": float64(90)}, out.StateAfter)
	})

	t.Run("Function Call Without Method", func(t *testing.T) {
		_, err := DecodeFunctionCall(map[string]any{"sequence": 1})
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("Complete Without Payload", func(t *testing.T) {
		c, err := DecodeComplete(nil)
		require.NoError(t, err)
		assert.Nil(t, c.Result)
	})
}
