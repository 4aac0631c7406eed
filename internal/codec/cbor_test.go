package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string            `cbor:"name"`
	Payload []byte            `cbor:"payload"`
	Labels  map[string]string `cbor:"labels,omitempty"`
	At      time.Time         `cbor:"at"`
}

func TestDeterministic(t *testing.T) {
	v := sample{
		Name:    "chunk",
		Payload: []byte{0x00, 0xff, 0x10},
		Labels:  map[string]string{"z": "1", "a": "2", "m": "3"},
		At:      time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC),
	}

	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first, again), "map ordering must not change the encoding")
	}

	var back sample
	require.NoError(t, Unmarshal(first, &back))
	assert.Equal(t, v.Payload, back.Payload)
	assert.Equal(t, v.Labels, back.Labels)
	assert.True(t, v.At.Equal(back.At), "nanoseconds survive")
}

func TestPayloadIsRawBytes(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 1024)
	data, err := Marshal(sample{Payload: payload})
	require.NoError(t, err)
	assert.Less(t, len(data), 1100, "bytes are not base64 inflated")
}

func TestUnmarshalGarbage(t *testing.T) {
	var v sample
	assert.Error(t, Unmarshal([]byte{0xff}, &v))
}
