package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	f := &Frame{Type: TypeMethod, Channel: 3, Payload: []byte{1, 2, 3, 4}}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf, 131072)
	require.NoError(t, err)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.Channel, got.Channel)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestReadFrame_RejectsOversizedPayload(t *testing.T) {
	f := &Frame{Type: TypeMethod, Channel: 0, Payload: make([]byte, 100)}
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	_, err := ReadFrame(&buf, 10)
	assert.Error(t, err)
}

func TestEncodeDecodeMethod_RoundTrip(t *testing.T) {
	payload := EncodeMethod(ClassQueue, MethodQueueDeclare, []byte{9, 9})

	m, err := DecodeMethod(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(ClassQueue), m.ClassID)
	assert.Equal(t, uint16(MethodQueueDeclare), m.MethodID)
	assert.Equal(t, []byte{9, 9}, m.Args)
}

func TestContentHeader_RoundTrip(t *testing.T) {
	props := Properties{
		ContentType:   "application/json",
		DeliveryMode:  2,
		Priority:      5,
		CorrelationId: "corr-1",
		Headers:       Table{"x-retry": int32(3)},
	}

	payload := EncodeContentHeader(ClassBasic, 1234, props)

	got, err := DecodeContentHeader(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(ClassBasic), got.ClassID)
	assert.Equal(t, uint64(1234), got.BodySize)
	assert.Equal(t, props.ContentType, got.Properties.ContentType)
	assert.Equal(t, props.DeliveryMode, got.Properties.DeliveryMode)
	assert.Equal(t, props.Priority, got.Properties.Priority)
	assert.Equal(t, props.CorrelationId, got.Properties.CorrelationId)
	assert.Equal(t, int32(3), got.Properties.Headers["x-retry"])
}

func TestContentHeader_OmitsUnsetProperties(t *testing.T) {
	payload := EncodeContentHeader(ClassBasic, 0, Properties{})

	got, err := DecodeContentHeader(payload)
	require.NoError(t, err)
	assert.Empty(t, got.Properties.ContentType)
	assert.Nil(t, got.Properties.Headers)
}
