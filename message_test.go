package rabbitwire

import (
	"testing"

	"github.com/aleybovich/rabbitwire/internal"
	"github.com/aleybovich/rabbitwire/internal/frame"
	"github.com/stretchr/testify/assert"
)

func TestMessage_ToProperties_PersistentSetsDeliveryMode2(t *testing.T) {
	m := Message{ContentType: "application/json", Persistent: true, CorrelationId: "corr-1", ClusterId: "node-a"}

	props := m.toProperties()
	assert.Equal(t, uint8(2), props.DeliveryMode)
	assert.Equal(t, "application/json", props.ContentType)
	assert.Equal(t, "corr-1", props.CorrelationId)
	assert.Equal(t, "node-a", props.ClusterId)
}

func TestMessage_ToProperties_TransientSetsDeliveryMode1(t *testing.T) {
	m := Message{}
	assert.Equal(t, uint8(1), m.toProperties().DeliveryMode)
}

func TestNewDelivery_CopiesFieldsAndMarksPersistent(t *testing.T) {
	d := &internal.Delivery{
		ConsumerTag: "ctag-1",
		DeliveryTag: 7,
		Exchange:    "orders.topic",
		RoutingKey:  "orders.created",
		Body:        []byte("payload"),
		Properties: frame.Properties{
			ContentType:  "text/plain",
			DeliveryMode: 2,
			MessageId:    "m-1",
			ClusterId:    "node-a",
		},
	}

	got := newDelivery(&Channel{}, d)

	assert.Equal(t, "ctag-1", got.ConsumerTag)
	assert.Equal(t, uint64(7), got.DeliveryTag)
	assert.Equal(t, "orders.created", got.RoutingKey)
	assert.Equal(t, []byte("payload"), got.Body)
	assert.True(t, got.Persistent)
	assert.Equal(t, "m-1", got.MessageId)
	assert.Equal(t, "node-a", got.ClusterId)
}
