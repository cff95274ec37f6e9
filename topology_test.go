package rabbitwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueOptions_ArgumentsOmitsUnset(t *testing.T) {
	assert.Nil(t, QueueOptions{Durable: true}.arguments())
}

func TestQueueOptions_ArgumentsIncludesSetFields(t *testing.T) {
	args := QueueOptions{
		MessageTTL:           60000,
		MaxLength:            1000,
		DeadLetterExchange:   "dlx",
		DeadLetterRoutingKey: "dlx.orders",
	}.arguments()

	assert.Equal(t, int32(60000), args["x-message-ttl"])
	assert.Equal(t, int32(1000), args["x-max-length"])
	assert.Equal(t, "dlx", args["x-dead-letter-exchange"])
	assert.Equal(t, "dlx.orders", args["x-dead-letter-routing-key"])
	assert.NotContains(t, args, "x-expires")
}

func TestSplitBinding(t *testing.T) {
	exchange, routingKey := splitBinding("orders.topic:orders.created")
	assert.Equal(t, "orders.topic", exchange)
	assert.Equal(t, "orders.created", routingKey)
}

func TestSplitBinding_NoRoutingKey(t *testing.T) {
	exchange, routingKey := splitBinding("orders.fanout")
	assert.Equal(t, "orders.fanout", exchange)
	assert.Empty(t, routingKey)
}
