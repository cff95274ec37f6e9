package rabbitwire

import (
	"context"

	"github.com/aleybovich/rabbitwire/internal"
	"github.com/aleybovich/rabbitwire/internal/frame"
)

// Message is an outbound publish: a body plus the AMQP basic-class
// properties that travel with it in the content header.
type Message struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
	Headers         map[string]any
	Persistent      bool
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       uint64
	Type            string
	UserId          string
	AppId           string
	ClusterId       string
}

func (m Message) toProperties() frame.Properties {
	deliveryMode := uint8(1)
	if m.Persistent {
		deliveryMode = 2
	}
	return frame.Properties{
		ContentType:     m.ContentType,
		ContentEncoding: m.ContentEncoding,
		Headers:         frame.Table(m.Headers),
		DeliveryMode:    deliveryMode,
		Priority:        m.Priority,
		CorrelationId:   m.CorrelationId,
		ReplyTo:         m.ReplyTo,
		Expiration:      m.Expiration,
		MessageId:       m.MessageId,
		Timestamp:       m.Timestamp,
		Type:            m.Type,
		UserId:          m.UserId,
		AppId:           m.AppId,
		ClusterId:       m.ClusterId,
	}
}

// Delivery is an inbound message received via Get or a Consumer, carrying
// enough context (its channel, delivery-tag) to be acked/nacked/rejected
// directly.
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Body        []byte

	ContentType     string
	ContentEncoding string
	Headers         map[string]any
	Persistent      bool
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       uint64
	Type            string
	UserId          string
	AppId           string
	ClusterId       string

	// MessageCount is populated for basic.get-ok, the number of messages
	// remaining in the queue after this one.
	MessageCount uint32

	ch *Channel
}

func newDelivery(ch *Channel, d *internal.Delivery) *Delivery {
	p := d.Properties
	return &Delivery{
		ConsumerTag:     d.ConsumerTag,
		DeliveryTag:     d.DeliveryTag,
		Redelivered:     d.Redelivered,
		Exchange:        d.Exchange,
		RoutingKey:      d.RoutingKey,
		Body:            d.Body,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		Headers:         map[string]any(p.Headers),
		Persistent:      p.DeliveryMode == 2,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ClusterId:       p.ClusterId,
		MessageCount:    d.MessageCount,
		ch:              ch,
	}
}

// Ack acknowledges the delivery.
func (d *Delivery) Ack(multiple bool) error { return d.ch.ch.Ack(d.DeliveryTag, multiple) }

// Nack negatively acknowledges the delivery, optionally requeueing it.
func (d *Delivery) Nack(multiple, requeue bool) error {
	return d.ch.ch.Nack(d.DeliveryTag, multiple, requeue)
}

// Reject rejects the delivery with basic.reject, optionally requeueing it.
func (d *Delivery) Reject(requeue bool) error { return d.ch.ch.Reject(d.DeliveryTag, requeue) }

// Consumer iterates the deliveries of a basic.consume subscription.
type Consumer struct {
	c  *internal.Consumer
	ch *Channel
}

// Next blocks until a delivery arrives, the subscription is cancelled
// (ok=false, err=nil), or ctx is done.
func (c *Consumer) Next(ctx context.Context) (*Delivery, bool, error) {
	d, ok, err := c.c.Next(ctx)
	if !ok || err != nil {
		return nil, ok, err
	}
	return newDelivery(c.ch, d), true, nil
}

// Tag returns the consumer-tag assigned to this subscription.
func (c *Consumer) Tag() string { return c.c.Tag }
