package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer() *Consumer {
	return &Consumer{
		Tag:   "ctag-1",
		Queue: "orders",
		msgs:  make(chan *Delivery, 4),
		done:  make(chan struct{}),
	}
}

func TestConsumer_NextReturnsPushedDelivery(t *testing.T) {
	c := newTestConsumer()
	d := &Delivery{DeliveryTag: 1, Body: []byte("hi")}

	c.push(d)

	got, ok, err := c.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, d, got)
}

func TestConsumer_NextBlocksUntilPush(t *testing.T) {
	c := newTestConsumer()
	result := make(chan *Delivery, 1)

	go func() {
		d, ok, err := c.Next(context.Background())
		if err == nil && ok {
			result <- d
		}
	}()

	select {
	case <-result:
		t.Fatal("Next returned before any delivery was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	d := &Delivery{DeliveryTag: 2}
	c.push(d)

	select {
	case got := <-result:
		assert.Same(t, d, got)
	case <-time.After(time.Second):
		t.Fatal("Next never woke up after push")
	}
}

func TestConsumer_NextRespectsContextCancellation(t *testing.T) {
	c := newTestConsumer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := c.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsumer_MarkCancelledEndsNextWithoutError(t *testing.T) {
	c := newTestConsumer()
	c.markCancelled()

	_, ok, err := c.Next(context.Background())
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestConsumer_MarkCancelledDrainsPendingDeliveryFirst(t *testing.T) {
	c := newTestConsumer()
	d := &Delivery{DeliveryTag: 3}
	c.push(d)
	c.markCancelled()

	got, ok, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Same(t, d, got)
}

func TestConsumer_MarkCancelledIsIdempotent(t *testing.T) {
	c := newTestConsumer()
	assert.NotPanics(t, func() {
		c.markCancelled()
		c.markCancelled()
	})
}

func TestConsumer_PushDoesNotBlockAfterCancellation(t *testing.T) {
	c := newTestConsumer()
	for i := 0; i < cap(c.msgs); i++ {
		c.push(&Delivery{DeliveryTag: uint64(i)})
	}
	c.markCancelled()

	done := make(chan struct{})
	go func() {
		c.push(&Delivery{DeliveryTag: 99})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked forever on a full channel after cancellation")
	}
}
