package internal

import (
	"context"
	"sync"
)

// Consumer is the receiving end of a basic.consume subscription: a queue
// of reassembled deliveries fed by the owning Channel's pump goroutine.
type Consumer struct {
	Tag   string
	Queue string
	NoAck bool

	msgs chan *Delivery
	done chan struct{}
	once sync.Once
}

// Next blocks until a delivery arrives, the consumer is cancelled (by the
// application or by the broker), or ctx is done. ok is false once the
// consumer is drained and will never produce another delivery.
func (c *Consumer) Next(ctx context.Context) (*Delivery, bool, error) {
	select {
	case d, open := <-c.msgs:
		if !open {
			return nil, false, nil
		}
		return d, true, nil
	case <-c.done:
		select {
		case d, open := <-c.msgs:
			if open {
				return d, true, nil
			}
		default:
		}
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// push delivers a reassembled message to the consumer, honoring
// cancellation so the channel pump never blocks forever on a consumer
// nobody is draining anymore.
func (c *Consumer) push(d *Delivery) {
	select {
	case c.msgs <- d:
	case <-c.done:
	}
}

// markCancelled stops the consumer from accepting further deliveries and
// wakes any goroutine blocked in Next.
func (c *Consumer) markCancelled() {
	c.once.Do(func() { close(c.done) })
}
