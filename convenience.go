package rabbitwire

import "context"

// PublishOnce dials url, opens a channel, publishes msg to exchange with
// routingKey, and closes everything down again. It is a direct,
// intentionally minimal analog of the source library's one-shot publish
// helper, layered entirely on Dial/Channel/Publish.
//
// The returned bool reports whether the broker confirmed the publish; it
// is only meaningful once publisher confirms are actually negotiated, so
// PublishOnce turns them on for the duration of the call and returns
// their result.
func PublishOnce(ctx context.Context, url, exchange, routingKey string, msg Message) (bool, error) {
	conn, err := Dial(ctx, url)
	if err != nil {
		return false, err
	}
	defer conn.Close(ctx)

	ch, err := conn.Channel(ctx)
	if err != nil {
		return false, err
	}
	defer ch.Close(ctx)

	if err := ch.EnablePublisherConfirms(ctx); err != nil {
		return false, err
	}
	return ch.Publish(ctx, exchange, routingKey, msg, false, false)
}

// GetOnce dials url, opens a channel, performs a single auto-acking
// basic.get against queue, and closes everything down again. A nil
// Delivery with a nil error means the queue was empty.
func GetOnce(ctx context.Context, url, queue string) (*Delivery, error) {
	conn, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	ch, err := conn.Channel(ctx)
	if err != nil {
		return nil, err
	}
	defer ch.Close(ctx)

	return ch.Get(ctx, queue, true)
}
