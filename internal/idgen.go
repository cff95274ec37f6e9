package internal

import (
	"github.com/oklog/ulid/v2"
)

// NewConsumerTag returns a collision-resistant consumer-tag for
// basic.consume calls that don't supply their own, the way a real client
// mints one on the caller's behalf.
func NewConsumerTag() string {
	return "ctag-" + ulid.Make().String()
}

// NewMessageID returns a ULID-based message-id of the form "msg-<ulid>".
// Publish does not call it: a message published without a MessageId is
// sent without one.
func NewMessageID() string {
	return "msg-" + ulid.Make().String()
}
