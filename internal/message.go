package internal

import "github.com/aleybovich/rabbitwire/internal/frame"

// Delivery is an assembled inbound message: the method that introduced it
// (basic.deliver / basic.get-ok / basic.return), its content-header
// properties, and its fully reassembled body.
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Properties  frame.Properties
	Body        []byte

	// MessageCount is populated for basic.get-ok (remaining messages in
	// the queue after this one) and is zero otherwise.
	MessageCount uint32
}

// reassembly accumulates the content header and bodies that follow a
// content-bearing method (basic.deliver / basic.return / basic.get-ok) on
// a single channel, per the invariant that content sequences are never
// interleaved with other frames on the same channel.
type reassembly struct {
	kind       reassemblyKind
	delivery   *Delivery
	bodySize   uint64
	collected  uint64
	body       []byte
	replyCode  uint16
	replyText  string
}

type reassemblyKind int

const (
	reassembleNone reassemblyKind = iota
	reassembleDeliver
	reassembleReturn
	reassembleGetOk
)
