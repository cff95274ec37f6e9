package internal

import (
	"github.com/aleybovich/rabbitwire/amqperror"
	"github.com/aleybovich/rabbitwire/internal/frame"
)

// methodKey identifies one (class, method) pair for matching an inbound
// frame against a waiter's set of acceptable responses.
type methodKey struct {
	ClassID  uint16
	MethodID uint16
}

func key(classID, methodID uint16) methodKey { return methodKey{classID, methodID} }

// waiter is the single in-flight RPC descriptor a Connection or Channel
// parks while a synchronous request is outstanding. Exactly one of resp
// or err is ever delivered.
type waiter struct {
	expect map[methodKey]bool
	resp   chan *frame.Method
	err    chan *amqpError.Error
}

func newWaiter(expect ...methodKey) *waiter {
	m := make(map[methodKey]bool, len(expect))
	for _, k := range expect {
		m[k] = true
	}
	return &waiter{expect: m, resp: make(chan *frame.Method, 1), err: make(chan *amqpError.Error, 1)}
}

func (w *waiter) matches(classID, methodID uint16) bool {
	return w.expect[key(classID, methodID)]
}

func (w *waiter) deliver(m *frame.Method) {
	select {
	case w.resp <- m:
	default:
	}
}

func (w *waiter) fail(e *amqpError.Error) {
	select {
	case w.err <- e:
	default:
	}
}
