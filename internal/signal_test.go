package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignal_StartsCleared(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.IsSet())

	select {
	case <-s.C():
		t.Fatal("signal should not be raised yet")
	default:
	}
}

func TestSignal_SetWakesWaiters(t *testing.T) {
	s := NewSignal()
	done := make(chan struct{})

	go func() {
		<-s.C()
		close(done)
	}()

	s.Set()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Set")
	}
	assert.True(t, s.IsSet())
}

func TestSignal_ClearResetsAndReblocks(t *testing.T) {
	s := NewSignal()
	s.Set()
	require := assert.New(t)
	require.True(s.IsSet())

	s.Clear()
	require.False(s.IsSet())

	select {
	case <-s.C():
		t.Fatal("signal should be blocking again after Clear")
	default:
	}
}

func TestSignal_SetIsIdempotent(t *testing.T) {
	s := NewSignal()
	s.Set()
	assert.NotPanics(t, func() { s.Set() })
	assert.True(t, s.IsSet())
}

func TestWaiter_MatchesExpectedMethodsOnly(t *testing.T) {
	w := newWaiter(key(50, 11), key(50, 41))

	assert.True(t, w.matches(50, 11))
	assert.True(t, w.matches(50, 41))
	assert.False(t, w.matches(50, 10))
}

func TestWaiter_DeliverDoesNotBlockAfterFail(t *testing.T) {
	w := newWaiter(key(50, 11))
	w.fail(nil)
	assert.NotPanics(t, func() { w.deliver(nil) })
}
