package internal

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aleybovich/rabbitwire/amqperror"
	"github.com/aleybovich/rabbitwire/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_BuildPublishFrames_ChunksBodyByFrameMax(t *testing.T) {
	c := &Connection{frameMax: 16}
	ch := newChannel(1, c, nil)

	body := bytes.Repeat([]byte("x"), 40)
	frames := ch.buildPublishFrames("ex", "rk", false, false, frame.Properties{}, body)

	require.Len(t, frames, 2+5) // method + header + 5 body chunks of 8 bytes
	assert.Equal(t, frame.TypeMethod, frames[0].Type)
	assert.Equal(t, frame.TypeHeader, frames[1].Type)
	for _, f := range frames[2:] {
		assert.Equal(t, frame.TypeBody, f.Type)
		assert.LessOrEqual(t, len(f.Payload), 8)
	}
}

func TestChannel_BuildPublishFrames_EmptyBodyHasNoBodyFrames(t *testing.T) {
	c := &Connection{frameMax: 4096}
	ch := newChannel(1, c, nil)

	frames := ch.buildPublishFrames("ex", "rk", false, false, frame.Properties{}, nil)
	assert.Len(t, frames, 2)
}

func TestChannel_ResolveConfirm_MultipleSatisfiesOutstandingTag(t *testing.T) {
	c := &Connection{}
	ch := newChannel(1, c, nil)
	cw := &confirmWaiter{tag: 5, outcome: make(chan confirmOutcome, 1)}
	ch.confirmWaiter = cw

	ch.resolveConfirm(5, true, true, nil)

	select {
	case out := <-cw.outcome:
		assert.True(t, out.ack)
	default:
		t.Fatal("expected outcome delivered")
	}
	assert.Nil(t, ch.confirmWaiter)
}

func TestChannel_ResolveConfirm_MismatchedTagIsIgnored(t *testing.T) {
	c := &Connection{}
	ch := newChannel(1, c, nil)
	cw := &confirmWaiter{tag: 5, outcome: make(chan confirmOutcome, 1)}
	ch.confirmWaiter = cw

	ch.resolveConfirm(3, false, true, nil)

	assert.NotNil(t, ch.confirmWaiter)
	select {
	case <-cw.outcome:
		t.Fatal("did not expect an outcome for a mismatched tag")
	default:
	}
}

func TestChannel_PublishWithConfirms_Ack(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	ctx := context.Background()
	published := make(chan struct{}, 1)

	runFakeBroker(t, broker, func(m *frame.Method, channelID uint16) *frame.Frame {
		switch {
		case m.ClassID == frame.ClassConfirm && m.MethodID == frame.MethodConfirmSelect:
			return &frame.Frame{Type: frame.TypeMethod, Channel: channelID, Payload: frame.EncodeMethod(frame.ClassConfirm, frame.MethodConfirmSelectOk, nil)}
		case m.ClassID == frame.ClassBasic && m.MethodID == frame.MethodBasicPublish:
			published <- struct{}{}
		}
		return nil
	})

	ch, err := c.Channel(ctx)
	require.NoError(t, err)
	require.NoError(t, ch.EnablePublisherConfirms(ctx))

	go func() {
		<-published
		args, _ := frame.BasicAck{DeliveryTag: 1, Multiple: false}.Marshal()
		ch.deliverInbound(&frame.Frame{Type: frame.TypeMethod, Channel: ch.ID(), Payload: frame.EncodeMethod(frame.ClassBasic, frame.MethodBasicAck, args)})
	}()

	ack, err := ch.Publish(ctx, "ex", "rk", frame.Properties{}, []byte("hi"), false, false)
	require.NoError(t, err)
	assert.True(t, ack)
}

func TestChannel_PublishWithConfirms_Nack(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	ctx := context.Background()
	published := make(chan struct{}, 1)

	runFakeBroker(t, broker, func(m *frame.Method, channelID uint16) *frame.Frame {
		switch {
		case m.ClassID == frame.ClassConfirm && m.MethodID == frame.MethodConfirmSelect:
			return &frame.Frame{Type: frame.TypeMethod, Channel: channelID, Payload: frame.EncodeMethod(frame.ClassConfirm, frame.MethodConfirmSelectOk, nil)}
		case m.ClassID == frame.ClassBasic && m.MethodID == frame.MethodBasicPublish:
			published <- struct{}{}
		}
		return nil
	})

	ch, err := c.Channel(ctx)
	require.NoError(t, err)
	require.NoError(t, ch.EnablePublisherConfirms(ctx))

	go func() {
		<-published
		args, _ := frame.BasicNack{DeliveryTag: 1, Multiple: false, Requeue: true}.Marshal()
		ch.deliverInbound(&frame.Frame{Type: frame.TypeMethod, Channel: ch.ID(), Payload: frame.EncodeMethod(frame.ClassBasic, frame.MethodBasicNack, args)})
	}()

	ack, err := ch.Publish(ctx, "ex", "rk", frame.Properties{}, []byte("hi"), false, false)
	require.NoError(t, err)
	assert.False(t, ack)
}

func TestChannel_Get_EmptyQueueReturnsNil(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	ctx := context.Background()

	runFakeBroker(t, broker, func(m *frame.Method, channelID uint16) *frame.Frame {
		if m.ClassID == frame.ClassBasic && m.MethodID == frame.MethodBasicGet {
			return &frame.Frame{Type: frame.TypeMethod, Channel: channelID, Payload: frame.EncodeMethod(frame.ClassBasic, frame.MethodBasicGetEmpty, nil)}
		}
		return nil
	})

	ch, err := c.Channel(ctx)
	require.NoError(t, err)

	d, err := ch.Get(ctx, "q", true)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestChannel_FlowGating_BlocksThenAllowsPublish(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	ctx := context.Background()
	runFakeBroker(t, broker, nil)

	ch, err := c.Channel(ctx)
	require.NoError(t, err)

	off, _ := frame.ChannelFlow{Active: false}.Marshal()
	ch.deliverInbound(&frame.Frame{Type: frame.TypeMethod, Channel: ch.ID(), Payload: frame.EncodeMethod(frame.ClassChannel, frame.MethodChannelFlow, off)})
	time.Sleep(20 * time.Millisecond)

	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = ch.Publish(shortCtx, "ex", "rk", frame.Properties{}, []byte("x"), false, false)
	require.Error(t, err)

	on, _ := frame.ChannelFlow{Active: true}.Marshal()
	ch.deliverInbound(&frame.Frame{Type: frame.TypeMethod, Channel: ch.ID(), Payload: frame.EncodeMethod(frame.ClassChannel, frame.MethodChannelFlow, on)})
	time.Sleep(20 * time.Millisecond)

	ok, err := ch.Publish(ctx, "ex", "rk", frame.Properties{}, []byte("x"), false, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChannel_RemoteClosed_UnblocksPendingGet(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	ctx := context.Background()
	runFakeBroker(t, broker, func(m *frame.Method, channelID uint16) *frame.Frame {
		return nil // never answer basic.get; only remoteClosed should unblock it
	})

	ch, err := c.Channel(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = ch.Get(ctx, "q", true)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	ch.remoteClosed(amqpError.New(amqpError.KindRemoteClosedChannel, "channel error"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after remoteClosed")
	}
	assert.Equal(t, ChanRemoteClosed, ch.State())
}

func TestChannel_Rpc_AfterRemoteCloseReturnsChannelClosedNotPreciseError(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	ctx := context.Background()
	runFakeBroker(t, broker, nil)

	ch, err := c.Channel(ctx)
	require.NoError(t, err)

	precise := amqpError.FromReplyCode(406, "precondition failed", frame.ClassQueue, frame.MethodQueueDeclare, false)
	ch.remoteClosed(precise)

	err = ch.Qos(ctx, 10, 0, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, amqpError.ErrChannelClosed))
	amqpErr, ok := err.(*amqpError.Error)
	require.True(t, ok)
	assert.Equal(t, amqpError.KindChannelClosed, amqpErr.Kind)
	assert.Equal(t, precise, errors.Unwrap(amqpErr))
}

func TestChannel_Rpc_AfterLocalCloseReturnsChannelClosedWithoutPanicking(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	ctx := context.Background()
	runFakeBroker(t, broker, nil)

	ch, err := c.Channel(ctx)
	require.NoError(t, err)
	require.NoError(t, ch.Close(ctx, 200, "bye"))

	err = ch.Qos(ctx, 10, 0, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, amqpError.ErrChannelClosed))
	assert.NotPanics(t, func() { _ = err.Error() })
}

func TestChannel_EnablePublisherConfirmsRejectedInTxMode(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	ctx := context.Background()
	runFakeBroker(t, broker, func(m *frame.Method, channelID uint16) *frame.Frame {
		if m.ClassID == frame.ClassTx && m.MethodID == frame.MethodTxSelect {
			return &frame.Frame{Type: frame.TypeMethod, Channel: channelID, Payload: frame.EncodeMethod(frame.ClassTx, frame.MethodTxSelectOk, nil)}
		}
		return nil
	})

	ch, err := c.Channel(ctx)
	require.NoError(t, err)
	require.NoError(t, ch.BeginTx(ctx))

	err = ch.EnablePublisherConfirms(ctx)
	require.Error(t, err)
	amqpErr, ok := err.(*amqpError.Error)
	require.True(t, ok)
	assert.Equal(t, amqpError.KindNotSupported, amqpErr.Kind)
}
