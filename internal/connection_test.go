package internal

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/aleybovich/rabbitwire/amqperror"
	"github.com/aleybovich/rabbitwire/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateBound16(t *testing.T) {
	assert.Equal(t, uint16(10), negotiateBound16(10, 20))
	assert.Equal(t, uint16(10), negotiateBound16(20, 10))
	assert.Equal(t, uint16(20), negotiateBound16(0, 20))
	assert.Equal(t, uint16(20), negotiateBound16(20, 0))
	assert.Equal(t, uint16(0), negotiateBound16(0, 0))
}

func TestNegotiateBound32(t *testing.T) {
	assert.Equal(t, uint32(4096), negotiateBound32(4096, 131072))
	assert.Equal(t, uint32(4096), negotiateBound32(131072, 4096))
	assert.Equal(t, uint32(131072), negotiateBound32(0, 131072))
}

func TestNegotiateHeartbeat(t *testing.T) {
	assert.Equal(t, uint16(30), negotiateHeartbeat(30, 60))
	assert.Equal(t, uint16(30), negotiateHeartbeat(60, 30))
	assert.Equal(t, uint16(0), negotiateHeartbeat(0, 60))
	assert.Equal(t, uint16(0), negotiateHeartbeat(60, 0))
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "OPEN", ConnOpen.String())
	assert.Equal(t, "CLOSED_BY_SERVER", ConnClosedByServer.String())
	assert.Equal(t, "UNKNOWN", ConnState(99).String())
}

// newOpenTestConnection wires a Connection over an in-memory pipe already
// past the handshake (the handshake performed by Open is not exercised by
// these tests) and starts its read/write workers.
func newOpenTestConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	client, broker := net.Pipe()
	c := NewConnection(client, HandshakeParams{}, nil)
	c.mu.Lock()
	c.state = ConnOpen
	c.frameMax = 131072
	c.channelMax = 2047
	c.mu.Unlock()
	go c.readLoop()
	go c.writeLoop()
	t.Cleanup(func() {
		_ = client.Close()
		_ = broker.Close()
	})
	return c, broker
}

// runFakeBroker answers channel.open/channel.close generically on broker's
// side of the pipe and defers anything else to extra, if given.
func runFakeBroker(t *testing.T, broker net.Conn, extra func(m *frame.Method, channelID uint16) *frame.Frame) {
	t.Helper()
	go func() {
		for {
			f, err := frame.ReadFrame(broker, 1<<20)
			if err != nil {
				return
			}
			if f.Type != frame.TypeMethod {
				continue
			}
			m, err := frame.DecodeMethod(f.Payload)
			if err != nil {
				return
			}
			var reply *frame.Frame
			switch {
			case m.ClassID == frame.ClassChannel && m.MethodID == frame.MethodChannelOpen:
				reply = &frame.Frame{Type: frame.TypeMethod, Channel: f.Channel, Payload: frame.EncodeMethod(frame.ClassChannel, frame.MethodChannelOpenOk, nil)}
			case m.ClassID == frame.ClassChannel && m.MethodID == frame.MethodChannelClose:
				reply = &frame.Frame{Type: frame.TypeMethod, Channel: f.Channel, Payload: frame.EncodeMethod(frame.ClassChannel, frame.MethodChannelCloseOk, nil)}
			default:
				if extra != nil {
					reply = extra(m, f.Channel)
				}
			}
			if reply != nil {
				if err := frame.WriteFrame(broker, reply); err != nil {
					return
				}
			}
		}
	}()
}

func TestConnection_ChannelOpenAndReleaseOnClose(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	runFakeBroker(t, broker, nil)
	ctx := context.Background()

	ch, err := c.Channel(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ch.ID())

	c.mu.Lock()
	_, tracked := c.channels[1]
	c.mu.Unlock()
	assert.True(t, tracked)

	require.NoError(t, ch.Close(ctx, 200, "bye"))

	c.mu.Lock()
	_, tracked = c.channels[1]
	c.mu.Unlock()
	assert.False(t, tracked)
}

func TestConnection_ChannelAllocatesLowestFreeID(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	runFakeBroker(t, broker, nil)
	ctx := context.Background()

	ch1, err := c.Channel(ctx)
	require.NoError(t, err)
	ch2, err := c.Channel(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ch1.ID())
	assert.Equal(t, uint16(2), ch2.ID())

	require.NoError(t, ch1.Close(ctx, 200, "bye"))

	ch3, err := c.Channel(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ch3.ID())
}

func TestConnection_ChannelFailsWhenChannelMaxExhausted(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	c.mu.Lock()
	c.channelMax = 1
	c.mu.Unlock()
	runFakeBroker(t, broker, nil)
	ctx := context.Background()

	_, err := c.Channel(ctx)
	require.NoError(t, err)

	_, err = c.Channel(ctx)
	require.Error(t, err)
	amqpErr, ok := err.(*amqpError.Error)
	require.True(t, ok)
	assert.Equal(t, amqpError.KindNoFreeChannels, amqpErr.Kind)
}

func TestConnection_ChannelRejectedWhenNotOpen(t *testing.T) {
	client, broker := net.Pipe()
	defer client.Close()
	defer broker.Close()
	c := NewConnection(client, HandshakeParams{}, nil)

	_, err := c.Channel(context.Background())
	require.Error(t, err)
}

func TestConnection_DispatchInboundRoutesControlAndChannelFrames(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	runFakeBroker(t, broker, nil)
	ctx := context.Background()

	ch, err := c.Channel(ctx)
	require.NoError(t, err)

	// A channel-0 frame goes to controlIn, not any channel's inbound queue.
	f := &frame.Frame{Type: frame.TypeMethod, Channel: 0, Payload: frame.EncodeMethod(frame.ClassConnection, frame.MethodConnectionBlocked, nil)}
	c.dispatchInbound(f)
	select {
	case <-c.controlIn:
	default:
		t.Fatal("expected channel-0 frame on controlIn")
	}

	// A frame for a known channel is routed to that channel's inbound queue,
	// where the channel's pump takes it at once: basic.get-empty reaching the
	// pump wakes the channel's get waiter with a nil delivery.
	f2 := &frame.Frame{Type: frame.TypeMethod, Channel: ch.ID(), Payload: frame.EncodeMethod(frame.ClassBasic, frame.MethodBasicGetEmpty, nil)}
	c.dispatchInbound(f2)
	select {
	case got := <-ch.getWaiter:
		assert.Nil(t, got)
	case <-time.After(time.Second):
		t.Fatal("expected frame delivered to the channel and handled by its pump")
	}
}

func TestConnection_OnFatalReadPropagatesToChannels(t *testing.T) {
	c, broker := newOpenTestConnection(t)
	runFakeBroker(t, broker, nil)
	ctx := context.Background()

	ch, err := c.Channel(ctx)
	require.NoError(t, err)

	c.onFatalRead(assertErr{})

	assert.Equal(t, ChanRemoteClosed, ch.State())
	select {
	case <-c.Done():
	default:
		t.Fatal("expected Done() to be closed after a fatal read")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
