package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aleybovich/rabbitwire/amqperror"
	"github.com/aleybovich/rabbitwire/internal/frame"
	"github.com/aleybovich/rabbitwire/logger"
)

// ConnState is the connection-level state machine described by the
// engine's handshake and teardown sequence.
type ConnState int32

const (
	ConnClosed ConnState = iota
	ConnProtocolHeaderSent
	ConnStartReceived
	ConnTuneReceived
	ConnOpenSent
	ConnOpen
	ConnClosing
	ConnClosedByServer
	ConnClosedByClient
)

func (s ConnState) String() string {
	switch s {
	case ConnClosed:
		return "CLOSED"
	case ConnProtocolHeaderSent:
		return "PROTOCOL_HEADER_SENT"
	case ConnStartReceived:
		return "START_RECEIVED"
	case ConnTuneReceived:
		return "TUNE_RECEIVED"
	case ConnOpenSent:
		return "OPEN_SENT"
	case ConnOpen:
		return "OPEN"
	case ConnClosing:
		return "CLOSING"
	case ConnClosedByServer:
		return "CLOSED_BY_SERVER"
	case ConnClosedByClient:
		return "CLOSED_BY_CLIENT"
	default:
		return "UNKNOWN"
	}
}

// HandshakeParams carries the pieces of a connection string / config
// object the engine needs to perform connection.start-ok / tune-ok /
// open, without the engine importing the public config package.
type HandshakeParams struct {
	Username          string
	Password          string
	VHost             string
	Locale            string
	Heartbeat         uint16
	ChannelMax        uint16
	FrameMax          uint32
	ConnectionTimeout time.Duration
}

const (
	clientProduct = "rabbitwire"
	clientVersion = "1.0"
)

// outboundItem is one unit of work handed to the writer goroutine: either
// a frame group that must reach the wire without interleaving, or the
// shutdown sentinel.
type outboundItem struct {
	frames   []*frame.Frame
	shutdown bool
}

// Connection is the engine's connection-level state machine: handshake,
// tuning, channel-id allocation, and close propagation, sitting on top of
// a raw net.Conn.
type Connection struct {
	conn   net.Conn
	log    logger.Logger
	params HandshakeParams

	mu         sync.Mutex
	state      ConnState
	channelMax uint16
	frameMax   uint32
	heartbeat  uint16
	blocked    bool
	channels   map[uint16]*Channel
	closeErr   *amqpError.Error

	waiterMu sync.Mutex
	waiter   *waiter

	controlIn chan *frame.Frame
	outbound  chan outboundItem
	done      chan struct{}
	closeOnce sync.Once

	lastWrite atomic.Int64 // unix nanos
}

// NewConnection wraps an already-dialed net.Conn. Open() must be called
// before the connection is usable.
func NewConnection(conn net.Conn, params HandshakeParams, log logger.Logger) *Connection {
	if log == nil {
		log = &logger.NilLogger{}
	}
	return &Connection{
		conn:      conn,
		log:       log,
		params:    params,
		channels:  make(map[uint16]*Channel),
		controlIn: make(chan *frame.Frame, 16),
		outbound:  make(chan outboundItem, 64),
		done:      make(chan struct{}),
	}
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.log.Debug("connection state -> %s", s)
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsBlocked reports whether the broker has sent connection.blocked
// without a matching unblocked.
func (c *Connection) IsBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

func negotiateBound16(client, server uint16) uint16 {
	if client == 0 {
		return server
	}
	if server == 0 {
		return client
	}
	if client < server {
		return client
	}
	return server
}

func negotiateBound32(client, server uint32) uint32 {
	if client == 0 {
		return server
	}
	if server == 0 {
		return client
	}
	if client < server {
		return client
	}
	return server
}

func negotiateHeartbeat(client, server uint16) uint16 {
	if client == 0 || server == 0 {
		return 0
	}
	if client < server {
		return client
	}
	return server
}

// Open performs the full AMQP 0-9-1 handshake: protocol header,
// connection.start/start-ok, connection.tune/tune-ok, connection.open/
// open-ok. On success the I/O worker goroutines are running and the
// connection is in state OPEN.
func (c *Connection) Open(ctx context.Context) error {
	if _, err := c.conn.Write(frame.ProtocolHeader[:]); err != nil {
		return amqpError.Wrap(amqpError.KindConnectionReset, err)
	}
	c.setState(ConnProtocolHeaderSent)

	go c.readLoop()
	go c.writeLoop()

	startFrame, err := c.recvControl(ctx)
	if err != nil {
		return err
	}
	start, err := decodeExpected(startFrame, frame.ClassConnection, frame.MethodConnectionStart, frame.DecodeConnectionStart)
	if err != nil {
		return err
	}
	c.setState(ConnStartReceived)
	c.log.Debug("connection.start: version=%d.%d mechanisms=%q locales=%q", start.VersionMajor, start.VersionMinor, start.Mechanisms, start.Locales)
	mechanism, response := "PLAIN", "\x00"+c.params.Username+"\x00"+c.params.Password
	if c.params.Username == "" && c.params.Password == "" && strings.Contains(start.Mechanisms, "EXTERNAL") {
		if caps, ok := start.ServerProperties["capabilities"].(frame.Table); ok && caps["authentication_failure_close"] == true {
			mechanism, response = "EXTERNAL", ""
		}
	}
	if mechanism == "PLAIN" && !strings.Contains(start.Mechanisms, "PLAIN") {
		return amqpError.New(amqpError.KindNotSupported, "broker does not offer PLAIN SASL mechanism")
	}

	startOk := frame.ConnectionStartOk{
		ClientProperties: frame.Table{
			"product":      clientProduct,
			"version":      clientVersion,
			"platform":     "Go",
			"capabilities": frame.Table{
				"authentication_failure_close": true,
				"basic.nack":                   true,
				"connection.blocked":           true,
				"consumer_cancel_notify":       true,
				"publisher_confirms":           true,
			},
		},
		Mechanism: mechanism,
		Response:  response,
		Locale:    c.params.Locale,
	}
	if err := c.sendControlMethod(frame.ClassConnection, frame.MethodConnectionStartOk, startOk); err != nil {
		return err
	}

	tuneFrame, err := c.recvControl(ctx)
	if err != nil {
		return err
	}
	if tuneFrame.ClassID == frame.ClassConnection && tuneFrame.MethodID == frame.MethodConnectionClose {
		return c.handshakeCloseError(tuneFrame)
	}
	tune, err := decodeExpected(tuneFrame, frame.ClassConnection, frame.MethodConnectionTune, frame.DecodeConnectionTune)
	if err != nil {
		return err
	}
	c.setState(ConnTuneReceived)

	c.mu.Lock()
	c.channelMax = negotiateBound16(c.params.ChannelMax, tune.ChannelMax)
	c.frameMax = negotiateBound32(c.params.FrameMax, tune.FrameMax)
	c.heartbeat = negotiateHeartbeat(c.params.Heartbeat, tune.Heartbeat)
	c.mu.Unlock()

	tuneOk := frame.ConnectionTune{ChannelMax: c.channelMax, FrameMax: c.frameMax, Heartbeat: c.heartbeat}
	if err := c.sendControlMethod(frame.ClassConnection, frame.MethodConnectionTuneOk, tuneOk); err != nil {
		return err
	}

	if err := c.sendControlMethod(frame.ClassConnection, frame.MethodConnectionOpen, frame.ConnectionOpen{VirtualHost: c.params.VHost}); err != nil {
		return err
	}
	c.setState(ConnOpenSent)

	openOkFrame, err := c.recvControl(ctx)
	if err != nil {
		return err
	}
	if openOkFrame.ClassID == frame.ClassConnection && openOkFrame.MethodID == frame.MethodConnectionClose {
		return c.handshakeCloseError(openOkFrame)
	}
	if openOkFrame.ClassID != frame.ClassConnection || openOkFrame.MethodID != frame.MethodConnectionOpenOk {
		return amqpError.New(amqpError.KindUnknown, fmt.Sprintf("unexpected frame during handshake: %s", frame.MethodName(openOkFrame.ClassID, openOkFrame.MethodID)))
	}

	c.setState(ConnOpen)
	go c.controlLoop()
	return nil
}

func (c *Connection) handshakeCloseError(m *frame.Method) error {
	closeMsg, err := frame.DecodeConnectionClose(m.Args)
	if err != nil {
		return amqpError.Wrap(amqpError.KindUnknown, err)
	}
	c.setState(ConnClosedByServer)
	return amqpError.FromReplyCode(closeMsg.ReplyCode, closeMsg.ReplyText, closeMsg.ClassID, closeMsg.MethodID, true)
}

func decodeExpected[T any](m *frame.Method, classID, methodID uint16, decode func([]byte) (T, error)) (T, error) {
	var zero T
	if m.ClassID != classID || m.MethodID != methodID {
		return zero, amqpError.New(amqpError.KindUnknown, "unexpected method "+frame.MethodName(m.ClassID, m.MethodID))
	}
	return decode(m.Args)
}

// recvControl blocks for the next channel-0 method frame, honoring ctx
// cancellation and the connection-timeout configured for the handshake.
func (c *Connection) recvControl(ctx context.Context) (*frame.Method, error) {
	deadline := time.After(c.params.ConnectionTimeout)
	if c.params.ConnectionTimeout <= 0 {
		deadline = nil
	}
	select {
	case f := <-c.controlIn:
		return frame.DecodeMethod(f.Payload)
	case <-ctx.Done():
		return nil, amqpError.New(amqpError.KindRpcTimeout, ctx.Err().Error())
	case <-deadline:
		return nil, amqpError.New(amqpError.KindRpcTimeout, "handshake timed out")
	case <-c.done:
		return nil, amqpError.ErrConnectionReset
	}
}

func (c *Connection) sendControlMethod(classID, methodID uint16, m interface{ Marshal() ([]byte, error) }) error {
	args, err := m.Marshal()
	if err != nil {
		return amqpError.Wrap(amqpError.KindUnknown, err)
	}
	payload := frame.EncodeMethod(classID, methodID, args)
	return c.enqueue(0, &frame.Frame{Type: frame.TypeMethod, Channel: 0, Payload: payload})
}

// enqueue hands one atomic frame group to the writer goroutine.
func (c *Connection) enqueue(_ uint16, frames ...*frame.Frame) error {
	select {
	case c.outbound <- outboundItem{frames: frames}:
		return nil
	case <-c.done:
		return amqpError.ErrConnectionReset
	}
}

// controlLoop runs for the lifetime of an OPEN connection, handling
// asynchronous channel-0 traffic: connection.close from the broker,
// blocked/unblocked notifications, and satisfying whatever waiter
// Close() has registered for connection.close-ok.
func (c *Connection) controlLoop() {
	for {
		select {
		case f, ok := <-c.controlIn:
			if !ok {
				return
			}
			c.handleControlFrame(f)
		case <-c.done:
			return
		}
	}
}

func (c *Connection) handleControlFrame(f *frame.Frame) {
	m, err := frame.DecodeMethod(f.Payload)
	if err != nil {
		c.log.Err("connection: bad method frame: %v", err)
		return
	}

	c.waiterMu.Lock()
	w := c.waiter
	if w != nil && w.matches(m.ClassID, m.MethodID) {
		c.waiter = nil
		c.waiterMu.Unlock()
		w.deliver(m)
		return
	}
	c.waiterMu.Unlock()

	switch {
	case m.ClassID == frame.ClassConnection && m.MethodID == frame.MethodConnectionClose:
		c.onRemoteClose(m)
	case m.ClassID == frame.ClassConnection && m.MethodID == frame.MethodConnectionBlocked:
		c.mu.Lock()
		c.blocked = true
		c.mu.Unlock()
	case m.ClassID == frame.ClassConnection && m.MethodID == frame.MethodConnectionUnblock:
		c.mu.Lock()
		c.blocked = false
		c.mu.Unlock()
	default:
		c.log.Warn("connection: unexpected frame %s", frame.MethodName(m.ClassID, m.MethodID))
	}
}

func (c *Connection) onRemoteClose(m *frame.Method) {
	closeMsg, err := frame.DecodeConnectionClose(m.Args)
	if err != nil {
		return
	}
	c.setState(ConnClosedByServer)
	amqpErr := amqpError.FromReplyCode(closeMsg.ReplyCode, closeMsg.ReplyText, closeMsg.ClassID, closeMsg.MethodID, false)

	c.mu.Lock()
	c.closeErr = amqpErr
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.remoteClosed(amqpErr)
	}

	_ = c.sendControlMethod(frame.ClassConnection, frame.MethodConnectionCloseOk, closeOkMarshaler{})
	c.shutdown()
}

type closeOkMarshaler struct{}

func (closeOkMarshaler) Marshal() ([]byte, error) { return nil, nil }

// Channel allocates the lowest free channel id, opens it with the
// broker, and returns the resulting Channel.
func (c *Connection) Channel(ctx context.Context) (*Channel, error) {
	c.mu.Lock()
	if c.state != ConnOpen {
		c.mu.Unlock()
		return nil, amqpError.ErrConnectionReset
	}
	limit := c.channelMax
	if limit == 0 {
		limit = 65535
	}
	var id uint16
	found := false
	for i := uint16(1); ; i++ {
		if _, taken := c.channels[i]; !taken {
			id = i
			found = true
			break
		}
		if i == limit {
			break
		}
	}
	if !found {
		c.mu.Unlock()
		return nil, amqpError.New(amqpError.KindNoFreeChannels, "channel_max exhausted")
	}
	ch := newChannel(id, c, c.log)
	c.channels[id] = ch
	c.mu.Unlock()

	if err := ch.open(ctx); err != nil {
		c.mu.Lock()
		delete(c.channels, id)
		c.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

func (c *Connection) releaseChannel(id uint16) {
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

// Close performs a graceful shutdown: close every open channel, then
// close the connection itself, then stop the I/O worker.
func (c *Connection) Close(ctx context.Context, replyCode uint16, replyText string) error {
	c.mu.Lock()
	if c.state != ConnOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = ConnClosing
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close(ctx, 200, "connection closing")
	}

	w := newWaiter(key(frame.ClassConnection, frame.MethodConnectionCloseOk), key(frame.ClassConnection, frame.MethodConnectionClose))
	c.waiterMu.Lock()
	c.waiter = w
	c.waiterMu.Unlock()

	closeArgs := frame.ConnectionClose{ReplyCode: replyCode, ReplyText: replyText}
	if err := c.sendControlMethod(frame.ClassConnection, frame.MethodConnectionClose, closeArgs); err != nil {
		c.shutdown()
		return err
	}

	select {
	case <-w.resp:
	case <-w.err:
	case <-ctx.Done():
	case <-c.done:
	}

	c.setState(ConnClosedByClient)
	c.enqueueShutdown()
	c.waitWorkers()
	return nil
}

func (c *Connection) enqueueShutdown() {
	select {
	case c.outbound <- outboundItem{shutdown: true}:
	case <-c.done:
	}
}

func (c *Connection) waitWorkers() {
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
	}
}

// readLoop owns the socket read side: it blocks in frame.ReadFrame,
// resets the read deadline to twice the heartbeat interval on every
// call (so a silent broker trips ConnectionReset), and routes every
// frame it decodes to either the control queue (channel 0) or the
// owning Channel's inbound queue.
func (c *Connection) readLoop() {
	for {
		c.mu.Lock()
		hb := c.heartbeat
		fm := c.frameMax
		c.mu.Unlock()

		if hb > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Duration(hb) * time.Second))
		} else {
			_ = c.conn.SetReadDeadline(time.Time{})
		}

		f, err := frame.ReadFrame(c.conn, fm)
		if err != nil {
			c.onFatalRead(err)
			return
		}
		c.dispatchInbound(f)

		c.mu.Lock()
		closing := c.state == ConnClosedByServer || c.state == ConnClosedByClient
		c.mu.Unlock()
		if closing {
			return
		}
	}
}

func (c *Connection) dispatchInbound(f *frame.Frame) {
	if f.Type == frame.TypeHeartbeat {
		c.log.Debug("received heartbeat frame")
		return
	}
	if f.Channel == 0 {
		select {
		case c.controlIn <- f:
		case <-c.done:
		}
		return
	}
	c.mu.Lock()
	ch := c.channels[f.Channel]
	c.mu.Unlock()
	if ch == nil {
		c.log.Warn("connection: frame for unknown channel %d", f.Channel)
		return
	}
	ch.deliverInbound(f)
}

func (c *Connection) onFatalRead(err error) {
	kind := amqpError.KindConnectionReset
	amqpErr := amqpError.Wrap(kind, err)
	if errors.Is(err, io.EOF) {
		amqpErr.Reason = "connection reset: EOF"
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		amqpErr.Reason = "heartbeat timeout"
	}

	c.mu.Lock()
	already := c.state == ConnClosedByServer || c.state == ConnClosedByClient
	c.state = ConnClosedByServer
	c.closeErr = amqpErr
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	if already {
		return
	}

	c.waiterMu.Lock()
	if c.waiter != nil {
		c.waiter.fail(amqpErr)
		c.waiter = nil
	}
	c.waiterMu.Unlock()

	for _, ch := range channels {
		ch.remoteClosed(amqpErr)
	}
	c.shutdown()
}

// writeLoop owns the socket write side: it drains the outbound queue in
// order and emits a heartbeat frame whenever nothing has been written
// for a full heartbeat interval.
func (c *Connection) writeLoop() {
	var ticker *time.Ticker
	var tickC <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		if tickC == nil {
			c.mu.Lock()
			hb := c.heartbeat
			c.mu.Unlock()
			if hb > 0 {
				ticker = time.NewTicker(time.Duration(hb) * time.Second / 2)
				tickC = ticker.C
			}
		}
		select {
		case item, ok := <-c.outbound:
			if !ok {
				return
			}
			for _, f := range item.frames {
				if err := frame.WriteFrame(c.conn, f); err != nil {
					c.onFatalRead(err)
					return
				}
			}
			c.lastWrite.Store(time.Now().UnixNano())
			if item.shutdown {
				_ = c.conn.Close()
				c.closeOnce.Do(func() { close(c.done) })
				return
			}
		case <-tickC:
			c.mu.Lock()
			hbNow := c.heartbeat
			c.mu.Unlock()
			if hbNow == 0 {
				continue
			}
			last := time.Unix(0, c.lastWrite.Load())
			if time.Since(last) >= time.Duration(hbNow)*time.Second {
				_ = frame.WriteFrame(c.conn, &frame.Frame{Type: frame.TypeHeartbeat, Channel: 0})
				c.lastWrite.Store(time.Now().UnixNano())
				c.log.Debug("sent heartbeat frame")
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		close(c.done)
	})
}

// FrameMax returns the negotiated frame_max, used by Channel to size
// outbound content bodies.
func (c *Connection) FrameMax() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameMax
}

// Done returns a channel closed once the connection's I/O workers exit.
func (c *Connection) Done() <-chan struct{} { return c.done }

// CloseErr returns the error that caused an asynchronous shutdown, if
// any.
func (c *Connection) CloseErr() *amqpError.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}
