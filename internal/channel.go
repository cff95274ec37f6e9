package internal

import (
	"context"
	"sync"
	"time"

	"github.com/aleybovich/rabbitwire/amqperror"
	"github.com/aleybovich/rabbitwire/internal/frame"
	"github.com/aleybovich/rabbitwire/logger"
	"golang.org/x/time/rate"
)

// ChanState is a channel's lifecycle state, mirroring the connection-level
// state machine but scoped to one channel id.
type ChanState int32

const (
	ChanClosed ChanState = iota
	ChanOpening
	ChanOpen
	ChanClosing
	ChanRemoteClosed
)

// OutboxRecord is what a Channel hands its optional storage.StorageProvider
// while a publish awaits its confirm, so an unacked publish survives a
// process restart and can be resent or reconciled on reconnect.
type OutboxRecord struct {
	SeqNo      uint64
	Exchange   string
	RoutingKey string
	Properties frame.Properties
	Body       []byte
}

// OutboxStore is the narrow slice of storage.StorageProvider a Channel
// needs; kept as a local interface so this package never imports the
// storage package directly.
type OutboxStore interface {
	Put(record OutboxRecord) error
	Delete(seqNo uint64) error
}

type confirmWaiter struct {
	tag     uint64
	outcome chan confirmOutcome
}

type confirmOutcome struct {
	ack bool
	err *amqpError.Error
}

// Channel is one AMQP channel multiplexed over a Connection: a single
// in-flight RPC at a time (enforced by opMu), a dedicated pump goroutine
// that classifies inbound frames and drives content reassembly, and the
// bookkeeping publisher confirms, transactions and consumers need.
type Channel struct {
	id   uint16
	conn *Connection
	log  logger.Logger

	mu       sync.Mutex
	state    ChanState
	closeErr *amqpError.Error

	closedSig *Signal
	flowSig   *Signal

	opMu sync.Mutex

	waiterMu sync.Mutex
	waiter   *waiter

	confirmMu        sync.Mutex
	confirmsEnabled  bool
	nextPublishSeqNo uint64
	confirmWaiter    *confirmWaiter

	txEnabled bool

	consumersMu sync.Mutex
	consumers   map[string]*Consumer

	getWaiter chan *Delivery

	inbound chan *frame.Frame
	done    chan struct{}
	once    sync.Once

	reassembly reassembly

	outbox      OutboxStore
	rateLimiter *rate.Limiter
}

func newChannel(id uint16, conn *Connection, log logger.Logger) *Channel {
	if log == nil {
		log = &logger.NilLogger{}
	}
	ch := &Channel{
		id:        id,
		conn:      conn,
		log:       log,
		consumers: make(map[string]*Consumer),
		closedSig: NewSignal(),
		flowSig:   NewSignal(),
		getWaiter: make(chan *Delivery, 1),
		inbound:   make(chan *frame.Frame, 64),
		done:      make(chan struct{}),
	}
	ch.flowSig.Set() // flow is active until told otherwise
	go ch.pump()
	return ch
}

// SetOutbox attaches a persisted-confirm outbox; Publish will record every
// confirm-tracked publish before it hits the wire and clear the record
// once the broker's ack, nack or return for it is observed.
func (ch *Channel) SetOutbox(store OutboxStore) {
	ch.mu.Lock()
	ch.outbox = store
	ch.mu.Unlock()
}

// SetRateLimiter throttles Publish to the given rate.
func (ch *Channel) SetRateLimiter(l *rate.Limiter) {
	ch.mu.Lock()
	ch.rateLimiter = l
	ch.mu.Unlock()
}

func (ch *Channel) ID() uint16 { return ch.id }

func (ch *Channel) State() ChanState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) setState(s ChanState) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

// open performs channel.open / channel.open-ok.
func (ch *Channel) open(ctx context.Context) error {
	ch.setState(ChanOpening)
	_, err := ch.rpc(ctx, frame.ClassChannel, frame.MethodChannelOpen, frame.ChannelOpen{},
		key(frame.ClassChannel, frame.MethodChannelOpenOk))
	if err != nil {
		ch.setState(ChanClosed)
		return err
	}
	ch.setState(ChanOpen)
	return nil
}

// rpc sends one method frame and, if expect is non-empty, blocks for a
// matching reply. Only one rpc/Publish/Get call is ever in flight on a
// channel at a time; opMu enforces that.
func (ch *Channel) rpc(ctx context.Context, classID, methodID uint16, m interface{ Marshal() ([]byte, error) }, expect ...methodKey) (*frame.Method, error) {
	ch.opMu.Lock()
	defer ch.opMu.Unlock()

	ch.mu.Lock()
	state := ch.state
	closeErr := ch.closeErr
	ch.mu.Unlock()
	if state != ChanOpen && state != ChanOpening {
		guardErr := &amqpError.Error{Kind: amqpError.KindChannelClosed}
		if closeErr != nil {
			guardErr.Cause = closeErr
		}
		return nil, guardErr
	}

	args, err := m.Marshal()
	if err != nil {
		return nil, amqpError.Wrap(amqpError.KindUnknown, err)
	}
	f := &frame.Frame{Type: frame.TypeMethod, Channel: ch.id, Payload: frame.EncodeMethod(classID, methodID, args)}

	if len(expect) == 0 {
		return nil, ch.conn.enqueue(ch.id, f)
	}

	w := newWaiter(expect...)
	ch.waiterMu.Lock()
	ch.waiter = w
	ch.waiterMu.Unlock()

	if err := ch.conn.enqueue(ch.id, f); err != nil {
		ch.waiterMu.Lock()
		ch.waiter = nil
		ch.waiterMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-w.resp:
		return resp, nil
	case e := <-w.err:
		return nil, e
	case <-ch.closedSig.C():
		ch.waiterMu.Lock()
		ch.waiter = nil
		ch.waiterMu.Unlock()
		ch.mu.Lock()
		ce := ch.closeErr
		ch.mu.Unlock()
		if ce != nil {
			return nil, ce
		}
		return nil, amqpError.ErrChannelClosed
	case <-ctx.Done():
		ch.waiterMu.Lock()
		ch.waiter = nil
		ch.waiterMu.Unlock()
		return nil, amqpError.New(amqpError.KindRpcTimeout, ctx.Err().Error())
	case <-ch.conn.Done():
		return nil, amqpError.ErrConnectionReset
	}
}

// --- exchange / queue topology ---

func (ch *Channel) ExchangeDeclare(ctx context.Context, name, kind string, durable, autoDelete, internal bool, args frame.Table) error {
	_, err := ch.rpc(ctx, frame.ClassExchange, frame.MethodExchangeDeclare,
		frame.ExchangeDeclare{Exchange: name, Type: kind, Durable: durable, AutoDelete: autoDelete, Internal: internal, Arguments: args},
		key(frame.ClassExchange, frame.MethodExchangeDeclareOk))
	return err
}

func (ch *Channel) ExchangeDeclarePassive(ctx context.Context, name string) error {
	_, err := ch.rpc(ctx, frame.ClassExchange, frame.MethodExchangeDeclare,
		frame.ExchangeDeclare{Exchange: name, Passive: true},
		key(frame.ClassExchange, frame.MethodExchangeDeclareOk))
	return err
}

func (ch *Channel) ExchangeDelete(ctx context.Context, name string, ifUnused bool) error {
	_, err := ch.rpc(ctx, frame.ClassExchange, frame.MethodExchangeDelete,
		frame.ExchangeDelete{Exchange: name, IfUnused: ifUnused},
		key(frame.ClassExchange, frame.MethodExchangeDeleteOk))
	return err
}

func (ch *Channel) ExchangeBind(ctx context.Context, destination, source, routingKey string, args frame.Table) error {
	_, err := ch.rpc(ctx, frame.ClassExchange, frame.MethodExchangeBind,
		frame.ExchangeBind{Destination: destination, Source: source, RoutingKey: routingKey, Arguments: args},
		key(frame.ClassExchange, frame.MethodExchangeBindOk))
	return err
}

func (ch *Channel) ExchangeUnbind(ctx context.Context, destination, source, routingKey string, args frame.Table) error {
	_, err := ch.rpc(ctx, frame.ClassExchange, frame.MethodExchangeUnbind,
		frame.ExchangeUnbind{Destination: destination, Source: source, RoutingKey: routingKey, Arguments: args},
		key(frame.ClassExchange, frame.MethodExchangeUnbindOk))
	return err
}

// QueueDeclareResult mirrors queue.declare-ok.
type QueueDeclareResult struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

func (ch *Channel) QueueDeclare(ctx context.Context, name string, durable, exclusive, autoDelete bool, args frame.Table) (*QueueDeclareResult, error) {
	resp, err := ch.rpc(ctx, frame.ClassQueue, frame.MethodQueueDeclare,
		frame.QueueDeclare{Queue: name, Durable: durable, Exclusive: exclusive, AutoDelete: autoDelete, Arguments: args},
		key(frame.ClassQueue, frame.MethodQueueDeclareOk))
	if err != nil {
		return nil, err
	}
	ok, err := frame.DecodeQueueDeclareOk(resp.Args)
	if err != nil {
		return nil, amqpError.Wrap(amqpError.KindUnknown, err)
	}
	return &QueueDeclareResult{Queue: ok.Queue, MessageCount: ok.MessageCount, ConsumerCount: ok.ConsumerCount}, nil
}

// QueueDeclarePassive re-declares an existing queue to read back its
// current message/consumer counts without altering it. Used by Queue.Len.
func (ch *Channel) QueueDeclarePassive(ctx context.Context, name string) (*QueueDeclareResult, error) {
	resp, err := ch.rpc(ctx, frame.ClassQueue, frame.MethodQueueDeclare,
		frame.QueueDeclare{Queue: name, Passive: true},
		key(frame.ClassQueue, frame.MethodQueueDeclareOk))
	if err != nil {
		return nil, err
	}
	ok, err := frame.DecodeQueueDeclareOk(resp.Args)
	if err != nil {
		return nil, amqpError.Wrap(amqpError.KindUnknown, err)
	}
	return &QueueDeclareResult{Queue: ok.Queue, MessageCount: ok.MessageCount, ConsumerCount: ok.ConsumerCount}, nil
}

func (ch *Channel) QueueBind(ctx context.Context, queue, exchange, routingKey string, args frame.Table) error {
	_, err := ch.rpc(ctx, frame.ClassQueue, frame.MethodQueueBind,
		frame.QueueBind{Queue: queue, Exchange: exchange, RoutingKey: routingKey, Arguments: args},
		key(frame.ClassQueue, frame.MethodQueueBindOk))
	return err
}

func (ch *Channel) QueueUnbind(ctx context.Context, queue, exchange, routingKey string, args frame.Table) error {
	_, err := ch.rpc(ctx, frame.ClassQueue, frame.MethodQueueUnbind,
		frame.QueueUnbind{Queue: queue, Exchange: exchange, RoutingKey: routingKey, Arguments: args},
		key(frame.ClassQueue, frame.MethodQueueUnbindOk))
	return err
}

func (ch *Channel) QueuePurge(ctx context.Context, queue string) (uint32, error) {
	resp, err := ch.rpc(ctx, frame.ClassQueue, frame.MethodQueuePurge,
		frame.QueuePurge{Queue: queue}, key(frame.ClassQueue, frame.MethodQueuePurgeOk))
	if err != nil {
		return 0, err
	}
	ok, err := frame.DecodeQueuePurgeOk(resp.Args)
	if err != nil {
		return 0, amqpError.Wrap(amqpError.KindUnknown, err)
	}
	return ok.MessageCount, nil
}

func (ch *Channel) QueueDelete(ctx context.Context, queue string, ifUnused, ifEmpty bool) (uint32, error) {
	resp, err := ch.rpc(ctx, frame.ClassQueue, frame.MethodQueueDelete,
		frame.QueueDelete{Queue: queue, IfUnused: ifUnused, IfEmpty: ifEmpty},
		key(frame.ClassQueue, frame.MethodQueueDeleteOk))
	if err != nil {
		return 0, err
	}
	ok, err := frame.DecodeQueueDeleteOk(resp.Args)
	if err != nil {
		return 0, amqpError.Wrap(amqpError.KindUnknown, err)
	}
	return ok.MessageCount, nil
}

// --- qos / confirms / tx ---

func (ch *Channel) Qos(ctx context.Context, prefetchCount uint16, prefetchSize uint32, global bool) error {
	_, err := ch.rpc(ctx, frame.ClassBasic, frame.MethodBasicQos,
		frame.BasicQos{PrefetchSize: prefetchSize, PrefetchCount: prefetchCount, Global: global},
		key(frame.ClassBasic, frame.MethodBasicQosOk))
	return err
}

func (ch *Channel) EnablePublisherConfirms(ctx context.Context) error {
	ch.mu.Lock()
	tx := ch.txEnabled
	ch.mu.Unlock()
	if tx {
		return amqpError.New(amqpError.KindNotSupported, "cannot enable publisher confirms on a transactional channel")
	}
	_, err := ch.rpc(ctx, frame.ClassConfirm, frame.MethodConfirmSelect, frame.ConfirmSelect{},
		key(frame.ClassConfirm, frame.MethodConfirmSelectOk))
	if err != nil {
		return err
	}
	ch.confirmMu.Lock()
	ch.confirmsEnabled = true
	ch.nextPublishSeqNo = 1
	ch.confirmMu.Unlock()
	return nil
}

func (ch *Channel) InConfirmMode() bool {
	ch.confirmMu.Lock()
	defer ch.confirmMu.Unlock()
	return ch.confirmsEnabled
}

func (ch *Channel) BeginTx(ctx context.Context) error {
	ch.confirmMu.Lock()
	confirms := ch.confirmsEnabled
	ch.confirmMu.Unlock()
	if confirms {
		return amqpError.New(amqpError.KindNotSupported, "cannot start a transaction on a channel with publisher confirms enabled")
	}
	_, err := ch.rpc(ctx, frame.ClassTx, frame.MethodTxSelect, frame.TxSelect{}, key(frame.ClassTx, frame.MethodTxSelectOk))
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.txEnabled = true
	ch.mu.Unlock()
	return nil
}

func (ch *Channel) CommitTx(ctx context.Context) error {
	_, err := ch.rpc(ctx, frame.ClassTx, frame.MethodTxCommit, frame.TxCommit{}, key(frame.ClassTx, frame.MethodTxCommitOk))
	return err
}

func (ch *Channel) RollbackTx(ctx context.Context) error {
	_, err := ch.rpc(ctx, frame.ClassTx, frame.MethodTxRollback, frame.TxRollback{}, key(frame.ClassTx, frame.MethodTxRollbackOk))
	return err
}

// --- publish ---

// Publish sends a message. When publisher confirms are enabled it blocks
// until the broker acks or nacks the delivery-tag it was assigned,
// returning ack=false for a nack rather than an error. Outside confirm
// mode and outside a transaction it returns immediately once the frames
// are handed to the writer goroutine.
func (ch *Channel) Publish(ctx context.Context, exchange, routingKey string, props frame.Properties, body []byte, mandatory, immediate bool) (bool, error) {
	ch.opMu.Lock()
	defer ch.opMu.Unlock()

	select {
	case <-ch.flowSig.C():
	case <-ctx.Done():
		return false, amqpError.New(amqpError.KindRpcTimeout, ctx.Err().Error())
	case <-ch.closedSig.C():
		return false, ch.currentCloseErr()
	}

	ch.mu.Lock()
	state := ch.state
	rl := ch.rateLimiter
	outbox := ch.outbox
	ch.mu.Unlock()
	if state != ChanOpen {
		return false, amqpError.ErrChannelClosed
	}

	if rl != nil {
		if err := rl.Wait(ctx); err != nil {
			return false, amqpError.New(amqpError.KindRpcTimeout, err.Error())
		}
	}

	ch.confirmMu.Lock()
	confirms := ch.confirmsEnabled
	var tag uint64
	if confirms {
		tag = ch.nextPublishSeqNo
		ch.nextPublishSeqNo++
	}
	ch.confirmMu.Unlock()

	if outbox != nil && confirms {
		_ = outbox.Put(OutboxRecord{SeqNo: tag, Exchange: exchange, RoutingKey: routingKey, Properties: props, Body: body})
	}

	var cw *confirmWaiter
	if confirms {
		cw = &confirmWaiter{tag: tag, outcome: make(chan confirmOutcome, 1)}
		ch.confirmMu.Lock()
		ch.confirmWaiter = cw
		ch.confirmMu.Unlock()
	}

	frames := ch.buildPublishFrames(exchange, routingKey, mandatory, immediate, props, body)
	if err := ch.conn.enqueue(ch.id, frames...); err != nil {
		return false, err
	}

	ch.mu.Lock()
	tx := ch.txEnabled
	ch.mu.Unlock()
	if tx || !confirms {
		return true, nil
	}

	select {
	case outcome := <-cw.outcome:
		if outbox != nil {
			_ = outbox.Delete(tag)
		}
		if outcome.err != nil {
			return false, outcome.err
		}
		return outcome.ack, nil
	case <-ch.closedSig.C():
		return false, ch.currentCloseErr()
	case <-ctx.Done():
		return false, amqpError.New(amqpError.KindRpcTimeout, ctx.Err().Error())
	case <-ch.conn.Done():
		return false, amqpError.ErrConnectionReset
	}
}

func (ch *Channel) currentCloseErr() *amqpError.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closeErr != nil {
		return ch.closeErr
	}
	return amqpError.ErrChannelClosed
}

func (ch *Channel) buildPublishFrames(exchange, routingKey string, mandatory, immediate bool, props frame.Properties, body []byte) []*frame.Frame {
	args, _ := frame.BasicPublish{Exchange: exchange, RoutingKey: routingKey, Mandatory: mandatory, Immediate: immediate}.Marshal()
	frames := []*frame.Frame{
		{Type: frame.TypeMethod, Channel: ch.id, Payload: frame.EncodeMethod(frame.ClassBasic, frame.MethodBasicPublish, args)},
		{Type: frame.TypeHeader, Channel: ch.id, Payload: frame.EncodeContentHeader(frame.ClassBasic, uint64(len(body)), props)},
	}

	chunk := int(ch.conn.FrameMax())
	if chunk > 8 {
		chunk -= 8
	} else {
		chunk = len(body)
	}
	if chunk <= 0 {
		chunk = len(body)
	}
	if chunk <= 0 {
		return frames
	}
	for i := 0; i < len(body); i += chunk {
		end := i + chunk
		if end > len(body) {
			end = len(body)
		}
		frames = append(frames, &frame.Frame{Type: frame.TypeBody, Channel: ch.id, Payload: body[i:end]})
	}
	return frames
}

// --- ack/nack/reject (fire and forget) ---

func (ch *Channel) Ack(deliveryTag uint64, multiple bool) error {
	args, _ := frame.BasicAck{DeliveryTag: deliveryTag, Multiple: multiple}.Marshal()
	return ch.conn.enqueue(ch.id, &frame.Frame{Type: frame.TypeMethod, Channel: ch.id, Payload: frame.EncodeMethod(frame.ClassBasic, frame.MethodBasicAck, args)})
}

func (ch *Channel) Nack(deliveryTag uint64, multiple, requeue bool) error {
	args, _ := frame.BasicNack{DeliveryTag: deliveryTag, Multiple: multiple, Requeue: requeue}.Marshal()
	return ch.conn.enqueue(ch.id, &frame.Frame{Type: frame.TypeMethod, Channel: ch.id, Payload: frame.EncodeMethod(frame.ClassBasic, frame.MethodBasicNack, args)})
}

func (ch *Channel) Reject(deliveryTag uint64, requeue bool) error {
	args, _ := frame.BasicReject{DeliveryTag: deliveryTag, Requeue: requeue}.Marshal()
	return ch.conn.enqueue(ch.id, &frame.Frame{Type: frame.TypeMethod, Channel: ch.id, Payload: frame.EncodeMethod(frame.ClassBasic, frame.MethodBasicReject, args)})
}

func (ch *Channel) Recover(ctx context.Context, requeue bool) error {
	_, err := ch.rpc(ctx, frame.ClassBasic, frame.MethodBasicRecover, frame.BasicRecover{Requeue: requeue},
		key(frame.ClassBasic, frame.MethodBasicRecoverOk))
	return err
}

// --- consume / get ---

func (ch *Channel) Consume(ctx context.Context, queue, consumerTag string, noAck, exclusive bool, args frame.Table) (*Consumer, error) {
	if consumerTag == "" {
		consumerTag = NewConsumerTag()
	}
	resp, err := ch.rpc(ctx, frame.ClassBasic, frame.MethodBasicConsume,
		frame.BasicConsume{Queue: queue, ConsumerTag: consumerTag, NoAck: noAck, Exclusive: exclusive, Arguments: args},
		key(frame.ClassBasic, frame.MethodBasicConsumeOk))
	if err != nil {
		return nil, err
	}
	ok, err := frame.DecodeBasicConsumeOk(resp.Args)
	if err != nil {
		return nil, amqpError.Wrap(amqpError.KindUnknown, err)
	}
	c := &Consumer{Tag: ok.ConsumerTag, Queue: queue, NoAck: noAck, msgs: make(chan *Delivery, 16), done: make(chan struct{})}
	ch.consumersMu.Lock()
	ch.consumers[c.Tag] = c
	ch.consumersMu.Unlock()
	return c, nil
}

func (ch *Channel) Cancel(ctx context.Context, consumerTag string) error {
	_, err := ch.rpc(ctx, frame.ClassBasic, frame.MethodBasicCancel, frame.BasicCancel{ConsumerTag: consumerTag},
		key(frame.ClassBasic, frame.MethodBasicCancelOk))
	ch.consumersMu.Lock()
	if c, ok := ch.consumers[consumerTag]; ok {
		c.markCancelled()
		delete(ch.consumers, consumerTag)
	}
	ch.consumersMu.Unlock()
	return err
}

// Get performs a one-shot basic.get. A nil Delivery with a nil error
// means the queue was empty (basic.get-empty).
func (ch *Channel) Get(ctx context.Context, queue string, noAck bool) (*Delivery, error) {
	ch.opMu.Lock()
	defer ch.opMu.Unlock()

	ch.mu.Lock()
	state := ch.state
	ch.mu.Unlock()
	if state != ChanOpen {
		return nil, amqpError.ErrChannelClosed
	}

	args, _ := frame.BasicGet{Queue: queue, NoAck: noAck}.Marshal()
	f := &frame.Frame{Type: frame.TypeMethod, Channel: ch.id, Payload: frame.EncodeMethod(frame.ClassBasic, frame.MethodBasicGet, args)}
	if err := ch.conn.enqueue(ch.id, f); err != nil {
		return nil, err
	}

	select {
	case d := <-ch.getWaiter:
		return d, nil
	case <-ch.closedSig.C():
		return nil, ch.currentCloseErr()
	case <-ctx.Done():
		return nil, amqpError.New(amqpError.KindRpcTimeout, ctx.Err().Error())
	case <-ch.conn.Done():
		return nil, amqpError.ErrConnectionReset
	}
}

// --- close / teardown ---

func (ch *Channel) Close(ctx context.Context, replyCode uint16, replyText string) error {
	ch.mu.Lock()
	if ch.state != ChanOpen && ch.state != ChanOpening {
		ch.mu.Unlock()
		return nil
	}
	ch.state = ChanClosing
	ch.mu.Unlock()
	ch.closedSig.Set()
	ch.cancelAllConsumers()

	w := newWaiter(key(frame.ClassChannel, frame.MethodChannelCloseOk), key(frame.ClassChannel, frame.MethodChannelClose))
	ch.waiterMu.Lock()
	ch.waiter = w
	ch.waiterMu.Unlock()

	args, _ := frame.ChannelClose{ReplyCode: replyCode, ReplyText: replyText}.Marshal()
	f := &frame.Frame{Type: frame.TypeMethod, Channel: ch.id, Payload: frame.EncodeMethod(frame.ClassChannel, frame.MethodChannelClose, args)}
	if err := ch.conn.enqueue(ch.id, f); err != nil {
		ch.finalize()
		return nil
	}

	select {
	case <-w.resp:
	case <-w.err:
	case <-ctx.Done():
	case <-ch.conn.Done():
	case <-time.After(5 * time.Second):
	}

	ch.mu.Lock()
	ch.state = ChanClosed
	ch.mu.Unlock()
	ch.finalize()
	return nil
}

// remoteClosed is invoked by the Connection when the broker closes this
// channel (channel.close) or when the whole connection is torn down.
func (ch *Channel) remoteClosed(err *amqpError.Error) {
	ch.mu.Lock()
	if ch.state == ChanClosed || ch.state == ChanRemoteClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = ChanRemoteClosed
	ch.closeErr = err
	ch.mu.Unlock()

	ch.closedSig.Set()

	ch.waiterMu.Lock()
	if ch.waiter != nil {
		ch.waiter.fail(err)
		ch.waiter = nil
	}
	ch.waiterMu.Unlock()

	ch.confirmMu.Lock()
	if ch.confirmWaiter != nil {
		select {
		case ch.confirmWaiter.outcome <- confirmOutcome{err: err}:
		default:
		}
		ch.confirmWaiter = nil
	}
	ch.confirmMu.Unlock()

	select {
	case ch.getWaiter <- nil:
	default:
	}

	ch.cancelAllConsumers()
	ch.finalize()
}

func (ch *Channel) cancelAllConsumers() {
	ch.consumersMu.Lock()
	for tag, c := range ch.consumers {
		c.markCancelled()
		delete(ch.consumers, tag)
	}
	ch.consumersMu.Unlock()
}

func (ch *Channel) finalize() {
	ch.once.Do(func() { close(ch.done) })
	ch.conn.releaseChannel(ch.id)
}

// deliverInbound is called from the Connection's readLoop to hand this
// channel's next frame to its pump goroutine.
func (ch *Channel) deliverInbound(f *frame.Frame) {
	select {
	case ch.inbound <- f:
	case <-ch.done:
	}
}

// pump is the channel's single reader: it processes exactly one frame at
// a time, in arrival order, so a content sequence (method + header +
// bodies) is never interleaved with anything else on this channel.
func (ch *Channel) pump() {
	for {
		select {
		case f, ok := <-ch.inbound:
			if !ok {
				return
			}
			ch.handleFrame(f)
		case <-ch.done:
			return
		}
	}
}

func (ch *Channel) handleFrame(f *frame.Frame) {
	switch f.Type {
	case frame.TypeMethod:
		m, err := frame.DecodeMethod(f.Payload)
		if err != nil {
			ch.log.Err("channel %d: bad method frame: %v", ch.id, err)
			return
		}
		ch.handleMethod(m)
	case frame.TypeHeader:
		ch.handleHeader(f.Payload)
	case frame.TypeBody:
		ch.handleBody(f.Payload)
	}
}

func (ch *Channel) handleMethod(m *frame.Method) {
	switch {
	case m.ClassID == frame.ClassBasic && m.MethodID == frame.MethodBasicDeliver:
		d, err := frame.DecodeBasicDeliver(m.Args)
		if err != nil {
			ch.log.Err("channel %d: bad basic.deliver: %v", ch.id, err)
			return
		}
		ch.reassembly = reassembly{kind: reassembleDeliver, delivery: &Delivery{
			ConsumerTag: d.ConsumerTag, DeliveryTag: d.DeliveryTag, Redelivered: d.Redelivered,
			Exchange: d.Exchange, RoutingKey: d.RoutingKey,
		}}
		return

	case m.ClassID == frame.ClassBasic && m.MethodID == frame.MethodBasicReturn:
		r, err := frame.DecodeBasicReturn(m.Args)
		if err != nil {
			ch.log.Err("channel %d: bad basic.return: %v", ch.id, err)
			return
		}
		ch.reassembly = reassembly{kind: reassembleReturn, replyCode: r.ReplyCode, replyText: r.ReplyText, delivery: &Delivery{
			Exchange: r.Exchange, RoutingKey: r.RoutingKey,
		}}
		return

	case m.ClassID == frame.ClassBasic && m.MethodID == frame.MethodBasicGetOk:
		ok, err := frame.DecodeBasicGetOk(m.Args)
		if err != nil {
			ch.log.Err("channel %d: bad basic.get-ok: %v", ch.id, err)
			return
		}
		ch.reassembly = reassembly{kind: reassembleGetOk, delivery: &Delivery{
			DeliveryTag: ok.DeliveryTag, Redelivered: ok.Redelivered, Exchange: ok.Exchange,
			RoutingKey: ok.RoutingKey, MessageCount: ok.MessageCount,
		}}
		return

	case m.ClassID == frame.ClassBasic && m.MethodID == frame.MethodBasicGetEmpty:
		select {
		case ch.getWaiter <- nil:
		default:
		}
		return

	case m.ClassID == frame.ClassBasic && m.MethodID == frame.MethodBasicAck:
		a, err := frame.DecodeBasicAck(m.Args)
		if err == nil {
			ch.resolveConfirm(a.DeliveryTag, a.Multiple, true, nil)
		}
		return

	case m.ClassID == frame.ClassBasic && m.MethodID == frame.MethodBasicNack:
		n, err := frame.DecodeBasicNack(m.Args)
		if err == nil {
			ch.resolveConfirm(n.DeliveryTag, n.Multiple, false, nil)
		}
		return

	case m.ClassID == frame.ClassBasic && m.MethodID == frame.MethodBasicCancel:
		c, err := frame.DecodeBasicCancel(m.Args)
		if err != nil {
			return
		}
		ch.consumersMu.Lock()
		if cons, ok := ch.consumers[c.ConsumerTag]; ok {
			cons.markCancelled()
			delete(ch.consumers, c.ConsumerTag)
		}
		ch.consumersMu.Unlock()
		if !c.NoWait {
			args, _ := frame.BasicCancelOk{ConsumerTag: c.ConsumerTag}.Marshal()
			_ = ch.conn.enqueue(ch.id, &frame.Frame{Type: frame.TypeMethod, Channel: ch.id, Payload: frame.EncodeMethod(frame.ClassBasic, frame.MethodBasicCancelOk, args)})
		}
		return

	case m.ClassID == frame.ClassChannel && m.MethodID == frame.MethodChannelFlow:
		fl, err := frame.DecodeChannelFlow(m.Args)
		if err != nil {
			return
		}
		if fl.Active {
			ch.flowSig.Set()
		} else {
			ch.flowSig.Clear()
		}
		args, _ := frame.ChannelFlow{Active: fl.Active}.Marshal()
		_ = ch.conn.enqueue(ch.id, &frame.Frame{Type: frame.TypeMethod, Channel: ch.id, Payload: frame.EncodeMethod(frame.ClassChannel, frame.MethodChannelFlowOk, args)})
		return

	case m.ClassID == frame.ClassChannel && m.MethodID == frame.MethodChannelClose:
		cc, err := frame.DecodeChannelClose(m.Args)
		if err != nil {
			return
		}
		amqpErr := amqpError.FromReplyCode(cc.ReplyCode, cc.ReplyText, cc.ClassID, cc.MethodID, false)
		ch.remoteClosed(amqpErr)
		args, _ := frame.ChannelCloseOk{}.Marshal()
		_ = ch.conn.enqueue(ch.id, &frame.Frame{Type: frame.TypeMethod, Channel: ch.id, Payload: frame.EncodeMethod(frame.ClassChannel, frame.MethodChannelCloseOk, args)})
		return
	}

	ch.waiterMu.Lock()
	w := ch.waiter
	if w != nil && w.matches(m.ClassID, m.MethodID) {
		ch.waiter = nil
		ch.waiterMu.Unlock()
		w.deliver(m)
		return
	}
	ch.waiterMu.Unlock()
	ch.log.Warn("channel %d: unexpected frame %s", ch.id, frame.MethodName(m.ClassID, m.MethodID))
}

func (ch *Channel) handleHeader(payload []byte) {
	if ch.reassembly.kind == reassembleNone {
		return
	}
	h, err := frame.DecodeContentHeader(payload)
	if err != nil {
		ch.log.Err("channel %d: bad content header: %v", ch.id, err)
		ch.reassembly = reassembly{}
		return
	}
	ch.reassembly.bodySize = h.BodySize
	ch.reassembly.delivery.Properties = h.Properties
	if h.BodySize == 0 {
		ch.finishReassembly()
	}
}

func (ch *Channel) handleBody(payload []byte) {
	if ch.reassembly.kind == reassembleNone {
		return
	}
	ch.reassembly.body = append(ch.reassembly.body, payload...)
	ch.reassembly.collected += uint64(len(payload))
	ch.reassembly.delivery.Body = ch.reassembly.body
	if ch.reassembly.collected >= ch.reassembly.bodySize {
		ch.finishReassembly()
	}
}

func (ch *Channel) finishReassembly() {
	r := ch.reassembly
	ch.reassembly = reassembly{}
	switch r.kind {
	case reassembleDeliver:
		ch.routeDelivery(r.delivery)
	case reassembleReturn:
		ch.resolveReturn(r.delivery, r.replyCode, r.replyText)
	case reassembleGetOk:
		select {
		case ch.getWaiter <- r.delivery:
		default:
		}
	}
}

func (ch *Channel) routeDelivery(d *Delivery) {
	ch.consumersMu.Lock()
	c := ch.consumers[d.ConsumerTag]
	ch.consumersMu.Unlock()
	if c == nil {
		ch.log.Warn("channel %d: delivery for unknown consumer %s", ch.id, d.ConsumerTag)
		return
	}
	c.push(d)
}

func (ch *Channel) resolveReturn(d *Delivery, replyCode uint16, replyText string) {
	amqpErr := amqpError.FromReplyCode(replyCode, replyText, frame.ClassBasic, frame.MethodBasicPublish, false)
	amqpErr.Kind = amqpError.KindMessageReturned

	ch.confirmMu.Lock()
	cw := ch.confirmWaiter
	ch.confirmMu.Unlock()
	if cw != nil {
		select {
		case cw.outcome <- confirmOutcome{err: amqpErr}:
			ch.confirmMu.Lock()
			ch.confirmWaiter = nil
			ch.confirmMu.Unlock()
			return
		default:
		}
	}
	ch.log.Warn("channel %d: message returned unroutable: %s to %s/%s", ch.id, replyText, d.Exchange, d.RoutingKey)
}

func (ch *Channel) resolveConfirm(tag uint64, multiple, ack bool, err *amqpError.Error) {
	ch.confirmMu.Lock()
	cw := ch.confirmWaiter
	if cw == nil {
		ch.confirmMu.Unlock()
		return
	}
	if tag == cw.tag || (multiple && tag >= cw.tag) {
		ch.confirmWaiter = nil
		ch.confirmMu.Unlock()
		select {
		case cw.outcome <- confirmOutcome{ack: ack, err: err}:
		default:
		}
		return
	}
	ch.confirmMu.Unlock()
}
