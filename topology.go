package rabbitwire

import "context"

// QueueOptions carries the arguments queue.declare accepts beyond its
// durable/exclusive/auto-delete flags: broker-interpreted x-arguments for
// TTL, length limits and dead-lettering.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool

	Expires              int // x-expires, ms
	MessageTTL           int // x-message-ttl, ms
	MaxLength            int // x-max-length
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

func (o QueueOptions) arguments() map[string]any {
	args := map[string]any{}
	if o.Expires > 0 {
		args["x-expires"] = int32(o.Expires)
	}
	if o.MessageTTL > 0 {
		args["x-message-ttl"] = int32(o.MessageTTL)
	}
	if o.MaxLength > 0 {
		args["x-max-length"] = int32(o.MaxLength)
	}
	if o.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = o.DeadLetterExchange
	}
	if o.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = o.DeadLetterRoutingKey
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// Queue is a thin request builder over Channel for the queue.* methods,
// caching the broker-assigned name and counts from the last declare.
type Queue struct {
	ch   *Channel
	Name string

	MessageCount  uint32
	ConsumerCount uint32
}

// NewQueue returns a Queue bound to ch. Call Declare before using it,
// unless name refers to a queue already declared elsewhere.
func NewQueue(ch *Channel, name string) *Queue {
	return &Queue{ch: ch, Name: name}
}

// Declare sends queue.declare with opts and stores the broker-assigned
// name (relevant for the server-generated-name case) and counts.
func (q *Queue) Declare(ctx context.Context, opts QueueOptions) error {
	res, err := q.ch.ch.QueueDeclare(ctx, q.Name, opts.Durable, opts.Exclusive, opts.AutoDelete, opts.arguments())
	if err != nil {
		return err
	}
	q.Name = res.Queue
	q.MessageCount = res.MessageCount
	q.ConsumerCount = res.ConsumerCount
	return nil
}

// Len re-declares the queue passively to read its current message count.
// This is a network round-trip on every call rather than a cached value,
// which is the only way to observe a count that changes broker-side.
func (q *Queue) Len(ctx context.Context) (uint32, error) {
	res, err := q.ch.ch.QueueDeclarePassive(ctx, q.Name)
	if err != nil {
		return 0, err
	}
	q.MessageCount = res.MessageCount
	q.ConsumerCount = res.ConsumerCount
	return res.MessageCount, nil
}

// Bind binds the queue to exchange under routingKey.
func (q *Queue) Bind(ctx context.Context, exchange, routingKey string, arguments map[string]any) error {
	return q.ch.ch.QueueBind(ctx, q.Name, exchange, routingKey, arguments)
}

// Unbind removes a binding previously created with Bind.
func (q *Queue) Unbind(ctx context.Context, exchange, routingKey string, arguments map[string]any) error {
	return q.ch.ch.QueueUnbind(ctx, q.Name, exchange, routingKey, arguments)
}

// Purge discards all ready messages and returns how many were removed.
func (q *Queue) Purge(ctx context.Context) (uint32, error) {
	return q.ch.ch.QueuePurge(ctx, q.Name)
}

// Delete removes the queue and returns how many messages it held.
func (q *Queue) Delete(ctx context.Context, ifUnused, ifEmpty bool) (uint32, error) {
	return q.ch.ch.QueueDelete(ctx, q.Name, ifUnused, ifEmpty)
}

// Get performs a one-shot basic.get against the queue.
func (q *Queue) Get(ctx context.Context, noAck bool) (*Delivery, error) {
	return q.ch.Get(ctx, q.Name, noAck)
}

// Consume opens a basic.consume subscription against the queue.
func (q *Queue) Consume(ctx context.Context, consumerTag string, noAck, exclusive bool, prefetchCount uint16, priority uint8, args map[string]any) (*Consumer, error) {
	return q.ch.Consume(ctx, q.Name, consumerTag, noAck, exclusive, prefetchCount, priority, args)
}

// Exchange is a thin request builder over Channel for the exchange.*
// methods.
type Exchange struct {
	ch   *Channel
	Name string
	Kind string
}

// NewExchange returns an Exchange bound to ch.
func NewExchange(ch *Channel, name, kind string) *Exchange {
	return &Exchange{ch: ch, Name: name, Kind: kind}
}

// Declare sends exchange.declare.
func (e *Exchange) Declare(ctx context.Context, durable, autoDelete, internal bool, arguments map[string]any) error {
	return e.ch.ch.ExchangeDeclare(ctx, e.Name, e.Kind, durable, autoDelete, internal, arguments)
}

// DeclarePassive checks that the exchange exists without altering it.
func (e *Exchange) DeclarePassive(ctx context.Context) error {
	return e.ch.ch.ExchangeDeclarePassive(ctx, e.Name)
}

// Bind binds e as the destination of source under routingKey (exchange-
// to-exchange binding).
func (e *Exchange) Bind(ctx context.Context, source, routingKey string, arguments map[string]any) error {
	return e.ch.ch.ExchangeBind(ctx, e.Name, source, routingKey, arguments)
}

// Unbind removes an exchange-to-exchange binding previously created with
// Bind.
func (e *Exchange) Unbind(ctx context.Context, source, routingKey string, arguments map[string]any) error {
	return e.ch.ch.ExchangeUnbind(ctx, e.Name, source, routingKey, arguments)
}

// Delete removes the exchange.
func (e *Exchange) Delete(ctx context.Context, ifUnused bool) error {
	return e.ch.ch.ExchangeDelete(ctx, e.Name, ifUnused)
}

// Publish sends a message to the exchange under routingKey.
func (e *Exchange) Publish(ctx context.Context, routingKey string, msg Message, mandatory, immediate bool) (bool, error) {
	return e.ch.Publish(ctx, e.Name, routingKey, msg, mandatory, immediate)
}

// Tx scopes a channel transaction: Select puts the channel into
// transactional mode, and the caller must call Commit or Rollback
// exactly once before issuing further publishes outside the tx.
type Tx struct {
	ch *Channel
}

// NewTx returns a Tx over ch. Call Select before publishing.
func NewTx(ch *Channel) *Tx { return &Tx{ch: ch} }

// Select sends tx.select, putting the channel into transactional mode.
func (t *Tx) Select(ctx context.Context) error { return t.ch.ch.BeginTx(ctx) }

// Commit sends tx.commit, making every publish and ack since the last
// Select/Commit/Rollback visible to the broker.
func (t *Tx) Commit(ctx context.Context) error { return t.ch.ch.CommitTx(ctx) }

// Rollback sends tx.rollback, discarding every publish and ack since the
// last Select/Commit/Rollback.
func (t *Tx) Rollback(ctx context.Context) error { return t.ch.ch.RollbackTx(ctx) }

// Do runs fn inside a transaction: Select before, Commit if fn returns
// nil, Rollback otherwise. The rollback/commit error, if any, is
// returned in preference to fn's own error only when fn succeeded.
func (t *Tx) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := t.Select(ctx); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			t.Rollback(ctx)
			return
		}
		err = t.Commit(ctx)
	}()
	return fn(ctx)
}
