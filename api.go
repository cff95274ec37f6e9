// Package rabbitwire is a client library for the AMQP 0-9-1 wire protocol
// as spoken by RabbitMQ: connection handshake, channel multiplexing,
// exchange/queue declaration, publish with confirms or transactions, and
// consumption via basic.get or basic.consume.
package rabbitwire

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/aleybovich/rabbitwire/amqperror"
	"github.com/aleybovich/rabbitwire/config"
	"github.com/aleybovich/rabbitwire/internal"
	"github.com/aleybovich/rabbitwire/logger"
	"github.com/aleybovich/rabbitwire/storage"
	"golang.org/x/time/rate"
)

// Connection is one AMQP connection: a handshake, a negotiated frame_max/
// channel_max/heartbeat, and the channels opened over it.
type Connection struct {
	conn *internal.Connection
	log  logger.Logger
	cfg  config.ConnectionConfig
}

// ConnectionOption configures a Connection during Dial.
type ConnectionOption func(*connectionOptions)

type connectionOptions struct {
	logger    logger.Logger
	topology  []config.VHostConfig
	tlsConfig *tls.Config
}

// WithLogger substitutes the default zerolog-backed logger.
func WithLogger(l logger.Logger) ConnectionOption {
	return func(o *connectionOptions) { o.logger = l }
}

// WithSilentLogging disables logging entirely.
func WithSilentLogging() ConnectionOption {
	return func(o *connectionOptions) { o.logger = &logger.NilLogger{} }
}

// WithLoggingConfig applies a config.LoggingConfig: DisableLogging wins
// over CustomLogger, and heartbeat frames are filtered out of Debug
// output unless HeartbeatLogging is set.
func WithLoggingConfig(lc config.LoggingConfig) ConnectionOption {
	return func(o *connectionOptions) {
		switch {
		case lc.DisableLogging:
			o.logger = &logger.NilLogger{}
		case lc.CustomLogger != nil:
			o.logger = heartbeatFilterLogger{inner: lc.CustomLogger, allowHeartbeats: lc.HeartbeatLogging}
		default:
			o.logger = heartbeatFilterLogger{inner: logger.NewZerologLogger(), allowHeartbeats: lc.HeartbeatLogging}
		}
	}
}

// WithTopology pre-declares exchanges and queues (and their bindings) on
// a dedicated channel right after the connection opens, the client-side
// analogue of the broker's own pre-declared vhost setup.
func WithTopology(vhosts ...config.VHostConfig) ConnectionOption {
	return func(o *connectionOptions) { o.topology = append(o.topology, vhosts...) }
}

// WithTLSConfig overrides the *tls.Config derived from the connection
// string / profile for amqps:// connections.
func WithTLSConfig(t *tls.Config) ConnectionOption {
	return func(o *connectionOptions) { o.tlsConfig = t }
}

// heartbeatFilterLogger drops Debug-level heartbeat lines unless
// allowHeartbeats is set, the client-side equivalent of the broker's own
// HeartbeatLogging switch.
type heartbeatFilterLogger struct {
	inner           logger.Logger
	allowHeartbeats bool
}

func (h heartbeatFilterLogger) Fatal(format string, a ...any) { h.inner.Fatal(format, a...) }
func (h heartbeatFilterLogger) Err(format string, a ...any)   { h.inner.Err(format, a...) }
func (h heartbeatFilterLogger) Warn(format string, a ...any)  { h.inner.Warn(format, a...) }
func (h heartbeatFilterLogger) Info(format string, a ...any)  { h.inner.Info(format, a...) }
func (h heartbeatFilterLogger) Debug(format string, a ...any) {
	if !h.allowHeartbeats && strings.Contains(format, "heartbeat") {
		return
	}
	h.inner.Debug(format, a...)
}

// buildTLSConfig turns a config.TLSConfig into a *tls.Config, loading the
// client certificate and CA bundle from disk when configured.
func buildTLSConfig(t *config.TLSConfig) (*tls.Config, error) {
	tlsConf := &tls.Config{InsecureSkipVerify: t.InsecureSkipVerify, ServerName: t.ServerName}

	if t.CertFile != "" || t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, amqpError.Wrap(amqpError.KindConnectionReset, err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, amqpError.Wrap(amqpError.KindConnectionReset, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, amqpError.New(amqpError.KindConnectionReset, "no certificates found in ca_file "+t.CAFile)
		}
		tlsConf.RootCAs = pool
	}

	return tlsConf, nil
}

// Dial parses an amqp(s):// URL, connects, and performs the full AMQP
// handshake, returning an OPEN connection.
func Dial(ctx context.Context, url string, opts ...ConnectionOption) (*Connection, error) {
	cfg, err := config.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return DialConfig(ctx, cfg, opts...)
}

// DialConfig connects using an already-resolved ConnectionConfig, as
// produced by config.ParseURL or config.LoadProfile.
func DialConfig(ctx context.Context, cfg config.ConnectionConfig, opts ...ConnectionOption) (*Connection, error) {
	options := &connectionOptions{}
	for _, opt := range opts {
		opt(options)
	}
	log := options.logger
	if log == nil {
		log = logger.NewZerologLogger()
	}

	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
	var netConn net.Conn
	var err error
	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConf := options.tlsConfig
		if tlsConf == nil {
			tlsConf, err = buildTLSConfig(cfg.TLS)
			if err != nil {
				return nil, err
			}
		}
		netConn, err = tls.DialWithDialer(&dialer, "tcp", cfg.Address(), tlsConf)
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", cfg.Address())
	}
	if err != nil {
		return nil, amqpError.Wrap(amqpError.KindConnectionReset, err)
	}

	params := internal.HandshakeParams{
		Username:          cfg.Username,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		Locale:            cfg.Locale,
		Heartbeat:         cfg.Heartbeat,
		ChannelMax:        cfg.ChannelMax,
		FrameMax:          cfg.FrameMax,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}
	engine := internal.NewConnection(netConn, params, log)
	if err := engine.Open(ctx); err != nil {
		netConn.Close()
		return nil, err
	}

	c := &Connection{conn: engine, log: log, cfg: cfg}

	if len(options.topology) > 0 {
		if err := c.declareTopology(ctx, options.topology); err != nil {
			c.Close(ctx)
			return nil, err
		}
	}

	return c, nil
}

func (c *Connection) declareTopology(ctx context.Context, vhosts []config.VHostConfig) error {
	ch, err := c.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close(ctx)

	for _, vh := range vhosts {
		for _, ex := range vh.Exchanges {
			e := NewExchange(ch, ex.Name, ex.Type)
			if err := e.Declare(ctx, ex.Durable, ex.AutoDelete, ex.Internal, nil); err != nil {
				return fmt.Errorf("declaring exchange %q: %w", ex.Name, err)
			}
		}
		for _, qc := range vh.Queues {
			q := NewQueue(ch, qc.Name)
			if err := q.Declare(ctx, QueueOptions{Durable: qc.Durable, Exclusive: qc.Exclusive, AutoDelete: qc.AutoDelete}); err != nil {
				return fmt.Errorf("declaring queue %q: %w", qc.Name, err)
			}
			for binding := range qc.Bindings {
				exchange, routingKey := splitBinding(binding)
				if err := q.Bind(ctx, exchange, routingKey, nil); err != nil {
					return fmt.Errorf("binding queue %q to %q: %w", qc.Name, exchange, err)
				}
			}
		}
	}
	return nil
}

func splitBinding(binding string) (exchange, routingKey string) {
	for i := 0; i < len(binding); i++ {
		if binding[i] == ':' {
			return binding[:i], binding[i+1:]
		}
	}
	return binding, ""
}

// Channel allocates and opens a new AMQP channel.
func (c *Connection) Channel(ctx context.Context) (*Channel, error) {
	ich, err := c.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}
	return &Channel{ch: ich, conn: c}, nil
}

// Close performs a graceful shutdown: every open channel is closed, then
// connection.close/connection.close-ok is exchanged, then the socket is
// closed.
func (c *Connection) Close(ctx context.Context) error {
	return c.conn.Close(ctx, 200, "normal shutdown")
}

// Logger returns the logger this connection was configured with.
func (c *Connection) Logger() logger.Logger { return c.log }

// Config returns the ConnectionConfig this connection was dialed with.
func (c *Connection) Config() config.ConnectionConfig { return c.cfg }

// IsBlocked reports whether the broker has sent connection.blocked
// without a matching unblocked, informationally — the library never
// throttles publishes on this signal itself.
func (c *Connection) IsBlocked() bool { return c.conn.IsBlocked() }

// Done returns a channel closed once the connection's I/O workers exit,
// whether due to a graceful close or an asynchronous failure.
func (c *Connection) Done() <-chan struct{} { return c.conn.Done() }

// Err returns the error that caused an asynchronous shutdown, if any.
func (c *Connection) Err() *amqpError.Error { return c.conn.CloseErr() }

// Channel wraps the engine's per-channel state machine with the AMQP
// surface applications use directly: publish, consume, topology, tx.
type Channel struct {
	ch   *internal.Channel
	conn *Connection
}

// ChannelOption configures a Channel at creation time via
// Connection.ChannelWithOptions.
type ChannelOption func(*channelOptions)

type channelOptions struct {
	outbox      storage.StorageProvider
	rateLimiter *rate.Limiter
	err         error
}

// WithConfirmOutbox persists every confirm-tracked publish to the given
// storage.StorageProvider until its ack/nack/return is observed.
func WithConfirmOutbox(store storage.StorageProvider) ChannelOption {
	return func(o *channelOptions) { o.outbox = store }
}

// WithPublishRateLimit caps Publish to r events per second, bursting up
// to b.
func WithPublishRateLimit(r float64, b int) ChannelOption {
	return func(o *channelOptions) { o.rateLimiter = rate.NewLimiter(rate.Limit(r), b) }
}

// WithStorageConfig builds a storage.StorageProvider from cfg and attaches
// it as the channel's confirm outbox, the declarative alternative to
// constructing a provider and passing it to WithConfirmOutbox directly.
func WithStorageConfig(cfg config.StorageConfig) ChannelOption {
	return func(o *channelOptions) {
		provider, err := storage.NewStorageProvider(cfg)
		if err != nil {
			o.err = err
			return
		}
		o.outbox = provider
	}
}

// ChannelWithOptions opens a channel with outbox persistence and/or a
// publish rate limiter attached.
func (c *Connection) ChannelWithOptions(ctx context.Context, opts ...ChannelOption) (*Channel, error) {
	ch, err := c.Channel(ctx)
	if err != nil {
		return nil, err
	}
	options := &channelOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.err != nil {
		ch.Close(ctx)
		return nil, options.err
	}
	if options.outbox != nil {
		ch.ch.SetOutbox(outboxAdapter{store: options.outbox, channelID: ch.ID()})
	}
	if options.rateLimiter != nil {
		ch.ch.SetRateLimiter(options.rateLimiter)
	}
	return ch, nil
}

// outboxAdapter narrows storage.StorageProvider to the shape
// internal.Channel needs, and serializes/deserializes OutboxRecords with
// a fixed key scheme so a restarted process can Scan("outbox:") for
// publishes whose outcome was never observed.
type outboxAdapter struct {
	store     storage.StorageProvider
	channelID uint16
}

func (o outboxAdapter) key(seqNo uint64) string {
	return fmt.Sprintf("%s%d:%d", storage.KeyPrefixOutbox, o.channelID, seqNo)
}

func (o outboxAdapter) Put(record internal.OutboxRecord) error {
	return o.store.Set(o.key(record.SeqNo), encodeOutboxRecord(record))
}

func (o outboxAdapter) Delete(seqNo uint64) error {
	return o.store.Delete(o.key(seqNo))
}

// ID returns the channel's AMQP channel-id.
func (ch *Channel) ID() uint16 { return ch.ch.ID() }

// Connection returns the Connection this channel was opened on.
func (ch *Channel) Connection() *Connection { return ch.conn }

// Close closes the channel with the default reply-code/text.
func (ch *Channel) Close(ctx context.Context) error {
	return ch.ch.Close(ctx, 200, "normal shutdown")
}

// Qos sets the channel's prefetch limits.
func (ch *Channel) Qos(ctx context.Context, prefetchCount uint16, prefetchSize uint32, global bool) error {
	return ch.ch.Qos(ctx, prefetchCount, prefetchSize, global)
}

// EnablePublisherConfirms puts the channel into publisher-confirm mode.
func (ch *Channel) EnablePublisherConfirms(ctx context.Context) error {
	return ch.ch.EnablePublisherConfirms(ctx)
}

// Publish sends a message. When publisher confirms are enabled it blocks
// until the broker resolves the delivery-tag it assigned.
func (ch *Channel) Publish(ctx context.Context, exchange, routingKey string, msg Message, mandatory, immediate bool) (bool, error) {
	return ch.ch.Publish(ctx, exchange, routingKey, msg.toProperties(), msg.Body, mandatory, immediate)
}

// Get performs a one-shot basic.get. A nil Delivery with a nil error
// means the queue was empty.
func (ch *Channel) Get(ctx context.Context, queue string, noAck bool) (*Delivery, error) {
	d, err := ch.ch.Get(ctx, queue, noAck)
	if err != nil || d == nil {
		return nil, err
	}
	return newDelivery(ch, d), nil
}

// Consume opens a subscription and returns the Consumer applications
// iterate to receive deliveries. When prefetchCount is non-zero a
// basic.qos is sent first to bound the number of unacked deliveries;
// when priority is non-zero it is carried as the x-priority consumer
// argument.
func (ch *Channel) Consume(ctx context.Context, queue, consumerTag string, noAck, exclusive bool, prefetchCount uint16, priority uint8, args map[string]any) (*Consumer, error) {
	if prefetchCount > 0 {
		if err := ch.ch.Qos(ctx, prefetchCount, 0, false); err != nil {
			return nil, err
		}
	}
	if priority != 0 {
		merged := make(map[string]any, len(args)+1)
		for k, v := range args {
			merged[k] = v
		}
		merged["x-priority"] = int32(priority)
		args = merged
	}
	c, err := ch.ch.Consume(ctx, queue, consumerTag, noAck, exclusive, args)
	if err != nil {
		return nil, err
	}
	return &Consumer{c: c, ch: ch}, nil
}

// Cancel ends a consumer subscription.
func (ch *Channel) Cancel(ctx context.Context, consumerTag string) error {
	return ch.ch.Cancel(ctx, consumerTag)
}
