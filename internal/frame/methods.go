package frame

// packBits packs up to eight booleans into a single octet, least
// significant bit first, per the AMQP 0-9-1 encoding of consecutive bit
// fields in a method's argument list.
func packBits(bits ...bool) byte {
	var b byte
	for i, v := range bits {
		if v {
			b |= 1 << uint(i)
		}
	}
	return b
}

func unpackBits(b byte, n int) []bool {
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		out[i] = b&(1<<uint(i)) != 0
	}
	return out
}

// --- connection class ---

type ConnectionStart struct {
	VersionMajor    uint8
	VersionMinor    uint8
	ServerProperties Table
	Mechanisms      string
	Locales         string
}

func DecodeConnectionStart(args []byte) (*ConnectionStart, error) {
	r := newReader(args)
	major, err := r.readByte()
	if err != nil {
		return nil, err
	}
	minor, err := r.readByte()
	if err != nil {
		return nil, err
	}
	props, err := r.readTable()
	if err != nil {
		return nil, err
	}
	mech, err := r.readLongString()
	if err != nil {
		return nil, err
	}
	locales, err := r.readLongString()
	if err != nil {
		return nil, err
	}
	return &ConnectionStart{major, minor, props, mech, locales}, nil
}

type ConnectionStartOk struct {
	ClientProperties Table
	Mechanism        string
	Response         string
	Locale           string
}

func (m ConnectionStartOk) Marshal() ([]byte, error) {
	var w writer
	if err := w.writeTable(m.ClientProperties); err != nil {
		return nil, err
	}
	if err := w.writeShortString(m.Mechanism); err != nil {
		return nil, err
	}
	w.writeLongString(m.Response)
	if err := w.writeShortString(m.Locale); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

type ConnectionTune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func DecodeConnectionTune(args []byte) (*ConnectionTune, error) {
	r := newReader(args)
	cm, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	fm, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	hb, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	return &ConnectionTune{cm, fm, hb}, nil
}

func (m ConnectionTune) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(m.ChannelMax)
	w.writeUint32(m.FrameMax)
	w.writeUint16(m.Heartbeat)
	return w.Bytes(), nil
}

type ConnectionOpen struct {
	VirtualHost string
}

func (m ConnectionOpen) Marshal() ([]byte, error) {
	var w writer
	if err := w.writeShortString(m.VirtualHost); err != nil {
		return nil, err
	}
	if err := w.writeShortString(""); err != nil { // reserved capabilities
		return nil, err
	}
	w.writeByte(0) // reserved insist bit
	return w.Bytes(), nil
}

type ConnectionClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func DecodeConnectionClose(args []byte) (*ConnectionClose, error) {
	r := newReader(args)
	code, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	text, err := r.readShortString()
	if err != nil {
		return nil, err
	}
	classID, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	methodID, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	return &ConnectionClose{code, text, classID, methodID}, nil
}

func (m ConnectionClose) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(m.ReplyCode)
	if err := w.writeShortString(m.ReplyText); err != nil {
		return nil, err
	}
	w.writeUint16(m.ClassID)
	w.writeUint16(m.MethodID)
	return w.Bytes(), nil
}

type ConnectionBlocked struct{ Reason string }

func DecodeConnectionBlocked(args []byte) (*ConnectionBlocked, error) {
	r := newReader(args)
	reason, err := r.readShortString()
	return &ConnectionBlocked{reason}, err
}

// --- channel class ---

type ChannelOpen struct{}

func (ChannelOpen) Marshal() ([]byte, error) {
	var w writer
	_ = w.writeShortString("")
	return w.Bytes(), nil
}

type ChannelFlow struct{ Active bool }

func (m ChannelFlow) Marshal() ([]byte, error) {
	var w writer
	w.writeByte(packBits(m.Active))
	return w.Bytes(), nil
}

func DecodeChannelFlow(args []byte) (*ChannelFlow, error) {
	r := newReader(args)
	b, err := r.readByte()
	if err != nil {
		return nil, err
	}
	return &ChannelFlow{unpackBits(b, 1)[0]}, nil
}

type ChannelClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (m ChannelClose) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(m.ReplyCode)
	if err := w.writeShortString(m.ReplyText); err != nil {
		return nil, err
	}
	w.writeUint16(m.ClassID)
	w.writeUint16(m.MethodID)
	return w.Bytes(), nil
}

// ChannelCloseOk carries no arguments; the type exists so callers can hand
// the channel-close reply through the same Marshal-based send path as
// everything else.
type ChannelCloseOk struct{}

func (ChannelCloseOk) Marshal() ([]byte, error) { return nil, nil }

func DecodeChannelClose(args []byte) (*ChannelClose, error) {
	r := newReader(args)
	code, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	text, err := r.readShortString()
	if err != nil {
		return nil, err
	}
	classID, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	methodID, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	return &ChannelClose{code, text, classID, methodID}, nil
}

// --- exchange class ---

type ExchangeDeclare struct {
	Exchange   string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  Table
}

func (m ExchangeDeclare) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(0) // ticket
	if err := w.writeShortString(m.Exchange); err != nil {
		return nil, err
	}
	if err := w.writeShortString(m.Type); err != nil {
		return nil, err
	}
	w.writeByte(packBits(m.Passive, m.Durable, m.AutoDelete, m.Internal, m.NoWait))
	if err := w.writeTable(m.Arguments); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

type ExchangeDelete struct {
	Exchange string
	IfUnused bool
	NoWait   bool
}

func (m ExchangeDelete) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(0)
	if err := w.writeShortString(m.Exchange); err != nil {
		return nil, err
	}
	w.writeByte(packBits(m.IfUnused, m.NoWait))
	return w.Bytes(), nil
}

type ExchangeBind struct {
	Destination string
	Source      string
	RoutingKey  string
	NoWait      bool
	Arguments   Table
}

func (m ExchangeBind) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(0)
	if err := w.writeShortString(m.Destination); err != nil {
		return nil, err
	}
	if err := w.writeShortString(m.Source); err != nil {
		return nil, err
	}
	if err := w.writeShortString(m.RoutingKey); err != nil {
		return nil, err
	}
	w.writeByte(packBits(m.NoWait))
	if err := w.writeTable(m.Arguments); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

type ExchangeUnbind ExchangeBind

func (m ExchangeUnbind) Marshal() ([]byte, error) { return ExchangeBind(m).Marshal() }

// --- queue class ---

type QueueDeclare struct {
	Queue      string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  Table
}

func (m QueueDeclare) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(0)
	if err := w.writeShortString(m.Queue); err != nil {
		return nil, err
	}
	w.writeByte(packBits(m.Passive, m.Durable, m.Exclusive, m.AutoDelete, m.NoWait))
	if err := w.writeTable(m.Arguments); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

type QueueDeclareOk struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

func DecodeQueueDeclareOk(args []byte) (*QueueDeclareOk, error) {
	r := newReader(args)
	name, err := r.readShortString()
	if err != nil {
		return nil, err
	}
	mc, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	cc, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	return &QueueDeclareOk{name, mc, cc}, nil
}

type QueueBind struct {
	Queue      string
	Exchange   string
	RoutingKey string
	NoWait     bool
	Arguments  Table
}

func (m QueueBind) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(0)
	if err := w.writeShortString(m.Queue); err != nil {
		return nil, err
	}
	if err := w.writeShortString(m.Exchange); err != nil {
		return nil, err
	}
	if err := w.writeShortString(m.RoutingKey); err != nil {
		return nil, err
	}
	w.writeByte(packBits(m.NoWait))
	if err := w.writeTable(m.Arguments); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

type QueueUnbind struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  Table
}

func (m QueueUnbind) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(0)
	if err := w.writeShortString(m.Queue); err != nil {
		return nil, err
	}
	if err := w.writeShortString(m.Exchange); err != nil {
		return nil, err
	}
	if err := w.writeShortString(m.RoutingKey); err != nil {
		return nil, err
	}
	if err := w.writeTable(m.Arguments); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

type QueuePurge struct {
	Queue  string
	NoWait bool
}

func (m QueuePurge) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(0)
	if err := w.writeShortString(m.Queue); err != nil {
		return nil, err
	}
	w.writeByte(packBits(m.NoWait))
	return w.Bytes(), nil
}

type QueuePurgeOk struct{ MessageCount uint32 }

func DecodeQueuePurgeOk(args []byte) (*QueuePurgeOk, error) {
	r := newReader(args)
	mc, err := r.readUint32()
	return &QueuePurgeOk{mc}, err
}

type QueueDelete struct {
	Queue    string
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

func (m QueueDelete) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(0)
	if err := w.writeShortString(m.Queue); err != nil {
		return nil, err
	}
	w.writeByte(packBits(m.IfUnused, m.IfEmpty, m.NoWait))
	return w.Bytes(), nil
}

type QueueDeleteOk struct{ MessageCount uint32 }

func DecodeQueueDeleteOk(args []byte) (*QueueDeleteOk, error) {
	r := newReader(args)
	mc, err := r.readUint32()
	return &QueueDeleteOk{mc}, err
}

// --- basic class ---

type BasicQos struct {
	PrefetchSize  uint32
	PrefetchCount uint16
	Global        bool
}

func (m BasicQos) Marshal() ([]byte, error) {
	var w writer
	w.writeUint32(m.PrefetchSize)
	w.writeUint16(m.PrefetchCount)
	w.writeByte(packBits(m.Global))
	return w.Bytes(), nil
}

type BasicConsume struct {
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   Table
}

func (m BasicConsume) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(0)
	if err := w.writeShortString(m.Queue); err != nil {
		return nil, err
	}
	if err := w.writeShortString(m.ConsumerTag); err != nil {
		return nil, err
	}
	w.writeByte(packBits(m.NoLocal, m.NoAck, m.Exclusive, m.NoWait))
	if err := w.writeTable(m.Arguments); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

type BasicConsumeOk struct{ ConsumerTag string }

func DecodeBasicConsumeOk(args []byte) (*BasicConsumeOk, error) {
	r := newReader(args)
	tag, err := r.readShortString()
	return &BasicConsumeOk{tag}, err
}

type BasicCancel struct {
	ConsumerTag string
	NoWait      bool
}

func (m BasicCancel) Marshal() ([]byte, error) {
	var w writer
	if err := w.writeShortString(m.ConsumerTag); err != nil {
		return nil, err
	}
	w.writeByte(packBits(m.NoWait))
	return w.Bytes(), nil
}

// BasicCancelOk carries only the consumer-tag, unlike BasicCancel which
// also has the no-wait bit.
type BasicCancelOk struct{ ConsumerTag string }

func (m BasicCancelOk) Marshal() ([]byte, error) {
	var w writer
	if err := w.writeShortString(m.ConsumerTag); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func DecodeBasicCancel(args []byte) (*BasicCancel, error) {
	r := newReader(args)
	tag, err := r.readShortString()
	if err != nil {
		return nil, err
	}
	b, err := r.readByte()
	if err != nil {
		return nil, err
	}
	return &BasicCancel{tag, unpackBits(b, 1)[0]}, nil
}

type BasicPublish struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

func (m BasicPublish) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(0)
	if err := w.writeShortString(m.Exchange); err != nil {
		return nil, err
	}
	if err := w.writeShortString(m.RoutingKey); err != nil {
		return nil, err
	}
	w.writeByte(packBits(m.Mandatory, m.Immediate))
	return w.Bytes(), nil
}

type BasicReturn struct {
	ReplyCode uint16
	ReplyText string
	Exchange  string
	RoutingKey string
}

func DecodeBasicReturn(args []byte) (*BasicReturn, error) {
	r := newReader(args)
	code, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	text, err := r.readShortString()
	if err != nil {
		return nil, err
	}
	exchange, err := r.readShortString()
	if err != nil {
		return nil, err
	}
	rk, err := r.readShortString()
	if err != nil {
		return nil, err
	}
	return &BasicReturn{code, text, exchange, rk}, nil
}

type BasicDeliver struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

func DecodeBasicDeliver(args []byte) (*BasicDeliver, error) {
	r := newReader(args)
	tag, err := r.readShortString()
	if err != nil {
		return nil, err
	}
	dt, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	b, err := r.readByte()
	if err != nil {
		return nil, err
	}
	exchange, err := r.readShortString()
	if err != nil {
		return nil, err
	}
	rk, err := r.readShortString()
	if err != nil {
		return nil, err
	}
	return &BasicDeliver{tag, dt, unpackBits(b, 1)[0], exchange, rk}, nil
}

type BasicGet struct {
	Queue string
	NoAck bool
}

func (m BasicGet) Marshal() ([]byte, error) {
	var w writer
	w.writeUint16(0)
	if err := w.writeShortString(m.Queue); err != nil {
		return nil, err
	}
	w.writeByte(packBits(m.NoAck))
	return w.Bytes(), nil
}

type BasicGetOk struct {
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32
}

func DecodeBasicGetOk(args []byte) (*BasicGetOk, error) {
	r := newReader(args)
	dt, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	b, err := r.readByte()
	if err != nil {
		return nil, err
	}
	exchange, err := r.readShortString()
	if err != nil {
		return nil, err
	}
	rk, err := r.readShortString()
	if err != nil {
		return nil, err
	}
	mc, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	return &BasicGetOk{dt, unpackBits(b, 1)[0], exchange, rk, mc}, nil
}

type BasicAck struct {
	DeliveryTag uint64
	Multiple    bool
}

func (m BasicAck) Marshal() ([]byte, error) {
	var w writer
	w.writeUint64(m.DeliveryTag)
	w.writeByte(packBits(m.Multiple))
	return w.Bytes(), nil
}

func DecodeBasicAck(args []byte) (*BasicAck, error) {
	r := newReader(args)
	dt, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	b, err := r.readByte()
	if err != nil {
		return nil, err
	}
	return &BasicAck{dt, unpackBits(b, 1)[0]}, nil
}

type BasicNack struct {
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

func (m BasicNack) Marshal() ([]byte, error) {
	var w writer
	w.writeUint64(m.DeliveryTag)
	w.writeByte(packBits(m.Multiple, m.Requeue))
	return w.Bytes(), nil
}

func DecodeBasicNack(args []byte) (*BasicNack, error) {
	r := newReader(args)
	dt, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	b, err := r.readByte()
	if err != nil {
		return nil, err
	}
	bits := unpackBits(b, 2)
	return &BasicNack{dt, bits[0], bits[1]}, nil
}

type BasicReject struct {
	DeliveryTag uint64
	Requeue     bool
}

func (m BasicReject) Marshal() ([]byte, error) {
	var w writer
	w.writeUint64(m.DeliveryTag)
	w.writeByte(packBits(m.Requeue))
	return w.Bytes(), nil
}

type BasicRecover struct{ Requeue bool }

func (m BasicRecover) Marshal() ([]byte, error) {
	var w writer
	w.writeByte(packBits(m.Requeue))
	return w.Bytes(), nil
}

// --- confirm class ---

type ConfirmSelect struct{ NoWait bool }

func (m ConfirmSelect) Marshal() ([]byte, error) {
	var w writer
	w.writeByte(packBits(m.NoWait))
	return w.Bytes(), nil
}

// --- tx class ---
//
// tx.select, tx.commit and tx.rollback all carry empty argument lists in
// AMQP 0-9-1; the types exist purely so the channel layer has something to
// hand its generic rpc() helper.

type TxSelect struct{}

func (TxSelect) Marshal() ([]byte, error) { return nil, nil }

type TxCommit struct{}

func (TxCommit) Marshal() ([]byte, error) { return nil, nil }

type TxRollback struct{}

func (TxRollback) Marshal() ([]byte, error) { return nil, nil }
