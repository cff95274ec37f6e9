package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is one AMQP 0-9-1 frame as it appears on the wire: a 7-byte
// header (type, channel, payload size), the payload, and a trailing
// end-of-frame octet.
type Frame struct {
	Type    byte
	Channel uint16
	Payload []byte
}

// ErrFrameTooLarge is returned by ReadFrame when a frame's declared size
// exceeds the negotiated frame_max.
var ErrFrameTooLarge = fmt.Errorf("frame: payload exceeds negotiated frame_max")

// ErrBadFrameEnd is returned when the trailing octet is not 0xCE.
var ErrBadFrameEnd = fmt.Errorf("frame: missing frame-end octet")

// ReadFrame reads one complete frame from r. frameMax bounds the payload
// size accepted; a value of 0 disables the check (used while frame_max is
// still being negotiated).
func ReadFrame(r io.Reader, frameMax uint32) (*Frame, error) {
	var header [7]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	f := &Frame{
		Type:    header[0],
		Channel: binary.BigEndian.Uint16(header[1:3]),
	}
	size := binary.BigEndian.Uint32(header[3:7])
	if frameMax > 0 && size > frameMax {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var end [1]byte
	if _, err := io.ReadFull(r, end[:]); err != nil {
		return nil, err
	}
	if end[0] != FrameEnd {
		return nil, ErrBadFrameEnd
	}
	f.Payload = payload
	return f, nil
}

// WriteFrame serializes and writes one frame, including header and
// frame-end octet, in a single Write call so partial frames are never
// observable to a peer even under short writes at the syscall layer.
func WriteFrame(w io.Writer, f *Frame) error {
	buf := make([]byte, 7+len(f.Payload)+1)
	buf[0] = f.Type
	binary.BigEndian.PutUint16(buf[1:3], f.Channel)
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Payload)))
	copy(buf[7:], f.Payload)
	buf[len(buf)-1] = FrameEnd
	_, err := w.Write(buf)
	return err
}

// Method is a decoded method frame: the class/method id pair plus the
// still-undecoded argument bytes. Callers use the per-method Marshal
// methods and Decode* functions in methods.go to set and get typed arguments.
type Method struct {
	ClassID  uint16
	MethodID uint16
	Args     []byte
}

// DecodeMethod parses a Method frame's payload into its class/method id
// and remaining argument bytes.
func DecodeMethod(payload []byte) (*Method, error) {
	if len(payload) < 4 {
		return nil, io.ErrUnexpectedEOF
	}
	return &Method{
		ClassID:  binary.BigEndian.Uint16(payload[0:2]),
		MethodID: binary.BigEndian.Uint16(payload[2:4]),
		Args:     payload[4:],
	}, nil
}

// EncodeMethod builds a Method frame payload from a class/method id and
// pre-marshaled argument bytes.
func EncodeMethod(classID, methodID uint16, args []byte) []byte {
	payload := make([]byte, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	binary.BigEndian.PutUint16(payload[2:4], methodID)
	copy(payload[4:], args)
	return payload
}

// Properties is the AMQP 0-9-1 basic content-header property set. It has
// no separate presence mask: on encoding, a field's property flag is set
// only when the field is non-zero, so a field left at its zero value is
// not carried on the wire.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       uint64
	Type            string
	UserId          string
	AppId           string
	ClusterId       string
}

// property-flag bits, MSB first, matching the AMQP basic class layout.
const (
	flagContentType     = 1 << 15
	flagContentEncoding = 1 << 14
	flagHeaders         = 1 << 13
	flagDeliveryMode    = 1 << 12
	flagPriority        = 1 << 11
	flagCorrelationId   = 1 << 10
	flagReplyTo         = 1 << 9
	flagExpiration      = 1 << 8
	flagMessageId       = 1 << 7
	flagTimestamp       = 1 << 6
	flagType            = 1 << 5
	flagUserId          = 1 << 4
	flagAppId           = 1 << 3
	flagClusterId       = 1 << 2
)

// ContentHeader is a decoded ContentHeader frame.
type ContentHeader struct {
	ClassID    uint16
	BodySize   uint64
	Properties Properties
}

// EncodeContentHeader builds a ContentHeader frame payload.
func EncodeContentHeader(classID uint16, bodySize uint64, p Properties) []byte {
	var flags uint16
	var w writer
	w.writeUint16(classID)
	w.writeUint16(0) // weight, always 0
	w.writeUint64(bodySize)

	var body writer
	if p.ContentType != "" {
		flags |= flagContentType
		_ = body.writeShortString(p.ContentType)
	}
	if p.ContentEncoding != "" {
		flags |= flagContentEncoding
		_ = body.writeShortString(p.ContentEncoding)
	}
	if p.Headers != nil {
		flags |= flagHeaders
		_ = body.writeTable(p.Headers)
	}
	if p.DeliveryMode != 0 {
		flags |= flagDeliveryMode
		body.writeByte(p.DeliveryMode)
	}
	if p.Priority != 0 {
		flags |= flagPriority
		body.writeByte(p.Priority)
	}
	if p.CorrelationId != "" {
		flags |= flagCorrelationId
		_ = body.writeShortString(p.CorrelationId)
	}
	if p.ReplyTo != "" {
		flags |= flagReplyTo
		_ = body.writeShortString(p.ReplyTo)
	}
	if p.Expiration != "" {
		flags |= flagExpiration
		_ = body.writeShortString(p.Expiration)
	}
	if p.MessageId != "" {
		flags |= flagMessageId
		_ = body.writeShortString(p.MessageId)
	}
	if p.Timestamp != 0 {
		flags |= flagTimestamp
		body.writeUint64(p.Timestamp)
	}
	if p.Type != "" {
		flags |= flagType
		_ = body.writeShortString(p.Type)
	}
	if p.UserId != "" {
		flags |= flagUserId
		_ = body.writeShortString(p.UserId)
	}
	if p.AppId != "" {
		flags |= flagAppId
		_ = body.writeShortString(p.AppId)
	}
	if p.ClusterId != "" {
		flags |= flagClusterId
		_ = body.writeShortString(p.ClusterId)
	}

	w.writeUint16(flags)
	w.writeBytes(body.Bytes())
	return w.Bytes()
}

// DecodeContentHeader parses a ContentHeader frame payload.
func DecodeContentHeader(payload []byte) (*ContentHeader, error) {
	r := newReader(payload)
	classID, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	if _, err := r.readUint16(); err != nil { // weight
		return nil, err
	}
	bodySize, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	flags, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	var p Properties
	if flags&flagContentType != 0 {
		if p.ContentType, err = r.readShortString(); err != nil {
			return nil, err
		}
	}
	if flags&flagContentEncoding != 0 {
		if p.ContentEncoding, err = r.readShortString(); err != nil {
			return nil, err
		}
	}
	if flags&flagHeaders != 0 {
		if p.Headers, err = r.readTable(); err != nil {
			return nil, err
		}
	}
	if flags&flagDeliveryMode != 0 {
		if p.DeliveryMode, err = r.readByte(); err != nil {
			return nil, err
		}
	}
	if flags&flagPriority != 0 {
		if p.Priority, err = r.readByte(); err != nil {
			return nil, err
		}
	}
	if flags&flagCorrelationId != 0 {
		if p.CorrelationId, err = r.readShortString(); err != nil {
			return nil, err
		}
	}
	if flags&flagReplyTo != 0 {
		if p.ReplyTo, err = r.readShortString(); err != nil {
			return nil, err
		}
	}
	if flags&flagExpiration != 0 {
		if p.Expiration, err = r.readShortString(); err != nil {
			return nil, err
		}
	}
	if flags&flagMessageId != 0 {
		if p.MessageId, err = r.readShortString(); err != nil {
			return nil, err
		}
	}
	if flags&flagTimestamp != 0 {
		if p.Timestamp, err = r.readUint64(); err != nil {
			return nil, err
		}
	}
	if flags&flagType != 0 {
		if p.Type, err = r.readShortString(); err != nil {
			return nil, err
		}
	}
	if flags&flagUserId != 0 {
		if p.UserId, err = r.readShortString(); err != nil {
			return nil, err
		}
	}
	if flags&flagAppId != 0 {
		if p.AppId, err = r.readShortString(); err != nil {
			return nil, err
		}
	}
	if flags&flagClusterId != 0 {
		if p.ClusterId, err = r.readShortString(); err != nil {
			return nil, err
		}
	}
	return &ContentHeader{ClassID: classID, BodySize: bodySize, Properties: p}, nil
}
