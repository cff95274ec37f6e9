// Package frame implements the AMQP 0-9-1 wire codec: frame headers, field
// tables, short/long strings, and the method argument layouts the engine
// needs to speak to a RabbitMQ broker.
package frame

// Frame types (AMQP 0-9-1 section 4.2.3).
const (
	TypeMethod    byte = 1
	TypeHeader    byte = 2
	TypeBody      byte = 3
	TypeHeartbeat byte = 8
)

// FrameEnd is the trailing octet of every frame on the wire.
const FrameEnd byte = 0xCE

// ProtocolHeader is sent by the client as the very first bytes on a new
// connection.
var ProtocolHeader = [8]byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// Class ids.
const (
	ClassConnection uint16 = 10
	ClassChannel    uint16 = 20
	ClassExchange   uint16 = 40
	ClassQueue      uint16 = 50
	ClassBasic      uint16 = 60
	ClassTx         uint16 = 90
	ClassConfirm    uint16 = 85
)

// Method ids, grouped by class.
const (
	MethodConnectionStart   uint16 = 10
	MethodConnectionStartOk uint16 = 11
	MethodConnectionTune    uint16 = 30
	MethodConnectionTuneOk  uint16 = 31
	MethodConnectionOpen    uint16 = 40
	MethodConnectionOpenOk  uint16 = 41
	MethodConnectionClose   uint16 = 50
	MethodConnectionCloseOk uint16 = 51
	MethodConnectionBlocked uint16 = 60
	MethodConnectionUnblock uint16 = 61

	MethodChannelOpen    uint16 = 10
	MethodChannelOpenOk  uint16 = 11
	MethodChannelFlow    uint16 = 20
	MethodChannelFlowOk  uint16 = 21
	MethodChannelClose   uint16 = 40
	MethodChannelCloseOk uint16 = 41

	MethodExchangeDeclare   uint16 = 10
	MethodExchangeDeclareOk uint16 = 11
	MethodExchangeDelete    uint16 = 20
	MethodExchangeDeleteOk  uint16 = 21
	MethodExchangeBind      uint16 = 30
	MethodExchangeBindOk    uint16 = 31
	MethodExchangeUnbind    uint16 = 40
	MethodExchangeUnbindOk  uint16 = 51

	MethodQueueDeclare   uint16 = 10
	MethodQueueDeclareOk uint16 = 11
	MethodQueueBind      uint16 = 20
	MethodQueueBindOk    uint16 = 21
	MethodQueuePurge     uint16 = 30
	MethodQueuePurgeOk   uint16 = 31
	MethodQueueDelete    uint16 = 40
	MethodQueueDeleteOk  uint16 = 41
	MethodQueueUnbind    uint16 = 50
	MethodQueueUnbindOk  uint16 = 51

	MethodBasicQos          uint16 = 10
	MethodBasicQosOk        uint16 = 11
	MethodBasicConsume      uint16 = 20
	MethodBasicConsumeOk    uint16 = 21
	MethodBasicCancel       uint16 = 30
	MethodBasicCancelOk     uint16 = 31
	MethodBasicPublish      uint16 = 40
	MethodBasicReturn       uint16 = 50
	MethodBasicDeliver      uint16 = 60
	MethodBasicGet          uint16 = 70
	MethodBasicGetOk        uint16 = 71
	MethodBasicGetEmpty     uint16 = 72
	MethodBasicAck          uint16 = 80
	MethodBasicReject       uint16 = 90
	MethodBasicRecoverAsync uint16 = 100
	MethodBasicRecover      uint16 = 110
	MethodBasicRecoverOk    uint16 = 111
	MethodBasicNack         uint16 = 120

	MethodTxSelect     uint16 = 10
	MethodTxSelectOk   uint16 = 11
	MethodTxCommit     uint16 = 20
	MethodTxCommitOk   uint16 = 21
	MethodTxRollback   uint16 = 30
	MethodTxRollbackOk uint16 = 31

	MethodConfirmSelect   uint16 = 10
	MethodConfirmSelectOk uint16 = 11
)

// AMQP reply-code constants (subset stable enough to hardcode; the
// authoritative typed mapping lives in the amqperror package).
const (
	ReplyContentTooLarge     uint16 = 311
	ReplyNoRoute             uint16 = 312
	ReplyNoConsumers         uint16 = 313
	ReplyConnectionForced    uint16 = 320
	ReplyInvalidPath         uint16 = 402
	ReplyAccessRefused       uint16 = 403
	ReplyNotFound            uint16 = 404
	ReplyResourceLocked      uint16 = 405
	ReplyPreconditionFailed  uint16 = 406
	ReplyFrameError          uint16 = 501
	ReplySyntaxError         uint16 = 502
	ReplyCommandInvalid      uint16 = 503
	ReplyChannelError        uint16 = 504
	ReplyUnexpectedFrame     uint16 = 505
	ReplyResourceError       uint16 = 506
	ReplyNotAllowed          uint16 = 530
	ReplyNotImplemented      uint16 = 540
	ReplyInternalError       uint16 = 541
)
