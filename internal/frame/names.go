package frame

import "fmt"

var className = map[uint16]string{
	ClassConnection: "connection",
	ClassChannel:    "channel",
	ClassExchange:   "exchange",
	ClassQueue:      "queue",
	ClassBasic:      "basic",
	ClassTx:         "tx",
	ClassConfirm:    "confirm",
}

var methodName = map[uint16]map[uint16]string{
	ClassConnection: {
		MethodConnectionStart:   "start",
		MethodConnectionStartOk: "start-ok",
		MethodConnectionTune:    "tune",
		MethodConnectionTuneOk:  "tune-ok",
		MethodConnectionOpen:    "open",
		MethodConnectionOpenOk:  "open-ok",
		MethodConnectionClose:   "close",
		MethodConnectionCloseOk: "close-ok",
		MethodConnectionBlocked: "blocked",
		MethodConnectionUnblock: "unblocked",
	},
	ClassChannel: {
		MethodChannelOpen:    "open",
		MethodChannelOpenOk:  "open-ok",
		MethodChannelFlow:    "flow",
		MethodChannelFlowOk:  "flow-ok",
		MethodChannelClose:   "close",
		MethodChannelCloseOk: "close-ok",
	},
	ClassExchange: {
		MethodExchangeDeclare:   "declare",
		MethodExchangeDeclareOk: "declare-ok",
		MethodExchangeDelete:    "delete",
		MethodExchangeDeleteOk:  "delete-ok",
		MethodExchangeBind:      "bind",
		MethodExchangeBindOk:    "bind-ok",
		MethodExchangeUnbind:    "unbind",
		MethodExchangeUnbindOk:  "unbind-ok",
	},
	ClassQueue: {
		MethodQueueDeclare:   "declare",
		MethodQueueDeclareOk: "declare-ok",
		MethodQueueBind:      "bind",
		MethodQueueBindOk:    "bind-ok",
		MethodQueuePurge:     "purge",
		MethodQueuePurgeOk:   "purge-ok",
		MethodQueueDelete:    "delete",
		MethodQueueDeleteOk:  "delete-ok",
		MethodQueueUnbind:    "unbind",
		MethodQueueUnbindOk:  "unbind-ok",
	},
	ClassBasic: {
		MethodBasicQos:          "qos",
		MethodBasicQosOk:        "qos-ok",
		MethodBasicConsume:      "consume",
		MethodBasicConsumeOk:    "consume-ok",
		MethodBasicCancel:       "cancel",
		MethodBasicCancelOk:     "cancel-ok",
		MethodBasicPublish:      "publish",
		MethodBasicReturn:       "return",
		MethodBasicDeliver:      "deliver",
		MethodBasicGet:          "get",
		MethodBasicGetOk:        "get-ok",
		MethodBasicGetEmpty:     "get-empty",
		MethodBasicAck:          "ack",
		MethodBasicReject:       "reject",
		MethodBasicRecoverAsync: "recover-async",
		MethodBasicRecover:      "recover",
		MethodBasicRecoverOk:    "recover-ok",
		MethodBasicNack:         "nack",
	},
	ClassTx: {
		MethodTxSelect:     "select",
		MethodTxSelectOk:   "select-ok",
		MethodTxCommit:     "commit",
		MethodTxCommitOk:   "commit-ok",
		MethodTxRollback:   "rollback",
		MethodTxRollbackOk: "rollback-ok",
	},
	ClassConfirm: {
		MethodConfirmSelect:   "select",
		MethodConfirmSelectOk: "select-ok",
	},
}

// ClassName returns the lowercase AMQP class name for a class id, or a
// numeric fallback if unknown.
func ClassName(classID uint16) string {
	if n, ok := className[classID]; ok {
		return n
	}
	return fmt.Sprintf("class-%d", classID)
}

// MethodName returns "class.method" for a class/method id pair, or a
// numeric fallback if unknown.
func MethodName(classID, methodID uint16) string {
	if methods, ok := methodName[classID]; ok {
		if m, ok := methods[methodID]; ok {
			return fmt.Sprintf("%s.%s", className[classID], m)
		}
	}
	return fmt.Sprintf("class-%d.method-%d", classID, methodID)
}
