package rabbitwire

import (
	"encoding/json"

	"github.com/aleybovich/rabbitwire/internal"
)

// outboxRecordJSON is the on-disk shape of an internal.OutboxRecord,
// following the persisted-record encoding the channel's own store uses
// elsewhere: JSON via encoding/json.
type outboxRecordJSON struct {
	SeqNo      uint64         `json:"seq_no"`
	Exchange   string         `json:"exchange"`
	RoutingKey string         `json:"routing_key"`
	Body       []byte         `json:"body"`
	Properties map[string]any `json:"properties"`
}

func encodeOutboxRecord(record internal.OutboxRecord) []byte {
	p := record.Properties
	data, _ := json.Marshal(outboxRecordJSON{
		SeqNo:      record.SeqNo,
		Exchange:   record.Exchange,
		RoutingKey: record.RoutingKey,
		Body:       record.Body,
		Properties: map[string]any{
			"content_type":     p.ContentType,
			"content_encoding": p.ContentEncoding,
			"delivery_mode":    p.DeliveryMode,
			"priority":         p.Priority,
			"correlation_id":   p.CorrelationId,
			"reply_to":         p.ReplyTo,
			"message_id":       p.MessageId,
		},
	})
	return data
}
