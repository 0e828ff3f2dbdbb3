package kafka

import (
	"context"
	"strconv"
	"time"

	"go-msgbus/pkg/models"

	kafka "github.com/segmentio/kafka-go"
)

// MessageWriter is the part of kafka.Writer the binding uses. kafka.Writer is
// safe for concurrent use, so sends are not serialized further.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// toKafkaMessage converts a message to the wire format
func toKafkaMessage(topic string, msg *models.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		if k == models.HeaderMessageID || k == models.HeaderAttempt {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: models.HeaderMessageID, Value: []byte(msg.ID)},
		kafka.Header{Key: models.HeaderAttempt, Value: []byte(strconv.Itoa(msg.Attempt))},
	)

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	km := kafka.Message{
		Topic:   topic,
		Value:   msg.Value,
		Headers: headers,
		Time:    ts,
	}
	if msg.Key != "" {
		km.Key = []byte(msg.Key)
	}
	return km
}
