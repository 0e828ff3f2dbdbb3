package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go-msgbus/internal/transport"
	"go-msgbus/pkg/models"

	kafka "github.com/segmentio/kafka-go"
)

// MessageReader is the part of kafka.Reader the binding uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// readerSource feeds one topic's delivery loop.
type readerSource struct {
	reader MessageReader
	topic  string
}

func (s *readerSource) Next(ctx context.Context) (transport.Delivery, error) {
	m, err := s.reader.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return transport.Delivery{}, transport.ErrSourceClosed
		}
		return transport.Delivery{}, &transport.Error{Transport: Name, Op: "fetch", Destination: s.topic, Err: err}
	}

	return transport.Delivery{
		Message:     toInternalMessage(m),
		Destination: s.topic,
		Handle:      m,
	}, nil
}

func (s *readerSource) Close() error {
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader for %s: %w", s.topic, err)
	}
	return nil
}

// toInternalMessage converts Kafka message to internal format
func toInternalMessage(m kafka.Message) *models.Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}

	id := headers[models.HeaderMessageID]
	if id == "" {
		id = fmt.Sprintf("%s-%d-%d", m.Topic, m.Partition, m.Offset)
	}

	return &models.Message{
		ID:          id,
		Key:         string(m.Key),
		Value:       m.Value,
		Headers:     headers,
		Destination: m.Topic,
		Timestamp:   m.Time,
		Attempt:     models.AttemptFromHeaders(headers),
	}
}
