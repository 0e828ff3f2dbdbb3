package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go-msgbus/internal/observability"
	"go-msgbus/internal/retry"
	"go-msgbus/pkg/models"

	"github.com/sirupsen/logrus"
)

// MessageProcessor handles business logic for processing messages
type MessageProcessor struct {
	logger    *logrus.Logger
	processed atomic.Int64
	// Sink receives each decoded payload; nil discards it.
	Sink func(ctx context.Context, msg *models.Message, data map[string]interface{}) error
}

func NewMessageProcessor() *MessageProcessor {
	return &MessageProcessor{
		logger: observability.GetLogger(),
	}
}

// Process handles the business logic for a consumed message. A payload that
// is not a JSON object can never succeed, so it is reported as permanent.
func (p *MessageProcessor) Process(ctx context.Context, msg *models.Message) error {
	p.logger.WithFields(logrus.Fields{
		"key":        msg.Key,
		"message_id": msg.ID,
		"attempt":    msg.Attempt,
	}).Info("Processing message")

	var data map[string]interface{}
	if err := json.Unmarshal(msg.Value, &data); err != nil {
		return retry.Permanent(fmt.Errorf("failed to parse message: %w", err))
	}

	if p.Sink != nil {
		if err := p.Sink(ctx, msg, data); err != nil {
			return fmt.Errorf("failed to store message %s: %w", msg.ID, err)
		}
	}
	p.processed.Add(1)

	p.logger.WithFields(logrus.Fields{
		"key":  msg.Key,
		"data": data,
	}).Debug("Message processed successfully")

	return nil
}

func (p *MessageProcessor) Processed() int64 {
	return p.processed.Load()
}
