package kafka

import (
	"context"
	"errors"
	"fmt"

	kafka "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"go.uber.org/multierr"
)

func newDialer(cfg Config, mechanism sasl.Mechanism) *kafka.Dialer {
	return &kafka.Dialer{
		ClientID:      cfg.ClientID,
		Timeout:       cfg.DialTimeout,
		DualStack:     true,
		TLS:           cfg.TLSConfig,
		SASLMechanism: mechanism,
	}
}

func newWriter(cfg Config, mechanism sasl.Mechanism) *kafka.Writer {
	return &kafka.Writer{
		Addr: kafka.TCP(cfg.Brokers...),
		// Keyed messages stay on one partition; unkeyed ones are spread.
		Balancer:               &kafka.Hash{},
		RequiredAcks:           cfg.RequiredAcks,
		MaxAttempts:            1,
		WriteTimeout:           cfg.WriteTimeout,
		ReadTimeout:            cfg.ReadTimeout,
		AllowAutoTopicCreation: true,
		Async:                  false, // Synchronous for reliable error handling
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			DialTimeout: cfg.DialTimeout,
			TLS:         cfg.TLSConfig,
			SASL:        mechanism,
		},
	}
}

func newReader(cfg Config, dialer *kafka.Dialer, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       topic,
		Dialer:      dialer,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: cfg.StartOffset,
		// Offsets are committed synchronously by ReadMessage.
		CommitInterval: 0,
	})
}

// pingBrokers verifies connectivity to at least one broker
func pingBrokers(ctx context.Context, dialer *kafka.Dialer, brokers []string) error {
	var errs error
	for _, broker := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to connect to broker %s: %w", broker, err))
			continue
		}

		// Fetch metadata to verify broker health
		_, err = conn.ReadPartitions()
		conn.Close()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to read partitions from %s: %w", broker, err))
			continue
		}
		return nil
	}
	if errs == nil {
		errs = errors.New("no brokers configured")
	}
	return errs
}
