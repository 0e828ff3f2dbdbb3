// Package kafka binds the messaging contract to a partitioned log broker
// using segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go-msgbus/internal/transport"
	"go-msgbus/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const Name = "kafka"

// Binding implements transport.Binding for Kafka.
//
// Subscribe on a topic that already has a handler replaces that handler.
// Acknowledge is a no-op: readers join GroupID and commit offsets as part of
// ReadMessage, so there is nothing left to confirm per message.
type Binding struct {
	cfg       Config
	logger    *zap.Logger
	writer    MessageWriter
	newReader func(topic string) MessageReader
	ping      func(ctx context.Context) error
	subs      *transport.Subscriptions
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type Option func(*Binding)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Binding) {
		b.logger = logger
	}
}

// WithWriter replaces the kafka.Writer, mainly for tests.
func WithWriter(w MessageWriter) Option {
	return func(b *Binding) {
		b.writer = w
	}
}

// WithReaderFactory replaces how per-topic readers are built.
func WithReaderFactory(f func(topic string) MessageReader) Option {
	return func(b *Binding) {
		b.newReader = f
	}
}

// WithHealthCheck replaces the broker connectivity check.
func WithHealthCheck(ping func(ctx context.Context) error) Option {
	return func(b *Binding) {
		b.ping = ping
	}
}

// NewBinding validates cfg and prepares the writer. No connection is made
// until the first send, subscribe or health check.
func NewBinding(cfg Config, opts ...Option) (*Binding, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	mechanism, err := newMechanism(cfg.SASL)
	if err != nil {
		return nil, err
	}
	dialer := newDialer(cfg, mechanism)

	b := &Binding{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	b.logger = b.logger.With(zap.String("transport", Name))

	if b.writer == nil {
		b.writer = newWriter(cfg, mechanism)
	}
	if b.newReader == nil {
		b.newReader = func(topic string) MessageReader {
			return newReader(cfg, dialer, topic)
		}
	}
	if b.ping == nil {
		b.ping = func(ctx context.Context) error {
			return pingBrokers(ctx, dialer, cfg.Brokers)
		}
	}
	b.subs = transport.NewSubscriptions(b.logger)

	return b, nil
}

func (b *Binding) Name() string {
	return Name
}

func (b *Binding) Send(ctx context.Context, destination string, msg *models.Message) error {
	if b.closed.Load() {
		return &transport.Error{Transport: Name, Op: "send", Destination: destination, Err: transport.ErrClosed}
	}

	if err := b.writer.WriteMessages(ctx, toKafkaMessage(destination, msg)); err != nil {
		return &transport.Error{Transport: Name, Op: "send", Destination: destination, Err: err}
	}

	b.logger.Debug("Message published",
		zap.String("topic", destination),
		zap.String("message_id", msg.ID),
		zap.Int("attempt", msg.Attempt),
	)
	return nil
}

func (b *Binding) Subscribe(ctx context.Context, destination string, handler transport.Handler) error {
	err := b.subs.Register(destination, handler, func(ctx context.Context) (transport.Source, error) {
		return &readerSource{reader: b.newReader(destination), topic: destination}, nil
	})
	if err != nil {
		return &transport.Error{Transport: Name, Op: "subscribe", Destination: destination, Err: err}
	}
	return nil
}

// Acknowledge is intentionally a no-op; see the Binding documentation.
func (b *Binding) Acknowledge(ctx context.Context, d transport.Delivery) error {
	return nil
}

func (b *Binding) HealthCheck(ctx context.Context) error {
	if b.closed.Load() {
		return transport.ErrClosed
	}
	if err := b.ping(ctx); err != nil {
		return &transport.Error{Transport: Name, Op: "health", Err: err}
	}
	return nil
}

// Close drains every subscription, then closes the readers and the writer.
func (b *Binding) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.logger.Info("Closing kafka binding")

		err := b.subs.Close()
		if werr := b.writer.Close(); werr != nil && !errors.Is(werr, context.Canceled) {
			err = multierr.Append(err, werr)
		}
		b.closeErr = err
	})
	return b.closeErr
}

// Destinations lists the topics with an active delivery loop.
func (b *Binding) Destinations() []string {
	return b.subs.Destinations()
}

var _ transport.Binding = (*Binding)(nil)
var _ transport.HealthChecker = (*Binding)(nil)
var _ MessageWriter = (*kafka.Writer)(nil)
var _ MessageReader = (*kafka.Reader)(nil)
