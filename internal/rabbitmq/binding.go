// Package rabbitmq binds the messaging contract to an AMQP 0-9-1 queue
// broker.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go-msgbus/internal/transport"
	"go-msgbus/pkg/models"

	"github.com/cespare/xxhash/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	Name = "rabbitmq"

	DefaultURI      = "amqp://localhost"
	DefaultQueue    = "default-queue"
	DefaultPrefetch = 1

	headerKey = "message-key"
)

// Config describes the broker connection. Queues are declared durable
// unless NonDurable is set, so the zero value keeps the durable contract.
type Config struct {
	URI        string
	Queue      string
	Username   string
	Password   string
	NonDurable bool
	// Prefetch bounds unacknowledged deliveries per consumer channel.
	Prefetch    int
	ConsumerTag string
}

// DefaultConfig returns the configuration for a local broker.
func DefaultConfig() Config {
	return Config{
		URI:      DefaultURI,
		Queue:    DefaultQueue,
		Prefetch: DefaultPrefetch,
	}
}

func (c *Config) setDefaults() {
	if c.URI == "" {
		c.URI = DefaultURI
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
}

// Binding implements transport.Binding for RabbitMQ. Sends share one
// channel guarded by a mutex; each subscribed queue gets its own channel.
type Binding struct {
	cfg    Config
	logger *zap.Logger
	dial   DialFunc
	conn   Connection

	pubMu    sync.Mutex
	pubCh    Channel
	declared map[string]bool

	subs      *transport.Subscriptions
	lostMu    sync.Mutex
	lost      map[string]error
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

// WithDialer replaces the amqp091 dialer, mainly for tests.
func WithDialer(dial DialFunc) Option {
	return func(b *Binding) {
		b.dial = dial
	}
}

// NewBinding connects, opens the publish channel and declares the configured
// default queue.
func NewBinding(ctx context.Context, cfg Config, opts ...Option) (*Binding, error) {
	cfg.setDefaults()

	uri, err := mergeCredentials(cfg.URI, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}
	cfg.URI = uri

	b := &Binding{
		cfg:      cfg,
		logger:   zap.NewNop(),
		dial:     Dial,
		declared: make(map[string]bool),
		lost:     make(map[string]error),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	b.logger = b.logger.With(zap.String("transport", Name))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := b.dial(cfg.URI)
	if err != nil {
		return nil, &transport.Error{Transport: Name, Op: "connect", Err: fmt.Errorf("%s: %w", SanitizeURL(cfg.URI), err)}
	}
	b.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, &transport.Error{Transport: Name, Op: "connect", Err: fmt.Errorf("failed to open channel: %w", err)}
	}
	b.pubCh = ch

	if err := b.declare(ch, cfg.Queue); err != nil {
		ch.Close()
		conn.Close()
		return nil, &transport.Error{Transport: Name, Op: "declare", Destination: cfg.Queue, Err: err}
	}
	b.declared[cfg.Queue] = true

	b.subs = transport.NewSubscriptions(b.logger, transport.OnSourceLost(b.consumerLost))

	b.logger.Info("Connected to RabbitMQ",
		zap.String("url", SanitizeURL(cfg.URI)),
		zap.String("queue", cfg.Queue),
	)
	return b, nil
}

func (b *Binding) declare(ch Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, !b.cfg.NonDurable, false, false, false, nil)
	return err
}

func (b *Binding) Name() string {
	return Name
}

func (b *Binding) Send(ctx context.Context, destination string, msg *models.Message) error {
	if b.closed.Load() {
		return &transport.Error{Transport: Name, Op: "send", Destination: destination, Err: transport.ErrClosed}
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if !b.declared[destination] {
		if err := b.declare(b.pubCh, destination); err != nil {
			return &transport.Error{Transport: Name, Op: "declare", Destination: destination, Err: err}
		}
		b.declared[destination] = true
	}

	if err := b.pubCh.PublishWithContext(ctx, "", destination, false, false, toPublishing(msg)); err != nil {
		return &transport.Error{Transport: Name, Op: "send", Destination: destination, Err: err}
	}

	b.logger.Debug("Message published",
		zap.String("queue", destination),
		zap.String("message_id", msg.ID),
		zap.Int("attempt", msg.Attempt),
	)
	return nil
}

func (b *Binding) Subscribe(ctx context.Context, destination string, handler transport.Handler) error {
	err := b.subs.Register(destination, handler, func(ctx context.Context) (transport.Source, error) {
		return b.openSource(destination)
	})
	if err != nil {
		return &transport.Error{Transport: Name, Op: "subscribe", Destination: destination, Err: err}
	}

	b.lostMu.Lock()
	delete(b.lost, destination)
	b.lostMu.Unlock()
	return nil
}

// consumerLost records a consumer channel closed by the broker. The binding
// reports unhealthy until the destination is subscribed again.
func (b *Binding) consumerLost(destination string, err error) {
	b.lostMu.Lock()
	if _, live := b.subs.Handler(destination); live {
		// Already resubscribed.
		b.lostMu.Unlock()
		return
	}
	b.lost[destination] = err
	b.lostMu.Unlock()
	b.logger.Error("Consumer channel closed by broker", zap.String("queue", destination), zap.Error(err))
}

func (b *Binding) openSource(queue string) (transport.Source, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := b.declare(ch, queue); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	deliveries, err := ch.Consume(queue, b.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	b.logger.Info("Consumer started", zap.String("queue", queue), zap.Int("prefetch", b.cfg.Prefetch))
	return &deliverySource{ch: ch, deliveries: deliveries, queue: queue}, nil
}

func (b *Binding) Acknowledge(ctx context.Context, d transport.Delivery) error {
	raw, err := amqpDelivery(d)
	if err != nil {
		return err
	}
	if err := raw.Ack(false); err != nil {
		return &transport.Error{Transport: Name, Op: "ack", Destination: d.Destination, Err: err}
	}
	return nil
}

// Reject returns the delivery to the broker. With requeue false the broker
// discards it or routes it to a queue-level dead-letter exchange.
func (b *Binding) Reject(ctx context.Context, d transport.Delivery, requeue bool) error {
	raw, err := amqpDelivery(d)
	if err != nil {
		return err
	}
	if err := raw.Nack(false, requeue); err != nil {
		return &transport.Error{Transport: Name, Op: "reject", Destination: d.Destination, Err: err}
	}
	return nil
}

func (b *Binding) HealthCheck(ctx context.Context) error {
	if b.closed.Load() {
		return transport.ErrClosed
	}
	if b.conn.IsClosed() {
		return &transport.Error{Transport: Name, Op: "health", Err: amqp.ErrClosed}
	}

	b.lostMu.Lock()
	defer b.lostMu.Unlock()
	for queue, err := range b.lost {
		return &transport.Error{Transport: Name, Op: "health", Destination: queue, Err: fmt.Errorf("consumer lost: %w", err)}
	}
	return nil
}

func (b *Binding) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.logger.Info("Closing rabbitmq binding")

		err := b.subs.Close()

		b.pubMu.Lock()
		err = multierr.Append(err, ignoreClosed(b.pubCh.Close()))
		b.pubMu.Unlock()

		err = multierr.Append(err, ignoreClosed(b.conn.Close()))
		b.closeErr = err
	})
	return b.closeErr
}

func ignoreClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func amqpDelivery(d transport.Delivery) (amqp.Delivery, error) {
	raw, ok := d.Handle.(amqp.Delivery)
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("delivery for %s has no amqp handle", d.Destination)
	}
	return raw, nil
}

type deliverySource struct {
	ch         Channel
	deliveries <-chan amqp.Delivery
	queue      string
}

func (s *deliverySource) Next(ctx context.Context) (transport.Delivery, error) {
	select {
	case <-ctx.Done():
		return transport.Delivery{}, ctx.Err()
	case d, ok := <-s.deliveries:
		if !ok {
			return transport.Delivery{}, transport.ErrSourceClosed
		}
		return transport.Delivery{
			Message:     toInternalMessage(s.queue, d),
			Destination: s.queue,
			Handle:      d,
		}, nil
	}
}

func (s *deliverySource) Close() error {
	return ignoreClosed(s.ch.Close())
}

func toPublishing(msg *models.Message) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[models.HeaderMessageID] = msg.ID
	headers[models.HeaderAttempt] = strconv.Itoa(msg.Attempt)
	if msg.Key != "" {
		headers[headerKey] = msg.Key
	}

	contentType := msg.Headers[models.HeaderContentType]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    ts,
		Body:         msg.Value,
	}
}

func toInternalMessage(queue string, d amqp.Delivery) *models.Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}

	id := d.MessageId
	if id == "" {
		id = headers[models.HeaderMessageID]
	}
	if id == "" {
		// Delivery tags change on every redelivery; the content does not.
		id = contentID(queue, d.Body, headers)
	}

	key := headers[headerKey]
	delete(headers, headerKey)

	return &models.Message{
		ID:          id,
		Key:         key,
		Value:       d.Body,
		Headers:     headers,
		Destination: queue,
		Timestamp:   d.Timestamp,
		Attempt:     models.AttemptFromHeaders(headers),
	}
}

// contentID derives a stable id from the queue, headers and body.
func contentID(queue string, body []byte, headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	h.WriteString(queue)
	for _, k := range keys {
		h.WriteString("\x00" + k + "=" + headers[k])
	}
	h.WriteString("\x00")
	h.Write(body)
	return fmt.Sprintf("%s-%016x", queue, h.Sum64())
}

var _ transport.Binding = (*Binding)(nil)
var _ transport.Rejecter = (*Binding)(nil)
var _ transport.HealthChecker = (*Binding)(nil)
