// Package deadletter holds messages whose delivery or processing failed
// terminally so they can be inspected or replayed.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-msgbus/internal/observability"
	"go-msgbus/pkg/models"

	"go.uber.org/zap"
)

// Forwarder publishes a dead-lettered copy to a broker destination.
type Forwarder func(ctx context.Context, destination string, msg *models.Message) error

// Router records messages that could not be delivered. Entries go to the
// store first; the optional forwarder then copies them to a broker queue.
type Router struct {
	store     Store
	metrics   observability.MetricsCollector
	logger    *zap.Logger
	queueName string
	forward   Forwarder
	now       func() time.Time
}

type Option func(*Router)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithForwarder also publishes every routed message to queueName.
func WithForwarder(queueName string, forward Forwarder) Option {
	return func(r *Router) {
		r.queueName = queueName
		r.forward = forward
	}
}

// NewRouter builds a Router over store. metrics counts every routed entry.
func NewRouter(store Store, metrics observability.MetricsCollector, opts ...Option) *Router {
	if store == nil {
		store = NewMemoryStore(0)
	}
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}

	r := &Router{
		store:   store,
		metrics: metrics,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

type routeOptions struct {
	attempts    int
	source      Source
	destination string
}

type RouteOption func(*routeOptions)

func Attempts(n int) RouteOption {
	return func(o *routeOptions) {
		o.attempts = n
	}
}

func FromSource(s Source) RouteOption {
	return func(o *routeOptions) {
		o.source = s
	}
}

// OriginalDestination overrides the message's own destination.
func OriginalDestination(d string) RouteOption {
	return func(o *routeOptions) {
		o.destination = d
	}
}

// Route records msg as dead. The failed counter is incremented even when the
// store rejects the entry; the store error is returned to the caller.
func (r *Router) Route(ctx context.Context, msg *models.Message, reason string, opts ...RouteOption) error {
	if msg == nil {
		return errors.New("dead-letter message cannot be nil")
	}

	o := routeOptions{attempts: msg.Attempt, destination: msg.Destination}
	for _, opt := range opts {
		opt(&o)
	}

	entry := Entry{
		Message:             msg.Clone(),
		Reason:              reason,
		FailedAt:            r.now().UTC(),
		OriginalDestination: o.destination,
		Attempts:            o.attempts,
		Source:              o.source,
	}

	logger := r.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("destination", o.destination),
		zap.String("source", string(o.source)),
		zap.Int("attempts", o.attempts),
		zap.String("reason", reason),
	)

	r.metrics.IncFailed(o.destination)

	if err := r.store.Append(ctx, entry); err != nil {
		logger.Error("Failed to store dead-letter entry", zap.Error(err))
		return fmt.Errorf("dead-letter message %s: %w", msg.ID, err)
	}
	logger.Info("Message dead-lettered")

	r.forwardEntry(ctx, entry, logger)
	return nil
}

func (r *Router) forwardEntry(ctx context.Context, entry Entry, logger *zap.Logger) {
	if r.forward == nil || r.queueName == "" || entry.OriginalDestination == r.queueName {
		return
	}

	msg := entry.Message.Clone()
	msg.Destination = r.queueName
	msg.Headers[models.HeaderOriginalDestination] = entry.OriginalDestination
	msg.Headers[models.HeaderFailureReason] = entry.Reason
	msg.Headers[models.HeaderFailedAt] = entry.FailedAt.Format(time.RFC3339)

	if err := r.forward(ctx, r.queueName, msg); err != nil {
		logger.Error("Failed to forward message to dead-letter queue",
			zap.String("queue", r.queueName),
			zap.Error(err),
		)
		return
	}
	logger.Debug("Message forwarded to dead-letter queue", zap.String("queue", r.queueName))
}

// Drain returns every entry and clears the store. A store may return
// entries alongside an error when some items could not be read.
func (r *Router) Drain(ctx context.Context) ([]Entry, error) {
	return r.store.Drain(ctx)
}

// Peek returns every entry without removing any.
func (r *Router) Peek(ctx context.Context) ([]Entry, error) {
	return r.store.List(ctx)
}

func (r *Router) Len(ctx context.Context) (int, error) {
	return r.store.Len(ctx)
}
