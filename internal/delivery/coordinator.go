// Package delivery coordinates sends and subscriptions over a transport
// binding with retry and dead-letter handling.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-msgbus/internal/deadletter"
	"go-msgbus/internal/observability"
	"go-msgbus/internal/retry"
	"go-msgbus/internal/transport"
	"go-msgbus/pkg/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const DefaultHandlerTimeout = 30 * time.Second

// ConsumePolicy decides what happens to a delivery whose handler failed.
type ConsumePolicy int

const (
	// DeadLetterOnFailure dead-letters on the first handler failure.
	DeadLetterOnFailure ConsumePolicy = iota
	// RedeliverOnFailure hands the delivery back to the broker until the
	// retry budget is spent, then dead-letters it. Bindings that cannot
	// reject fall back to DeadLetterOnFailure.
	RedeliverOnFailure
)

func (p ConsumePolicy) String() string {
	switch p {
	case DeadLetterOnFailure:
		return "dead-letter"
	case RedeliverOnFailure:
		return "redeliver"
	default:
		return fmt.Sprintf("ConsumePolicy(%d)", int(p))
	}
}

// Handler processes a consumed message.
type Handler func(ctx context.Context, msg *models.Message) error

// HandlerError wraps a consumer handler failure, including recovered panics.
type HandlerError struct {
	MessageID   string
	Destination string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed for message %s on %s: %v", e.MessageID, e.Destination, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Receipt describes how a produced message ended.
type Receipt struct {
	MessageID    string
	Attempts     int
	DeadLettered bool
	// Reason is the last send error when the message was dead-lettered.
	Reason string
}

// Coordinator sends and consumes through one binding. Failed sends are
// retried by the engine; whatever cannot be delivered goes to the router.
type Coordinator struct {
	binding        transport.Binding
	engine         *retry.Engine
	router         *deadletter.Router
	metrics        observability.MetricsCollector
	logger         *zap.Logger
	policy         ConsumePolicy
	handlerTimeout time.Duration
	closers        []func() error
	done           chan struct{}
	closeOnce      sync.Once
	closeErr       error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithConsumePolicy(policy ConsumePolicy) Option {
	return func(c *Coordinator) {
		c.policy = policy
	}
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.handlerTimeout = d
		}
	}
}

// withCloser registers a resource released after the binding on Close.
func withCloser(fn func() error) Option {
	return func(c *Coordinator) {
		c.closers = append(c.closers, fn)
	}
}

// New builds a Coordinator over binding. The engine's policy bounds both
// produce retries and consumer redeliveries.
func New(binding transport.Binding, engine *retry.Engine, router *deadletter.Router, metrics observability.MetricsCollector, opts ...Option) *Coordinator {
	c := &Coordinator{
		binding:        binding,
		engine:         engine,
		router:         router,
		metrics:        metrics,
		logger:         zap.NewNop(),
		handlerTimeout: DefaultHandlerTimeout,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("transport", binding.Name()))
	return c
}

// Produce sends msg to destination, retrying transport failures. It returns
// once the message is either sent or dead-lettered. The error is non-nil
// only for invalid input or when the dead-letter store rejects the entry.
func (c *Coordinator) Produce(ctx context.Context, destination string, msg *models.Message) (Receipt, error) {
	if msg == nil {
		return Receipt{}, errors.New("message cannot be nil")
	}
	if destination == "" {
		return Receipt{}, errors.New("destination cannot be empty")
	}

	msg = msg.Clone()
	msg.Destination = destination
	receipt := Receipt{MessageID: msg.ID}

	err := c.engine.Do(ctx, msg.ID, func(ctx context.Context, attempt int) error {
		receipt.Attempts = attempt
		return c.binding.Send(ctx, destination, msg.WithAttempt(attempt))
	})
	if err == nil {
		c.metrics.IncSent(destination)
		c.logger.Debug("Message produced",
			zap.String("destination", destination),
			zap.String("message_id", msg.ID),
			zap.Int("attempts", receipt.Attempts),
		)
		return receipt, nil
	}

	reason := err.Error()
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		receipt.Attempts = exhausted.Attempts
		reason = exhausted.Err.Error()
	}
	receipt.DeadLettered = true
	receipt.Reason = reason

	// The caller may have given up; the dead letter must still be recorded.
	routeCtx := context.WithoutCancel(ctx)
	if rerr := c.router.Route(routeCtx, msg.WithAttempt(receipt.Attempts), reason,
		deadletter.Attempts(receipt.Attempts),
		deadletter.FromSource(deadletter.SourceProduce),
		deadletter.OriginalDestination(destination),
	); rerr != nil {
		return receipt, rerr
	}
	return receipt, nil
}

// Consume registers handler for destination. Calling it again for the same
// destination replaces the handler.
func (c *Coordinator) Consume(ctx context.Context, destination string, handler Handler) error {
	if destination == "" {
		return errors.New("destination cannot be empty")
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	if err := c.binding.Subscribe(ctx, destination, c.adapt(destination, handler)); err != nil {
		return err
	}
	c.logger.Info("Consuming", zap.String("destination", destination), zap.Stringer("policy", c.policy))
	return nil
}

func (c *Coordinator) adapt(destination string, handler Handler) transport.Handler {
	return func(ctx context.Context, d transport.Delivery) error {
		msg := d.Message
		if msg.Destination == "" {
			msg.Destination = destination
		}

		if err := c.invoke(ctx, destination, handler, msg); err != nil {
			return c.handleFailure(ctx, destination, d, err)
		}

		if err := c.binding.Acknowledge(ctx, d); err != nil {
			// Unacknowledged deliveries are redelivered by the broker.
			c.logger.Error("Failed to acknowledge message",
				zap.String("destination", destination),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			return err
		}
		if c.policy == RedeliverOnFailure {
			c.engine.Forget(msg.ID)
		}
		c.metrics.IncReceived(destination)
		return nil
	}
}

func (c *Coordinator) invoke(ctx context.Context, destination string, handler Handler, msg *models.Message) (err error) {
	hctx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{MessageID: msg.ID, Destination: destination, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if herr := handler(hctx, msg); herr != nil {
		return &HandlerError{MessageID: msg.ID, Destination: destination, Err: herr}
	}
	return nil
}

func (c *Coordinator) handleFailure(ctx context.Context, destination string, d transport.Delivery, err error) error {
	msg := d.Message
	logger := c.logger.With(
		zap.String("destination", destination),
		zap.String("message_id", msg.ID),
	)
	rejecter, canReject := c.binding.(transport.Rejecter)

	attempts := 1
	if c.policy == RedeliverOnFailure && canReject {
		attempt, exhausted := c.engine.RecordFailure(msg.ID, err)
		if !exhausted {
			logger.Warn("Handler failed, requeueing",
				zap.Int("attempt", attempt.Count),
				zap.Int("max_attempts", c.engine.Policy().MaxAttempts),
				zap.Time("next_retry_at", attempt.NextRetryAt),
				zap.Error(err),
			)
			if werr := c.waitRetry(ctx, attempt); werr != nil {
				logger.Debug("Backoff cut short", zap.Error(werr))
			}
			if rerr := rejecter.Reject(ctx, d, true); rerr != nil {
				return multierr.Append(err, rerr)
			}
			return err
		}
		attempts = attempt.Count
	}

	reason := err.Error()
	var herr *HandlerError
	if errors.As(err, &herr) {
		reason = herr.Err.Error()
	}

	routeErr := c.router.Route(context.WithoutCancel(ctx), msg, reason,
		deadletter.Attempts(attempts),
		deadletter.FromSource(deadletter.SourceConsume),
		deadletter.OriginalDestination(destination),
	)
	if routeErr != nil {
		// Leave the delivery unsettled so the broker keeps it.
		return multierr.Append(err, routeErr)
	}

	if canReject {
		if rerr := rejecter.Reject(ctx, d, false); rerr != nil {
			logger.Error("Failed to reject dead-lettered message", zap.Error(rerr))
			return multierr.Append(err, rerr)
		}
	}
	return err
}

// waitRetry holds the delivery until its backoff is due. Close ends the wait
// early so subscriptions can drain.
func (c *Coordinator) waitRetry(ctx context.Context, attempt retry.Attempt) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-wctx.Done():
		}
	}()
	return c.engine.WaitRetry(wctx, attempt)
}

// MonitorHealth polls the binding every interval until ctx is done and
// publishes the result to the metrics sink.
func (c *Coordinator) MonitorHealth(ctx context.Context, interval time.Duration) {
	checker, ok := c.binding.(transport.HealthChecker)
	if !ok {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	check := func() {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := checker.HealthCheck(checkCtx); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Health check failed", zap.Error(err))
			}
			c.metrics.SetHealthy(false)
			return
		}
		c.metrics.SetHealthy(true)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Metrics returns the current counters when the sink can report them.
func (c *Coordinator) Metrics() observability.Snapshot {
	if source, ok := c.metrics.(observability.SnapshotSource); ok {
		return source.Snapshot()
	}
	return observability.Snapshot{}
}

func (c *Coordinator) DeadLetters() *deadletter.Router {
	return c.router
}

func (c *Coordinator) Binding() transport.Binding {
	return c.binding
}

// Close drains the binding's subscriptions, then releases auxiliary
// resources. Repeat calls return the first result.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		err := c.binding.Close()
		for _, closer := range c.closers {
			err = multierr.Append(err, closer())
		}
		c.closeErr = err
		c.logger.Info("Coordinator closed")
	})
	return c.closeErr
}
