package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Source yields deliveries for a single destination.
type Source interface {
	// Next blocks until a delivery is available or ctx is done.
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

// OpenFunc opens the broker stream for a destination. ctx lives until the
// owning Subscriptions is closed.
type OpenFunc func(ctx context.Context) (Source, error)

// Subscriptions runs one delivery loop per destination.
type Subscriptions struct {
	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	subs         map[string]*subscription
	wg           sync.WaitGroup
	logger       *zap.Logger
	fetchBackoff time.Duration
	closed       bool
	closeOnce    sync.Once
	onLost       func(destination string, err error)
}

// SubscriptionsOption configures a Subscriptions registry.
type SubscriptionsOption func(*Subscriptions)

// OnSourceLost registers fn to be called when a destination's source ends
// on its own, such as a broker closing the consumer channel.
func OnSourceLost(fn func(destination string, err error)) SubscriptionsOption {
	return func(s *Subscriptions) {
		s.onLost = fn
	}
}

type subscription struct {
	destination string
	source      Source
	handler     atomic.Pointer[Handler]
}

func NewSubscriptions(logger *zap.Logger, opts ...SubscriptionsOption) *Subscriptions {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriptions{
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[string]*subscription),
		logger:       logger,
		fetchBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs handler for destination. The first registration opens
// the source and starts its loop; later ones only swap the handler. The
// source is opened without holding the registry lock.
func (s *Subscriptions) Register(destination string, handler Handler, open OpenFunc) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	if s.swap(destination, handler) {
		return nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	source, err := open(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", destination, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		source.Close()
		return ErrClosed
	}
	if sub, ok := s.subs[destination]; ok {
		// A concurrent Register won the race; keep its loop.
		sub.handler.Store(&handler)
		s.mu.Unlock()
		source.Close()
		return nil
	}

	sub := &subscription{destination: destination, source: source}
	sub.handler.Store(&handler)
	s.subs[destination] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(sub)

	s.logger.Info("Subscribed", zap.String("destination", destination))
	return nil
}

// swap replaces the handler of a live loop. It reports false when no loop
// exists for destination or the registry is closed.
func (s *Subscriptions) swap(destination string, handler Handler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	sub, ok := s.subs[destination]
	if !ok {
		return false
	}
	sub.handler.Store(&handler)
	s.logger.Warn("Handler replaced for destination", zap.String("destination", destination))
	return true
}

// Handler returns the handler currently registered for destination.
func (s *Subscriptions) Handler(destination string) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[destination]
	if !ok {
		return nil, false
	}
	return *sub.handler.Load(), true
}

// Destinations lists the destinations with an active loop.
func (s *Subscriptions) Destinations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.subs))
	for d := range s.subs {
		out = append(out, d)
	}
	return out
}

func (s *Subscriptions) run(sub *subscription) {
	defer s.wg.Done()

	// In-flight handlers finish even after Close cancels fetching.
	handlerCtx := context.WithoutCancel(s.ctx)
	logger := s.logger.With(zap.String("destination", sub.destination))

	for {
		if s.ctx.Err() != nil {
			logger.Info("Delivery loop stopped")
			return
		}

		d, err := sub.source.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				logger.Info("Delivery loop stopped")
				return
			}
			if errors.Is(err, ErrSourceClosed) {
				s.lose(sub, err)
				return
			}
			logger.Error("Failed to fetch message", zap.Error(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.fetchBackoff):
			}
			continue
		}

		handler := *sub.handler.Load()
		if err := handler(handlerCtx, d); err != nil {
			logger.Error("Delivery handler failed", zap.Error(err))
		}
	}
}

// lose unregisters a loop whose source ended without Close, so the next
// Register opens a fresh source.
func (s *Subscriptions) lose(sub *subscription, cause error) {
	s.mu.Lock()
	if s.closed {
		// Close owns the source now.
		s.mu.Unlock()
		return
	}
	if s.subs[sub.destination] == sub {
		delete(s.subs, sub.destination)
	}
	onLost := s.onLost
	s.mu.Unlock()

	if err := sub.source.Close(); err != nil {
		s.logger.Debug("Failed to close lost source", zap.String("destination", sub.destination), zap.Error(err))
	}
	s.logger.Error("Delivery source lost", zap.String("destination", sub.destination), zap.Error(cause))
	if onLost != nil {
		onLost(sub.destination, cause)
	}
}

// Close stops every loop, waits for in-flight handlers, then closes the
// sources. Only the first call does any work.
func (s *Subscriptions) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		subs := make([]*subscription, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()

		for _, sub := range subs {
			err = multierr.Append(err, sub.source.Close())
		}
	})
	return err
}

// ChannelSource adapts a delivery channel to Source.
type ChannelSource struct {
	C       <-chan Delivery
	OnClose func() error
}

func (c *ChannelSource) Next(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case d, ok := <-c.C:
		if !ok {
			return Delivery{}, ErrSourceClosed
		}
		return d, nil
	}
}

func (c *ChannelSource) Close() error {
	if c.OnClose != nil {
		return c.OnClose()
	}
	return nil
}
