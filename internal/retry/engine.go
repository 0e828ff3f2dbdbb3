// Package retry runs operations under a bounded attempt budget and tracks
// per-message attempt state while the operation is in flight.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State int

const (
	Pending State = iota
	Attempting
	RetryScheduled
	Succeeded
	Exhausted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Attempting:
		return "attempting"
	case RetryScheduled:
		return "retry_scheduled"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Attempt is the engine's record of one logical message in flight.
type Attempt struct {
	MessageID   string
	Count       int
	LastError   error
	NextRetryAt time.Time
	State       State
}

// Func is one try of an operation. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Observer is notified on every state transition.
type Observer func(a Attempt)

type Engine struct {
	policy   Policy
	logger   *zap.Logger
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*Attempt
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		e.observer = observer
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

func NewEngine(policy Policy, opts ...Option) *Engine {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.Delay < 0 {
		policy.Delay = 0
	}

	e := &Engine{
		policy:   policy,
		logger:   zap.NewNop(),
		sleep:    sleepContext,
		now:      time.Now,
		inflight: make(map[string]*Attempt),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Do runs fn until it succeeds, returns a permanent error, or the attempt
// budget is spent. Failures end in an *ExhaustedError carrying the last error.
// Waiting between attempts honours ctx; cancellation exhausts the operation.
func (e *Engine) Do(ctx context.Context, messageID string, fn Func) error {
	a := &Attempt{MessageID: messageID, State: Pending}
	e.track(a)
	defer e.untrack(a)

	for {
		attempt := e.begin(a)

		err := fn(ctx, attempt)
		if err == nil {
			e.transition(a, Succeeded, nil)
			return nil
		}

		if IsPermanent(err) || attempt >= e.policy.MaxAttempts {
			e.transition(a, Exhausted, err)
			e.logger.Warn("Retries exhausted",
				zap.String("message_id", messageID),
				zap.Int("attempts", attempt),
				zap.Bool("permanent", IsPermanent(err)),
				zap.Error(err),
			)
			return &ExhaustedError{MessageID: messageID, Attempts: attempt, Err: err}
		}

		backoff := e.policy.Backoff(attempt)
		e.mu.Lock()
		a.NextRetryAt = e.now().Add(backoff)
		e.mu.Unlock()
		e.transition(a, RetryScheduled, err)

		e.logger.Info("Retrying operation",
			zap.String("message_id", messageID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.policy.MaxAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		if sleepErr := e.sleep(ctx, backoff); sleepErr != nil {
			e.transition(a, Exhausted, err)
			return &ExhaustedError{
				MessageID: messageID,
				Attempts:  attempt,
				Err:       fmt.Errorf("retry aborted: %w; last error: %v", sleepErr, err),
			}
		}
	}
}

// RecordFailure counts a failure that happened outside Do, such as a
// consumer handler whose message the broker will redeliver. exhausted is
// true once the budget is spent; the record is then dropped.
func (e *Engine) RecordFailure(messageID string, err error) (Attempt, bool) {
	e.mu.Lock()
	a, ok := e.inflight[messageID]
	if !ok {
		a = &Attempt{MessageID: messageID, State: Pending}
		e.inflight[messageID] = a
	}
	a.Count++
	a.LastError = err
	exhausted := a.Count >= e.policy.MaxAttempts || IsPermanent(err)
	if exhausted {
		a.State = Exhausted
		delete(e.inflight, messageID)
	} else {
		a.State = RetryScheduled
		a.NextRetryAt = e.now().Add(e.policy.Backoff(a.Count))
	}
	snapshot := *a
	e.mu.Unlock()

	e.notify(snapshot)
	return snapshot, exhausted
}

// WaitRetry blocks until the retry scheduled for a is due or ctx ends.
func (e *Engine) WaitRetry(ctx context.Context, a Attempt) error {
	if a.NextRetryAt.IsZero() {
		return nil
	}
	return e.sleep(ctx, a.NextRetryAt.Sub(e.now()))
}

// Forget drops any attempt record for messageID.
func (e *Engine) Forget(messageID string) {
	e.mu.Lock()
	delete(e.inflight, messageID)
	e.mu.Unlock()
}

// Inflight returns the current record for messageID.
func (e *Engine) Inflight(messageID string) (Attempt, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.inflight[messageID]
	if !ok {
		return Attempt{}, false
	}
	return *a, true
}

func (e *Engine) track(a *Attempt) {
	e.mu.Lock()
	e.inflight[a.MessageID] = a
	e.mu.Unlock()
}

// untrack only removes a if a newer operation has not replaced it.
func (e *Engine) untrack(a *Attempt) {
	e.mu.Lock()
	if e.inflight[a.MessageID] == a {
		delete(e.inflight, a.MessageID)
	}
	e.mu.Unlock()
}

func (e *Engine) begin(a *Attempt) int {
	e.mu.Lock()
	a.Count++
	a.State = Attempting
	snapshot := *a
	e.mu.Unlock()

	e.notify(snapshot)
	return snapshot.Count
}

func (e *Engine) transition(a *Attempt, state State, err error) {
	e.mu.Lock()
	a.State = state
	if err != nil {
		a.LastError = err
	}
	snapshot := *a
	e.mu.Unlock()

	e.notify(snapshot)
}

func (e *Engine) notify(a Attempt) {
	if e.observer != nil {
		e.observer(a)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
