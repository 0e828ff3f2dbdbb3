package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

const (
	// DefaultMaxAttempts is the authoritative attempt budget.
	DefaultMaxAttempts = 5
	DefaultDelay       = time.Second
)

// Policy configures how many times an operation runs and how long to wait
// between runs. The delay is fixed unless Multiplier is greater than 1.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("maxAttempts must be at least 1")
	}
	if p.Delay < 0 {
		return errors.New("delay cannot be negative")
	}
	if p.MaxDelay < 0 {
		return errors.New("maxDelay cannot be negative")
	}
	if p.Multiplier < 0 {
		return errors.New("multiplier cannot be negative")
	}
	return nil
}

// Exponential reports whether the policy grows its delay between attempts.
func (p Policy) Exponential() bool {
	return p.Multiplier > 1
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := p.Delay
	if p.Exponential() {
		backoff = time.Duration(float64(p.Delay) * math.Pow(p.Multiplier, float64(attempt-1)))
		if p.MaxDelay > 0 && backoff > p.MaxDelay {
			backoff = p.MaxDelay
		}
	}

	if p.Jitter && backoff > 0 {
		if maxJitter := backoff / 4; maxJitter > 0 {
			backoff += time.Duration(rand.Int63n(int64(maxJitter)))
			if p.MaxDelay > 0 && backoff > p.MaxDelay {
				backoff = p.MaxDelay
			}
		}
	}

	return backoff
}
