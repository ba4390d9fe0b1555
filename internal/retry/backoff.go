package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"whatsauto/internal/models"
)

// Policy configures exponential backoff between attempts.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Jitter       bool
}

// DefaultPolicy is used when no retry configuration is given.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// PolicyFromConfig maps the retry section of the config file onto a Policy.
// Zero fields keep their defaults.
func PolicyFromConfig(cfg models.RetryConfig) Policy {
	p := DefaultPolicy()
	if cfg.InitialBackoffMs > 0 {
		p.InitialDelay = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		p.MaxDelay = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	return p
}

// Backoff runs operations under a Policy
type Backoff struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewBackoff(policy Policy) *Backoff {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Backoff{policy: policy, sleep: sleepContext}
}

// Do calls op until it succeeds, returns an error that isRetryable rejects,
// or runs out of attempts. A nil isRetryable retries every error. The last
// error is returned unwrapped.
func (b *Backoff) Do(ctx context.Context, op func(ctx context.Context) error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 1; attempt <= b.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == b.policy.MaxAttempts {
			break
		}

		if err := b.sleep(ctx, b.Delay(attempt)); err != nil {
			return err
		}
	}

	return lastErr
}

// Delay is the wait after the given failed attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.policy.InitialDelay) * math.Pow(b.policy.Multiplier, float64(attempt-1))
	if delay > float64(b.policy.MaxDelay) {
		delay = float64(b.policy.MaxDelay)
	}

	if b.policy.Jitter {
		// +/-25%
		delay += (rand.Float64() - 0.5) * 0.5 * delay
		if delay > float64(b.policy.MaxDelay) {
			delay = float64(b.policy.MaxDelay)
		}
	}

	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
