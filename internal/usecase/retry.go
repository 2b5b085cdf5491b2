package usecase

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"threadrelay/internal/domain"
)

// RetryPolicy bounds the retries around one provider call.
type RetryPolicy struct {
	MinWait     time.Duration
	MaxWait     time.Duration
	MaxAttempts int
	// Multiplier scales the exponential term, in seconds per 2^attempt.
	Multiplier float64
}

// RetryController re-invokes a provider while it reports a rate limit. Any
// other failure is returned immediately.
type RetryController struct {
	policy RetryPolicy
	logger *slog.Logger
	timer  backoff.Timer // nil uses the real clock
	rand   func() float64
}

// NewRetryController creates a retry controller for policy.
func NewRetryController(policy RetryPolicy, logger *slog.Logger) *RetryController {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	if policy.MaxWait < policy.MinWait {
		policy.MaxWait = policy.MinWait
	}
	return &RetryController{policy: policy, logger: logger, rand: rand.Float64}
}

// Invoke starts a stream on p, retrying rate-limited attempts with a random
// exponential wait. The returned error is the last attempt's error.
func (r *RetryController) Invoke(ctx context.Context, p domain.ChatProvider, req domain.ProviderRequest) (<-chan domain.StreamChunk, error) {
	var (
		chunks  <-chan domain.StreamChunk
		attempt int
	)
	op := func() error {
		attempt++
		ch, err := p.Stream(ctx, req)
		if err != nil {
			if domain.IsRetryableError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		chunks = ch
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("provider rate limited, retrying",
			"provider", p.Name(),
			"attempt", attempt,
			"max_attempts", r.policy.MaxAttempts,
			"wait", wait,
			"error", err,
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(r.newBackOff(), uint64(r.policy.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.RetryNotifyWithTimer(op, b, notify, r.timer); err != nil {
		return nil, err
	}
	return chunks, nil
}

func (r *RetryController) newBackOff() backoff.BackOff {
	return &randomExponential{policy: r.policy, rand: r.rand}
}

// randomExponential draws each wait uniformly from [MinWait, high] where high
// is Multiplier*2^n seconds clamped to [MinWait, MaxWait].
type randomExponential struct {
	policy  RetryPolicy
	rand    func() float64
	attempt int
}

func (b *randomExponential) NextBackOff() time.Duration {
	exp := b.policy.Multiplier * math.Pow(2, float64(b.attempt))
	b.attempt++

	high := b.policy.MaxWait
	if exp*float64(time.Second) < float64(high) {
		high = time.Duration(exp * float64(time.Second))
	}
	if high < b.policy.MinWait {
		high = b.policy.MinWait
	}
	span := high - b.policy.MinWait
	return b.policy.MinWait + time.Duration(b.rand()*float64(span))
}

func (b *randomExponential) Reset() { b.attempt = 0 }
