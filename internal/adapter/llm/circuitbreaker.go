package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerProvider wraps a ChatProvider with circuit breaker protection.
// When the wrapped provider fails repeatedly, the circuit opens and subsequent
// calls fail fast without reaching the provider.
//
// Only stream initiation passes through the breaker; errors delivered on an
// open stream do not trip it. Throttling and request-shaped failures (bad
// credentials, oversized context, policy blocks) are not counted either,
// since the backend itself is healthy.
type CircuitBreakerProvider struct {
	inner   domain.ChatProvider
	breaker *gobreaker.CircuitBreaker[<-chan domain.StreamChunk]
	logger  *slog.Logger
}

// NewCircuitBreakerProvider wraps inner with a circuit breaker.
// Zero-valued settings fall back to defaults.
func NewCircuitBreakerProvider(inner domain.ChatProvider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[<-chan domain.StreamChunk](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsOutage(err)
		},
	})

	return &CircuitBreakerProvider{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

func countsAsOutage(err error) bool {
	for _, e := range []error{
		domain.ErrRateLimit,
		domain.ErrAuthInvalid,
		domain.ErrContextOverflow,
		domain.ErrContentPolicy,
		domain.ErrPayloadTooLarge,
		context.Canceled,
	} {
		if errors.Is(err, e) {
			return false
		}
	}
	return true
}

// Stream implements domain.ChatProvider.
func (p *CircuitBreakerProvider) Stream(ctx context.Context, req domain.ProviderRequest) (<-chan domain.StreamChunk, error) {
	ch, err := p.breaker.Execute(func() (<-chan domain.StreamChunk, error) {
		return p.inner.Stream(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: provider %q circuit open: %w", domain.ErrProviderError, p.inner.Name(), err)
		}
		return nil, err
	}
	return ch, nil
}

// Name implements domain.ChatProvider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (p *CircuitBreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (p *CircuitBreakerProvider) Counts() gobreaker.Counts {
	return p.breaker.Counts()
}

var _ domain.ChatProvider = (*CircuitBreakerProvider)(nil)
