package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit around a remote provider.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit (default 3).
	MaxFailures uint32
	// Timeout is how long the circuit stays open before probing again (default 30s).
	Timeout time.Duration
}

// Breaker stops calling a failing provider for a while. Every failure,
// including a rejected call while open, surfaces as ErrUnavailable.
type Breaker struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
}

func NewBreaker(inner Provider, cfg BreakerConfig, logger *log.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "embeddings",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// A caller giving up says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embeddings circuit state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Embed(ctx, text)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out.([]float32), nil
}

func (b *Breaker) Dimensions() int {
	return b.inner.Dimensions()
}

// State reports closed, half-open or open.
func (b *Breaker) State() string {
	return b.breaker.State().String()
}
