package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// ErrUnavailable is returned when no embedding could be produced for a text,
// either because the provider failed or its circuit is open.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider turns text into a fixed-dimension vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Options selects and tunes a provider chain.
type Options struct {
	Provider  string // none | hash | ollama
	BaseURL   string
	Model     string
	Timeout   time.Duration
	Dimension int

	// CacheMaxCost bounds the text->vector cache in bytes; 0 disables it.
	CacheMaxCost int64

	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// Build assembles the provider described by opts. It returns a nil provider
// when opts.Provider is "none" or empty; text entry points are then disabled.
func Build(opts Options, logger *log.Logger) (Provider, error) {
	var p Provider
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "", "none":
		return nil, nil
	case "hash":
		p = NewHash(opts.Dimension)
	case "ollama":
		p = NewOllama(OllamaConfig{
			BaseURL:   opts.BaseURL,
			Model:     opts.Model,
			Timeout:   opts.Timeout,
			Dimension: opts.Dimension,
		})
		p = NewBreaker(p, BreakerConfig{
			MaxFailures: opts.BreakerMaxFailures,
			Timeout:     opts.BreakerTimeout,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", opts.Provider)
	}

	if opts.CacheMaxCost > 0 {
		cached, err := NewCached(p, opts.CacheMaxCost)
		if err != nil {
			return nil, err
		}
		p = cached
	}
	logger.Debug("embeddings provider ready", "provider", opts.Provider, "dimension", p.Dimensions(), "cache_max_cost", opts.CacheMaxCost)
	return p, nil
}
