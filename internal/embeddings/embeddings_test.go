package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func TestHash_DeterministicUnitVectors(t *testing.T) {
	t.Parallel()
	h := NewHash(16)
	ctx := context.Background()

	a1, err := h.Embed(ctx, "the storm broke over the harbor")
	require.NoError(t, err)
	a2, err := h.Embed(ctx, "the storm broke over the harbor")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "a quiet morning in the village")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Len(t, a1, 16)
	assert.Equal(t, 16, h.Dimensions())

	var sum float64
	for _, v := range a1 {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestOllama_Embed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req embedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Equal(t, "hello", req.Input)
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{BaseURL: srv.URL + "/", Dimension: 3})
	vec, err := o.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	wrongDim := NewOllama(OllamaConfig{BaseURL: srv.URL, Dimension: 8})
	_, err = wrongDim.Embed(context.Background(), "hello")
	require.Error(t, err)
}

func TestOllama_ErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllama(OllamaConfig{BaseURL: srv.URL}).Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

type countingProvider struct {
	calls atomic.Int64
	err   error
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (p *countingProvider) Dimensions() int { return 2 }

func TestCached_ServesRepeatsFromCache(t *testing.T) {
	t.Parallel()
	inner := &countingProvider{}
	c, err := NewCached(inner, 1<<20)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	first, err := c.Embed(ctx, "abc")
	require.NoError(t, err)
	c.Wait()

	second, err := c.Embed(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.calls.Load())

	second[0] = 99
	third, err := c.Embed(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, float32(3), third[0], "cached vector must not alias caller slices")
	assert.Equal(t, 2, c.Dimensions())
}

func TestCached_DoesNotCacheErrors(t *testing.T) {
	t.Parallel()
	inner := &countingProvider{err: errors.New("boom")}
	c, err := NewCached(inner, 1<<20)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Embed(context.Background(), "abc")
	require.Error(t, err)
	c.Wait()
	_, err = c.Embed(context.Background(), "abc")
	require.Error(t, err)
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	inner := &countingProvider{err: errors.New("connection refused")}
	b := NewBreaker(inner, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, discardLogger())
	ctx := context.Background()

	for range 2 {
		_, err := b.Embed(ctx, "x")
		require.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Embed(ctx, "x")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int64(2), inner.calls.Load(), "open circuit must not call the provider")
}

type blockingProvider struct{}

func (blockingProvider) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingProvider) Dimensions() int { return 2 }

func TestBreaker_CallerCancellationKeepsCircuitClosed(t *testing.T) {
	t.Parallel()
	b := NewBreaker(blockingProvider{}, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, discardLogger())

	for range 4 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		_, err := b.Embed(ctx, "x")
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_PassesThroughSuccess(t *testing.T) {
	t.Parallel()
	b := NewBreaker(&countingProvider{}, BreakerConfig{}, discardLogger())
	vec, err := b.Embed(context.Background(), "four")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 1}, vec)
	assert.Equal(t, "closed", b.State())
}

func TestBuild(t *testing.T) {
	t.Parallel()
	logger := discardLogger()

	p, err := Build(Options{Provider: "none"}, logger)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = Build(Options{Provider: "hash", Dimension: 8, CacheMaxCost: 1 << 16}, logger)
	require.NoError(t, err)
	require.IsType(t, &Cached{}, p)
	assert.Equal(t, 8, p.Dimensions())

	p, err = Build(Options{Provider: "ollama", Dimension: 768}, logger)
	require.NoError(t, err)
	require.IsType(t, &Breaker{}, p)

	_, err = Build(Options{Provider: "openai"}, logger)
	require.Error(t, err)
}
