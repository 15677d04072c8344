// Package index holds the derived nearest-neighbour structure over the
// embeddings of active memories. It is never the source of truth: every
// implementation can be rebuilt from a scan of the record store.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrDimension is returned when a vector does not match the index dimension.
var ErrDimension = errors.New("embedding dimension mismatch")

// Metric selects the similarity function.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
)

// ParseMetric validates a configured metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case MetricCosine, MetricDot:
		return m, nil
	case "":
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("unknown similarity metric %q", s)
	}
}

// Hit is one search result.
type Hit struct {
	ID         string
	Similarity float64
}

// Index answers nearest-neighbour queries over memory embeddings.
type Index interface {
	// Insert adds or replaces the vector for id.
	Insert(ctx context.Context, id string, embedding []float32) error
	// Remove deletes id; absent ids are a no-op.
	Remove(ctx context.Context, id string) error
	// Search returns at most k hits by descending similarity. It never
	// mutates index state and returns an empty slice on an empty index.
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	// Len returns the number of indexed vectors.
	Len() int
	// IDs returns a snapshot of indexed ids.
	IDs() []string
	// Reset drops every vector.
	Reset(ctx context.Context) error
	// Dimension returns the configured vector size.
	Dimension() int
}

// New builds an index backend by name.
func New(backend string, dimension int, metric Metric) (Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("index dimension must be > 0, got %d", dimension)
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "flat":
		return NewFlat(dimension, metric), nil
	case "chromem":
		if metric != MetricCosine {
			return nil, fmt.Errorf("chromem index only supports cosine similarity, got %q", metric)
		}
		return NewChromem(dimension)
	default:
		return nil, fmt.Errorf("unknown index backend %q", backend)
	}
}

func checkDim(want int, v []float32) error {
	if len(v) != want {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimension, want, len(v))
	}
	return nil
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
