package index

import (
	"context"
	"slices"
	"strings"
	"sync"
)

type flatEntry struct {
	vec  []float32
	norm float64
}

// Flat is an exact brute-force index. Searches take a read lock and run
// concurrently; inserts and removes take the write lock briefly.
type Flat struct {
	dim    int
	metric Metric

	mu      sync.RWMutex
	entries map[string]flatEntry
}

// NewFlat creates an empty exact index.
func NewFlat(dimension int, metric Metric) *Flat {
	if metric == "" {
		metric = MetricCosine
	}
	return &Flat{dim: dimension, metric: metric, entries: make(map[string]flatEntry)}
}

func (f *Flat) Insert(_ context.Context, id string, embedding []float32) error {
	if err := checkDim(f.dim, embedding); err != nil {
		return err
	}
	vec := append([]float32(nil), embedding...)
	f.mu.Lock()
	f.entries[id] = flatEntry{vec: vec, norm: norm(vec)}
	f.mu.Unlock()
	return nil
}

func (f *Flat) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	delete(f.entries, id)
	f.mu.Unlock()
	return nil
}

func (f *Flat) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if err := checkDim(f.dim, query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}
	qn := norm(query)

	f.mu.RLock()
	hits := make([]Hit, 0, len(f.entries))
	for id, e := range f.entries {
		hits = append(hits, Hit{ID: id, Similarity: f.similarity(query, qn, e)})
	}
	f.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(hits, func(a, b Hit) int {
		if a.Similarity > b.Similarity {
			return -1
		}
		if a.Similarity < b.Similarity {
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *Flat) similarity(q []float32, qn float64, e flatEntry) float64 {
	d := dot(q, e.vec)
	if f.metric == MetricDot {
		return d
	}
	if qn == 0 || e.norm == 0 {
		return 0
	}
	return d / (qn * e.norm)
}

func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

func (f *Flat) IDs() []string {
	f.mu.RLock()
	ids := make([]string, 0, len(f.entries))
	for id := range f.entries {
		ids = append(ids, id)
	}
	f.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (f *Flat) Reset(_ context.Context) error {
	f.mu.Lock()
	f.entries = make(map[string]flatEntry)
	f.mu.Unlock()
	return nil
}

func (f *Flat) Dimension() int {
	return f.dim
}
