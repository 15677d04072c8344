package index

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

const chromemCollection = "memories"

// Chromem is an index backed by an embedded chromem-go collection. chromem-go
// does not expose an id listing, so the indexed id set is tracked alongside.
type Chromem struct {
	dim int

	mu  sync.RWMutex
	db  *chromem.DB
	col *chromem.Collection
	ids map[string]struct{}
}

// NewChromem creates an empty chromem-go backed index using cosine similarity.
func NewChromem(dimension int) (*Chromem, error) {
	c := &Chromem{dim: dimension}
	if err := c.reset(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chromem) reset() error {
	db := chromem.NewDB()
	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := db.CreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	c.db = db
	c.col = col
	c.ids = make(map[string]struct{})
	return nil
}

func (c *Chromem) Insert(ctx context.Context, id string, embedding []float32) error {
	if err := checkDim(c.dim, embedding); err != nil {
		return err
	}
	if norm(embedding) == 0 {
		return errors.New("zero vector cannot be indexed with cosine similarity")
	}
	doc := chromem.Document{
		ID:        id,
		Content:   id,
		Embedding: append([]float32(nil), embedding...),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	c.ids[id] = struct{}{}
	return nil
}

func (c *Chromem) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; !ok {
		return nil
	}
	if err := c.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	delete(c.ids, id)
	return nil
}

func (c *Chromem) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if err := checkDim(c.dim, query); err != nil {
		return nil, err
	}
	if k <= 0 || norm(query) == 0 {
		return []Hit{}, nil
	}

	// Held for the query so the collection can't shrink below n meanwhile.
	c.mu.RLock()
	n := min(k, len(c.ids))
	if n == 0 {
		c.mu.RUnlock()
		return []Hit{}, nil
	}
	results, err := c.col.QueryEmbedding(ctx, query, n, nil, nil)
	c.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.ID, Similarity: float64(r.Similarity)})
	}
	slices.SortStableFunc(hits, func(a, b Hit) int {
		if a.Similarity > b.Similarity {
			return -1
		}
		if a.Similarity < b.Similarity {
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return hits, nil
}

func (c *Chromem) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

func (c *Chromem) IDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (c *Chromem) Reset(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reset()
}

func (c *Chromem) Dimension() int {
	return c.dim
}
