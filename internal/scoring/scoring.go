// Package scoring combines semantic similarity with decayed importance and
// owns the per-record update applied when a memory is recalled.
package scoring

import (
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/xiy/narrative-memory/internal/decay"
	"github.com/xiy/narrative-memory/internal/reinforce"
	"github.com/xiy/narrative-memory/pkg/types"
)

// Weights controls the influence of each score component. They conventionally
// sum to 1, which is not enforced.
type Weights struct {
	Similarity float64
	Importance float64
}

// DefaultWeights favours relevance over long-term salience.
func DefaultWeights() Weights {
	return Weights{Similarity: 0.7, Importance: 0.3}
}

// Engine scores and ranks recall candidates.
type Engine struct {
	decay     decay.Policy
	reinforce reinforce.Policy
	weights   Weights
}

// NewEngine constructs a scoring engine.
func NewEngine(d decay.Policy, r reinforce.Policy, w Weights) (*Engine, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if w.Similarity < 0 || w.Importance < 0 || math.IsNaN(w.Similarity) || math.IsNaN(w.Importance) {
		return nil, errors.New("score weights must be >= 0")
	}
	return &Engine{decay: d, reinforce: r, weights: w}, nil
}

// Decay exposes the engine's decay policy.
func (e *Engine) Decay() decay.Policy {
	return e.decay
}

// Score computes
//
//	similarity*w_sim + decay(rec, now)*base_importance*w_importance
func (e *Engine) Score(rec types.MemoryRecord, similarity float64, now time.Time) types.Scored {
	factor := e.decay.Decay(now.Sub(rec.CreatedAt), now.Sub(rec.LastAccessedAt))
	score := similarity*e.weights.Similarity + factor*rec.BaseImportance*e.weights.Importance
	return types.Scored{
		Record:      rec,
		Score:       score,
		Similarity:  similarity,
		DecayFactor: factor,
	}
}

// Rank sorts items in place: score descending, then more recent
// last_accessed_at, then lower id.
func Rank(items []types.Scored) {
	slices.SortStableFunc(items, Compare)
}

// Compare orders two scored items by rank.
func Compare(a, b types.Scored) int {
	if a.Score > b.Score {
		return -1
	}
	if a.Score < b.Score {
		return 1
	}
	if c := b.Record.LastAccessedAt.Compare(a.Record.LastAccessedAt); c != 0 {
		return c
	}
	return strings.Compare(a.Record.ID, b.Record.ID)
}

// Touch applies the recall update protocol to rec: reinforcement uses the
// pre-access count, then the count is incremented and last_accessed_at moved
// to now. The returned record carries a bumped version.
func (e *Engine) Touch(rec types.MemoryRecord, now time.Time) types.MemoryRecord {
	out := rec
	out.BaseImportance = e.reinforce.Apply(rec.BaseImportance, rec.AccessCount)
	out.AccessCount = rec.AccessCount + 1
	out.LastAccessedAt = now
	if out.LastAccessedAt.Before(rec.CreatedAt) {
		out.LastAccessedAt = rec.CreatedAt
	}
	if out.LastAccessedAt.Before(rec.LastAccessedAt) {
		out.LastAccessedAt = rec.LastAccessedAt
	}
	out.Version = rec.Version + 1
	return out
}
