package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/narrative-memory/internal/decay"
	"github.com/xiy/narrative-memory/internal/reinforce"
	"github.com/xiy/narrative-memory/pkg/types"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(
		decay.Policy{HalfLife: time.Hour, MinFactor: 0.01},
		reinforce.Policy{BoostRate: 0.1},
		Weights{Similarity: 0.6, Importance: 0.4},
	)
	require.NoError(t, err)
	return e
}

func TestScore_CombinesSimilarityAndDecayedImportance(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := types.MemoryRecord{
		ID:             "a",
		CreatedAt:      now.Add(-2 * time.Hour),
		LastAccessedAt: now.Add(-time.Hour),
		BaseImportance: 0.8,
	}
	got := e.Score(rec, 0.5, now)

	assert.InDelta(t, 0.5, got.DecayFactor, 1e-12)
	assert.InDelta(t, 0.5*0.6+0.5*0.8*0.4, got.Score, 1e-12)
	assert.Equal(t, 0.5, got.Similarity)
}

func TestRank_TieBreaksByRecencyThenID(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []types.Scored{
		{Record: types.MemoryRecord{ID: "c", LastAccessedAt: now}, Score: 0.5},
		{Record: types.MemoryRecord{ID: "b", LastAccessedAt: now}, Score: 0.5},
		{Record: types.MemoryRecord{ID: "a", LastAccessedAt: now.Add(-time.Minute)}, Score: 0.5},
		{Record: types.MemoryRecord{ID: "z", LastAccessedAt: now.Add(-time.Hour)}, Score: 0.9},
	}

	Rank(items)

	ids := []string{items[0].Record.ID, items[1].Record.ID, items[2].Record.ID, items[3].Record.ID}
	assert.Equal(t, []string{"z", "b", "c", "a"}, ids)
}

func TestTouch_AppliesUpdateProtocol(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(3 * time.Hour)

	rec := types.MemoryRecord{
		ID:             "a",
		CreatedAt:      created,
		LastAccessedAt: created,
		BaseImportance: 0.5,
		AccessCount:    1,
		Version:        4,
	}
	got := e.Touch(rec, now)

	assert.InDelta(t, 0.55, got.BaseImportance, 1e-12)
	assert.Equal(t, int64(2), got.AccessCount)
	assert.Equal(t, now, got.LastAccessedAt)
	assert.Equal(t, int64(5), got.Version)
	assert.Equal(t, 0.5, rec.BaseImportance, "input must not be mutated")
}

func TestTouch_NeverMovesAccessBeforeCreation(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	got := e.Touch(types.MemoryRecord{CreatedAt: created, LastAccessedAt: created}, created.Add(-time.Hour))
	assert.Equal(t, created, got.LastAccessedAt)
}

func TestTouch_ResetsDecay(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(10 * time.Hour)
	rec := types.MemoryRecord{ID: "a", CreatedAt: created, LastAccessedAt: created, BaseImportance: 0.5}

	before := e.Score(rec, 0, now).DecayFactor
	after := e.Score(e.Touch(rec, now), 0, now).DecayFactor

	assert.Less(t, before, 0.01+1e-9)
	assert.Equal(t, 1.0, after)
}

func TestNewEngine_RejectsBadWeights(t *testing.T) {
	t.Parallel()
	_, err := NewEngine(decay.DefaultPolicy(), reinforce.DefaultPolicy(), Weights{Similarity: -1})
	assert.Error(t, err)
}
