package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/narrative-memory/internal/config"
	"github.com/xiy/narrative-memory/internal/store"
	"github.com/xiy/narrative-memory/pkg/types"
)

func recallOnly(t *testing.T, h *harness, emb []float32, times int) {
	t.Helper()
	for range times {
		_, err := h.svc.Recall(context.Background(), types.RecallInput{Embedding: emb, K: 1})
		require.NoError(t, err)
	}
}

func TestSweep_FlagsIdleLowUseMemories(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	idle := h.create(t, "idle", 0.9, 1, 0, 0)
	used := h.create(t, "used", 0.2, 0, 1, 0)
	recallOnly(t, h, []float32{0, 1, 0}, 3)

	report, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SweepReport{Scanned: 2}, report, "nothing is idle yet")

	h.clock.Advance(60 * 24 * time.Hour)
	report, err = h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 0, report.Retired)
	assert.Equal(t, []string{idle.ID}, report.IDs)

	cands := h.svc.Candidates()
	require.Len(t, cands, 1)
	assert.Equal(t, idle.ID, cands[0].ID)
	assert.Equal(t, h.clock.Now(), cands[0].FlaggedAt)

	st, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Candidates)

	got, err := h.svc.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status, "decay alone never retires")

	assert.ErrorIs(t, h.svc.ConfirmRetirement(ctx, used.ID), ErrNotCandidate)
	require.NoError(t, h.svc.ConfirmRetirement(ctx, idle.ID))

	got, err = h.svc.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRetired, got.Status)
	assert.Empty(t, h.svc.Candidates())
	assert.Equal(t, []string{used.ID}, h.idx.IDs())
}

func TestConfirmRetirement_RecalledSinceFlagged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	rec := h.create(t, "c", 0.5, 1, 0, 0)

	h.clock.Advance(60 * 24 * time.Hour)
	_, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, h.svc.Candidates(), 1)

	recallOnly(t, h, []float32{1, 0, 0}, 1)
	assert.ErrorIs(t, h.svc.ConfirmRetirement(ctx, rec.ID), ErrNotCandidate)
	assert.Empty(t, h.svc.Candidates())

	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
}

func TestSweep_AutoConfirm(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *config.Config) { c.Retirement.AutoConfirm = true })
	ctx := context.Background()
	idle := h.create(t, "idle", 0.9, 1, 0, 0)
	keep := h.create(t, "keep", 0.9, 0, 1, 0)

	h.clock.Advance(60 * 24 * time.Hour)
	recallOnly(t, h, []float32{0, 1, 0}, 1)

	report, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Retired)

	got, err := h.svc.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRetired, got.Status)
	assert.Equal(t, []string{keep.ID}, h.idx.IDs())
	assert.Empty(t, h.svc.Candidates())
}

func TestSweep_CancelledContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.create(t, "a", 0.5, 1, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.svc.Sweep(ctx)
	require.ErrorIs(t, err, ErrTimeout)
}

type hookedGetStore struct {
	store.Store
	once     sync.Once
	afterGet func()
}

func (s *hookedGetStore) GetMemory(ctx context.Context, id string) (types.MemoryRecord, error) {
	rec, err := s.Store.GetMemory(ctx, id)
	s.once.Do(s.afterGet)
	return rec, err
}

func TestSweep_AutoConfirmRetiresBeforeConcurrentRecall(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *config.Config) { c.Retirement.AutoConfirm = true })
	ctx := context.Background()
	rec := h.create(t, "idle", 0.5, 1, 0, 0)
	h.clock.Advance(60 * 24 * time.Hour)

	hooked := &hookedGetStore{Store: h.store}
	svc, err := NewService(hooked, h.idx, h.svc.cfg, h.svc.logger, WithClock(h.clock.Now))
	require.NoError(t, err)

	recalled := make(chan types.RecallResult, 1)
	hooked.afterGet = func() {
		// A recall arrives right after the sweep read the record. Give it
		// time to reinforce before the sweep continues.
		go func() {
			res, err := svc.Recall(context.Background(), types.RecallInput{Embedding: []float32{1, 0, 0}, K: 1})
			assert.NoError(t, err)
			recalled <- res
		}()
		select {
		case res := <-recalled:
			recalled <- res
		case <-time.After(200 * time.Millisecond):
		}
	}

	report, err := svc.Sweep(ctx)
	require.NoError(t, err)
	res := <-recalled

	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retired)
	assert.Equal(t, types.StatusRetired, got.Status)
	assert.Equal(t, int64(0), got.AccessCount, "a retired record must not have been reinforced")
	assert.Empty(t, res.Items)
}
