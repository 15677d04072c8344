package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xiy/narrative-memory/internal/scoring"
	"github.com/xiy/narrative-memory/pkg/types"
)

// Recall returns up to k active memories ranked by combined score and
// reinforces every returned record. Fewer than k results is not an error.
//
// Reinforcement is all-or-nothing: if ctx ends before it starts, ErrTimeout
// is returned and no record changes; once started it runs to completion in a
// single store transaction.
func (s *Service) Recall(ctx context.Context, in types.RecallInput) (types.RecallResult, error) {
	started := time.Now()
	if err := s.validateEmbedding(in.Embedding); err != nil {
		return types.RecallResult{}, err
	}
	if timeout := s.cfg.Recall.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if !s.indexReady.Load() {
		return types.RecallResult{}, ErrIndexUnavailable
	}
	s.structure.RLock()
	defer s.structure.RUnlock()
	if !s.indexReady.Load() {
		return types.RecallResult{}, ErrIndexUnavailable
	}

	k := s.clampK(in.K)
	selected, err := s.rank(ctx, in, k)
	if err != nil {
		return types.RecallResult{}, err
	}

	items, err := s.reinforce(ctx, selected)
	if err != nil {
		return types.RecallResult{}, err
	}

	res := types.RecallResult{QueryID: uuid.NewString(), Items: items}
	ev := types.RecallEvent{
		QueryID:     res.QueryID,
		ReturnedIDs: res.IDs(),
		Scores:      make([]float64, 0, len(items)),
		Latency:     time.Since(started),
		CreatedAt:   s.clock(),
	}
	for _, it := range items {
		ev.Scores = append(ev.Scores, it.Score)
	}
	if err := s.sink.RecordRecall(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("recall event not recorded", "query_id", ev.QueryID, "error", err)
	}
	return res, nil
}

// RecallText embeds text with the configured provider and recalls against it.
func (s *Service) RecallText(ctx context.Context, text string, k int, filters types.Filters) (types.RecallResult, error) {
	emb, err := s.embed(ctx, text)
	if err != nil {
		return types.RecallResult{}, err
	}
	return s.Recall(ctx, types.RecallInput{Embedding: emb, Query: text, K: k, Filters: filters})
}

func (s *Service) clampK(k int) int {
	if k <= 0 {
		k = s.cfg.Recall.DefaultK
	}
	return min(k, s.cfg.Recall.MaxK)
}

// rank over-fetches candidates from the index, drops everything that may not
// be recalled and returns the top k by score.
func (s *Service) rank(ctx context.Context, in types.RecallInput, k int) ([]types.Scored, error) {
	c := max(k*s.cfg.Recall.OverfetchFactor, s.cfg.Recall.MinCandidates)
	hits, err := s.idx.Search(ctx, in.Embedding, c)
	if err != nil {
		return nil, deadline(ctx, fmt.Errorf("index search: %w", err))
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	recs, err := s.store.GetMemories(ctx, ids)
	if err != nil {
		return nil, deadline(ctx, fmt.Errorf("load candidates: %w", err))
	}

	now := s.clock()
	minSim := s.cfg.Recall.MinSimilarity
	scored := make([]types.Scored, 0, len(hits))
	for _, h := range hits {
		rec, ok := recs[h.ID]
		if !ok || !rec.Active() {
			continue
		}
		if minSim != 0 && h.Similarity < minSim {
			continue
		}
		if !in.Filters.Match(rec) {
			continue
		}
		scored = append(scored, s.engine.Score(rec, h.Similarity, now))
	}
	scoring.Rank(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// reinforce applies the access update to every selected record under their
// record locks. Records retired since ranking are dropped.
func (s *Service) reinforce(ctx context.Context, selected []types.Scored) ([]types.Scored, error) {
	if len(selected) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, deadline(ctx, err)
		}
		return []types.Scored{}, nil
	}

	ids := make([]string, 0, len(selected))
	for _, it := range selected {
		ids = append(ids, it.Record.ID)
	}
	unlock := s.locks.lock(ids...)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, deadline(ctx, err)
	}

	// The transaction must not observe caller cancellation once started.
	txCtx := context.WithoutCancel(ctx)
	current, err := s.store.GetMemories(txCtx, ids)
	if err != nil {
		return nil, fmt.Errorf("reload recalled memories: %w", err)
	}

	now := s.clock()
	out := make([]types.Scored, 0, len(selected))
	updates := make([]types.MemoryRecord, 0, len(selected))
	for _, it := range selected {
		rec, ok := current[it.Record.ID]
		if !ok || !rec.Active() {
			continue
		}
		touched := s.engine.Touch(rec, now)
		updates = append(updates, touched)
		it.Record = touched
		out = append(out, it)
	}
	if err := s.store.UpdateMemories(txCtx, updates); err != nil {
		return nil, fmt.Errorf("reinforce recalled memories: %w", err)
	}
	return out, nil
}
