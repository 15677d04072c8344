package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/xiy/narrative-memory/pkg/types"
)

// CheckConsistency compares the active ids in the store with the ids in the
// vector index. The comparison runs under the shared structure lock so recall
// and writes keep flowing; only a suspected divergence takes the exclusive
// lock, where the diff is repeated against a quiescent index before the index
// is rebuilt from the store. On a confirmed divergence the report is returned
// together with an ErrIndexCorruption error.
func (s *Service) CheckConsistency(ctx context.Context) (types.ConsistencyReport, error) {
	s.structure.RLock()
	report, err := s.diffIndex(ctx)
	s.structure.RUnlock()
	if err != nil || report.Consistent() {
		if err == nil {
			s.logger.Debug("index consistent with store", "active", report.ActiveInStore)
		}
		return report, err
	}

	s.structure.Lock()
	defer s.structure.Unlock()
	// In-flight creates and retirements can look like divergence; confirm
	// with no writer running.
	if report, err = s.diffIndex(ctx); err != nil || report.Consistent() {
		return report, err
	}

	s.logger.Error("index diverged from store; rebuilding",
		"missing_in_index", len(report.MissingInIndex),
		"unknown_in_index", len(report.UnknownInIndex),
	)
	if _, err := s.rebuildLocked(ctx); err != nil {
		return report, fmt.Errorf("%w: rebuild failed: %v", ErrIndexCorruption, err)
	}
	report.Rebuilt = true
	return report, fmt.Errorf("%w: %d missing, %d unknown", ErrIndexCorruption, len(report.MissingInIndex), len(report.UnknownInIndex))
}

// diffIndex requires the structure lock, shared or exclusive.
func (s *Service) diffIndex(ctx context.Context) (types.ConsistencyReport, error) {
	var report types.ConsistencyReport
	active := make(map[string]struct{})
	for rec, err := range s.ListActive(ctx) {
		if err != nil {
			return report, err
		}
		active[rec.ID] = struct{}{}
	}
	indexed := s.idx.IDs()
	report.ActiveInStore = len(active)
	report.IndexSize = len(indexed)

	inIndex := make(map[string]struct{}, len(indexed))
	for _, id := range indexed {
		inIndex[id] = struct{}{}
		if _, ok := active[id]; !ok {
			report.UnknownInIndex = append(report.UnknownInIndex, id)
		}
	}
	for id := range active {
		if _, ok := inIndex[id]; !ok {
			report.MissingInIndex = append(report.MissingInIndex, id)
		}
	}
	slices.Sort(report.MissingInIndex)
	slices.Sort(report.UnknownInIndex)
	return report, nil
}

// RebuildIndex repopulates the vector index from the active records in the
// store and returns the number indexed. Recall fails with ErrIndexUnavailable
// until the rebuild succeeds.
func (s *Service) RebuildIndex(ctx context.Context) (int, error) {
	s.indexReady.Store(false)
	s.structure.Lock()
	defer s.structure.Unlock()
	return s.rebuildLocked(ctx)
}

func (s *Service) rebuildLocked(ctx context.Context) (int, error) {
	s.indexReady.Store(false)
	if err := s.idx.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset index: %w", err)
	}
	n := 0
	for rec, err := range s.ListActive(ctx) {
		if err != nil {
			return n, err
		}
		if err := s.idx.Insert(ctx, rec.ID, rec.Embedding); err != nil {
			return n, fmt.Errorf("index %s: %w", rec.ID, err)
		}
		n++
	}
	s.indexReady.Store(true)
	s.logger.Info("vector index rebuilt", "records", n)
	return n, nil
}
