package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/xiy/narrative-memory/internal/store"
	"github.com/xiy/narrative-memory/pkg/types"
)

// Candidate is a memory flagged for retirement review.
type Candidate struct {
	ID        string    `json:"id"`
	FlaggedAt time.Time `json:"flagged_at"`
}

// Sweep reviews every active memory. A memory becomes a retirement candidate
// when its raw decay fell below the floor and it was recalled fewer than
// low_use_threshold times. Candidates are retired immediately when
// auto_confirm is set, otherwise they wait for ConfirmRetirement.
//
// Decay alone never retires anything: a candidate still needs the policy or
// an operator to confirm it.
func (s *Service) Sweep(ctx context.Context) (types.SweepReport, error) {
	var report types.SweepReport
	for rec, err := range s.ListActive(ctx) {
		if err != nil {
			return report, err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return report, deadline(ctx, err)
		}
		report.Scanned++

		flagged, retired, err := s.review(ctx, rec.ID)
		if flagged {
			report.Candidates++
			report.IDs = append(report.IDs, rec.ID)
		}
		if retired {
			report.Retired++
		}
		if err != nil {
			report.Errors++
			s.logger.Warn("retirement review failed", "id", rec.ID, "error", err)
		}
	}
	s.logger.Info("retirement sweep finished",
		"scanned", report.Scanned,
		"candidates", report.Candidates,
		"retired", report.Retired,
		"errors", report.Errors,
	)
	return report, nil
}

// review evaluates one record under its own lock and updates the candidate
// set. With auto_confirm the candidate is retired before the lock is released,
// so a recall can never land between the eligibility check and retirement.
func (s *Service) review(ctx context.Context, id string) (flagged, retired bool, err error) {
	s.structure.RLock()
	defer s.structure.RUnlock()
	unlock := s.locks.lock(id)
	defer unlock()

	rec, err := s.store.GetMemory(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.candidates.Delete(id)
			return false, false, nil
		}
		return false, false, err
	}
	if !s.eligible(rec) {
		s.candidates.Delete(id)
		return false, false, nil
	}
	if !s.cfg.Retirement.AutoConfirm {
		if _, pending := s.candidates.Get(id); !pending {
			s.candidates.Set(id, s.clock(), cache.DefaultExpiration)
		}
		return true, false, nil
	}
	if err := s.retireLocked(ctx, id); err != nil {
		return true, false, fmt.Errorf("auto retirement: %w", err)
	}
	return true, true, nil
}

func (s *Service) eligible(rec types.MemoryRecord) bool {
	if !rec.Active() {
		return false
	}
	idle := s.clock().Sub(rec.LastAccessedAt)
	return s.engine.Decay().NeedsReview(idle) && rec.AccessCount < s.cfg.Retirement.LowUseThreshold
}

// Candidates lists pending retirement candidates by id.
func (s *Service) Candidates() []Candidate {
	items := s.candidates.Items()
	out := make([]Candidate, 0, len(items))
	for id, item := range items {
		flagged, _ := item.Object.(time.Time)
		out = append(out, Candidate{ID: id, FlaggedAt: flagged})
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		if c := a.FlaggedAt.Compare(b.FlaggedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// ConfirmRetirement retires a pending candidate. A memory that was recalled
// since it was flagged is no longer eligible and yields ErrNotCandidate.
func (s *Service) ConfirmRetirement(ctx context.Context, id string) error {
	if _, pending := s.candidates.Get(id); !pending {
		return fmt.Errorf("confirm retirement %s: %w", id, ErrNotCandidate)
	}

	s.structure.RLock()
	defer s.structure.RUnlock()
	unlock := s.locks.lock(id)
	defer unlock()

	rec, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return fmt.Errorf("confirm retirement %s: %w", id, err)
	}
	if !s.eligible(rec) {
		s.candidates.Delete(id)
		return fmt.Errorf("confirm retirement %s: %w", id, ErrNotCandidate)
	}
	return s.retireLocked(ctx, id)
}
