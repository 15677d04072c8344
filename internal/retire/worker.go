// Package retire runs the periodic maintenance passes of a memory service.
package retire

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/narrative-memory/pkg/types"
)

// Sweeper represents the retirement review needed by the worker.
type Sweeper interface {
	Sweep(ctx context.Context) (types.SweepReport, error)
}

// Checker represents the index consistency check needed by the worker.
type Checker interface {
	CheckConsistency(ctx context.Context) (types.ConsistencyReport, error)
}

// Start launches a periodic retirement sweep worker. It returns when ctx is done.
func Start(ctx context.Context, logger *log.Logger, interval time.Duration, sweeper Sweeper) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := sweeper.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("retirement sweep failed", "error", err, "scanned", report.Scanned)
				continue
			}
			if report.Retired > 0 {
				logger.Info("retirement sweep retired memories", "count", report.Retired)
			}
		}
	}
}

// StartConsistency launches a periodic index consistency check. Divergence is
// repaired by the checker itself; the worker only reports it.
func StartConsistency(ctx context.Context, logger *log.Logger, interval time.Duration, checker Checker, corruption error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := checker.CheckConsistency(ctx)
			switch {
			case err == nil:
			case errors.Is(err, corruption):
				logger.Warn("index repaired",
					"missing_in_index", len(report.MissingInIndex),
					"unknown_in_index", len(report.UnknownInIndex),
					"rebuilt", report.Rebuilt,
				)
			case ctx.Err() != nil:
				return
			default:
				logger.Error("consistency check failed", "error", err)
			}
		}
	}
}
