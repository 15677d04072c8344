// Package events delivers recall and ingestion events to observability sinks.
package events

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"github.com/xiy/narrative-memory/pkg/types"
)

// Sink receives one event per successful recall and per committed memory.
// Sink errors never fail the operation that produced the event.
type Sink interface {
	RecordRecall(ctx context.Context, ev types.RecallEvent) error
	RecordIngest(ctx context.Context, ev types.IngestEvent) error
}

// Multi fans every event out to all sinks and joins their errors.
type Multi []Sink

func (m Multi) RecordRecall(ctx context.Context, ev types.RecallEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordRecall(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) RecordIngest(ctx context.Context, ev types.IngestEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordIngest(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecallRecorder persists recall events; the stores implement it.
type RecallRecorder interface {
	RecordRecall(ctx context.Context, ev types.RecallEvent) error
}

type recallLog struct {
	r RecallRecorder
}

// RecallLog adapts a store to a Sink. Ingest events are ignored because the
// stores write them in the same transaction as the record.
func RecallLog(r RecallRecorder) Sink {
	return recallLog{r: r}
}

func (s recallLog) RecordRecall(ctx context.Context, ev types.RecallEvent) error {
	return s.r.RecordRecall(ctx, ev)
}

func (recallLog) RecordIngest(context.Context, types.IngestEvent) error {
	return nil
}

type logSink struct {
	logger *log.Logger
}

// Log writes every event at debug level.
func Log(logger *log.Logger) Sink {
	return logSink{logger: logger}
}

func (s logSink) RecordRecall(_ context.Context, ev types.RecallEvent) error {
	s.logger.Debug("recall", "query_id", ev.QueryID, "returned", len(ev.ReturnedIDs), "latency", ev.Latency)
	return nil
}

func (s logSink) RecordIngest(_ context.Context, ev types.IngestEvent) error {
	s.logger.Debug("ingest", "id", ev.ID, "base_importance", ev.BaseImportance)
	return nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) RecordRecall(context.Context, types.RecallEvent) error { return nil }
func (Discard) RecordIngest(context.Context, types.IngestEvent) error { return nil }
