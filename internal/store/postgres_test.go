package store

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/narrative-memory/pkg/types"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	dsn := os.Getenv("NARRATIVE_MEMORY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NARRATIVE_MEMORY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	logger := log.NewWithOptions(io.Discard, log.Options{})

	st, err := OpenPostgres(ctx, dsn, logger)
	if err != nil {
		t.Fatalf("OpenPostgres() error = %v", err)
	}
	defer st.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.NewString()
	if _, err := st.InsertMemory(ctx, testRecord(id, now)); err != nil {
		t.Fatalf("InsertMemory() error = %v", err)
	}

	got, err := st.GetMemory(ctx, id)
	if err != nil {
		t.Fatalf("GetMemory() error = %v", err)
	}
	if len(got.Embedding) != 4 || got.Embedding[1] != -0.5 {
		t.Fatalf("embedding = %v", got.Embedding)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, now)
	}

	got.Status = types.StatusRetired
	got.RetiredAt = &now
	got.Version++
	if err := st.UpdateMemories(ctx, []types.MemoryRecord{got}); err != nil {
		t.Fatalf("UpdateMemories() error = %v", err)
	}
	if err := st.UpdateMemories(ctx, []types.MemoryRecord{got}); !errors.Is(err, ErrConflict) {
		t.Fatalf("UpdateMemories(stale) error = %v, want ErrConflict", err)
	}

	many, err := st.GetMemories(ctx, []string{id, uuid.NewString()})
	if err != nil {
		t.Fatalf("GetMemories() error = %v", err)
	}
	if len(many) != 1 || many[id].Status != types.StatusRetired {
		t.Fatalf("GetMemories() = %+v", many)
	}

	if err := st.RecordRecall(ctx, types.RecallEvent{QueryID: uuid.NewString(), ReturnedIDs: []string{id}, Scores: []float64{0.5}}); err != nil {
		t.Fatalf("RecordRecall() error = %v", err)
	}
}
