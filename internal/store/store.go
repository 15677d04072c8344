package store

import (
	"context"
	"errors"
	"time"

	"github.com/xiy/narrative-memory/pkg/types"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("memory not found")

	// ErrConflict is returned when an update was computed from a stale version.
	ErrConflict = errors.New("memory version conflict")
)

// Counts summarizes record counters for dashboards.
type Counts struct {
	Active  int64
	Retired int64
}

// RecentMemory is a compact summary row for admin dashboards.
type RecentMemory struct {
	ID             string
	Content        string
	Status         types.Status
	BaseImportance float64
	AccessCount    int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Store represents persistence operations used by the memory service. It is
// the source of truth for every record; the vector index is derived from it.
type Store interface {
	InsertMemory(ctx context.Context, rec types.MemoryRecord) (types.MemoryRecord, error)
	GetMemory(ctx context.Context, id string) (types.MemoryRecord, error)
	// GetMemories loads the given ids; absent ids are omitted from the map.
	GetMemories(ctx context.Context, ids []string) (map[string]types.MemoryRecord, error)
	// UpdateMemories writes the mutable fields of every record in one
	// transaction. Each record must carry its previous version + 1; a stale
	// version fails the whole batch with ErrConflict.
	UpdateMemories(ctx context.Context, recs []types.MemoryRecord) error
	// ListActive returns up to limit active records with id > afterID, ordered by id.
	ListActive(ctx context.Context, afterID string, limit int) ([]types.MemoryRecord, error)
	// FindSuccessor returns the record that supersedes id.
	FindSuccessor(ctx context.Context, id string) (types.MemoryRecord, error)
	Counts(ctx context.Context) (Counts, error)
	Close() error
}
