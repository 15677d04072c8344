package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/xiy/narrative-memory/pkg/types"
)

//go:embed postgres_schema.sql
var postgresSchemaSQL string

// PostgresStore is a PostgreSQL-backed memory store. Embeddings live in a
// pgvector column so the table can be inspected and queried with the
// extension's distance operators.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *log.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger}
	for _, stmt := range splitSQLStatements(postgresSchemaSQL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run schema stmt: %w", err)
		}
	}
	logger.Debug("postgres schema ready")
	return s, nil
}

func (s *PostgresStore) InsertMemory(ctx context.Context, rec types.MemoryRecord) (types.MemoryRecord, error) {
	metaJSON, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return rec, err
	}
	if rec.Status == "" {
		rec.Status = types.StatusActive
	}
	if rec.Version == 0 {
		rec.Version = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO memories (
		id, content, embedding, created_at, last_accessed_at, base_importance,
		access_count, status, retired_at, supersedes, version, metadata_json
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if _, err := tx.ExecContext(ctx, q,
		rec.ID,
		rec.Content,
		pgvector.NewVector(rec.Embedding),
		rec.CreatedAt.UTC(),
		rec.LastAccessedAt.UTC(),
		rec.BaseImportance,
		rec.AccessCount,
		string(rec.Status),
		pgNullTime(rec.RetiredAt),
		rec.Supersedes,
		rec.Version,
		metaJSON,
	); err != nil {
		return rec, fmt.Errorf("insert memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ingest_events (memory_id, base_importance, created_at) VALUES ($1, $2, $3)`,
		rec.ID, rec.BaseImportance, rec.CreatedAt.UTC(),
	); err != nil {
		return rec, fmt.Errorf("insert ingest event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("commit insert: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) GetMemory(ctx context.Context, id string) (types.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	rec, err := scanPostgresRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("get memory: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) GetMemories(ctx context.Context, ids []string) (map[string]types.MemoryRecord, error) {
	out := make(map[string]types.MemoryRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanPostgresRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateMemories(ctx context.Context, recs []types.MemoryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `UPDATE memories
SET base_importance = $1, access_count = $2, last_accessed_at = $3, status = $4, retired_at = $5, version = $6
WHERE id = $7 AND version = $8`
	for _, rec := range recs {
		res, err := tx.ExecContext(ctx, q,
			rec.BaseImportance,
			rec.AccessCount,
			rec.LastAccessedAt.UTC(),
			string(rec.Status),
			pgNullTime(rec.RetiredAt),
			rec.Version,
			rec.ID,
			rec.Version-1,
		)
		if err != nil {
			return fmt.Errorf("update memory %s: %w", rec.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update rows affected: %w", err)
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM memories WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check memory %s: %w", rec.ID, err)
			}
			if !exists {
				return fmt.Errorf("memory %s: %w", rec.ID, ErrNotFound)
			}
			return fmt.Errorf("memory %s: %w", rec.ID, ErrConflict)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActive(ctx context.Context, afterID string, limit int) ([]types.MemoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+`
FROM memories
WHERE status = 'active' AND id > $1
ORDER BY id ASC
LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer rows.Close()

	items := make([]types.MemoryRecord, 0, limit)
	for rows.Next() {
		rec, err := scanPostgresRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (s *PostgresStore) FindSuccessor(ctx context.Context, id string) (types.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+`
FROM memories WHERE supersedes = $1 ORDER BY created_at ASC LIMIT 1`, id)
	rec, err := scanPostgresRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("find successor: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	const q = `SELECT
	COUNT(*) FILTER (WHERE status = 'active'),
	COUNT(*) FILTER (WHERE status = 'retired')
FROM memories`
	if err := s.db.QueryRowContext(ctx, q).Scan(&c.Active, &c.Retired); err != nil {
		return c, fmt.Errorf("count memories: %w", err)
	}
	return c, nil
}

// RecordRecall persists one recall event.
func (s *PostgresStore) RecordRecall(ctx context.Context, ev types.RecallEvent) error {
	ids, scores, err := encodeRecallEvent(ev)
	if err != nil {
		return err
	}
	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO recall_events (
		query_id, returned_ids, scores, latency_us, created_at
	) VALUES ($1, $2, $3, $4, $5)`,
		ev.QueryID, ids, scores, ev.Latency.Microseconds(), ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert recall event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanPostgresRow(sc scanner) (types.MemoryRecord, error) {
	var (
		rec          types.MemoryRecord
		embedding    pgvector.Vector
		status       string
		metadataJSON string
		retiredAt    sql.NullTime
	)
	if err := sc.Scan(
		&rec.ID,
		&rec.Content,
		&embedding,
		&rec.CreatedAt,
		&rec.LastAccessedAt,
		&rec.BaseImportance,
		&rec.AccessCount,
		&status,
		&retiredAt,
		&rec.Supersedes,
		&rec.Version,
		&metadataJSON,
	); err != nil {
		return rec, err
	}
	rec.Embedding = embedding.Slice()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.LastAccessedAt = rec.LastAccessedAt.UTC()
	rec.Status = types.Status(status)
	if retiredAt.Valid {
		ts := retiredAt.Time.UTC()
		rec.RetiredAt = &ts
	}
	rec.Metadata = decodeMetadata(metadataJSON)
	return rec, nil
}

func pgNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
