package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/narrative-memory/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is a SQLite-backed memory store.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLite opens and initializes the SQLite store.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}
	s.logger.Debug("sqlite schema ready")
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

const memoryColumns = `id, content, embedding, created_at, last_accessed_at, base_importance,
       access_count, status, retired_at, supersedes, version, metadata_json`

func (s *SQLiteStore) InsertMemory(ctx context.Context, rec types.MemoryRecord) (types.MemoryRecord, error) {
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
		id, content, embedding, dimension, created_at, last_accessed_at, base_importance,
		access_count, status, retired_at, supersedes, version, metadata_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q,
		rec.ID,
		rec.Content,
		encodeEmbedding(rec.Embedding),
		len(rec.Embedding),
		formatTime(rec.CreatedAt),
		formatTime(rec.LastAccessedAt),
		rec.BaseImportance,
		rec.AccessCount,
		string(rec.Status),
		nullTime(rec.RetiredAt),
		rec.Supersedes,
		rec.Version,
		metaJSON,
	); err != nil {
		return rec, fmt.Errorf("insert memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ingest_events (memory_id, base_importance, created_at) VALUES (?, ?, ?)`,
		rec.ID, rec.BaseImportance, formatTime(rec.CreatedAt),
	); err != nil {
		return rec, fmt.Errorf("insert ingest event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("commit insert: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (types.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ? LIMIT 1`, id)
	rec, err := scanMemoryRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("get memory: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetMemories(ctx context.Context, ids []string) (map[string]types.MemoryRecord, error) {
	out := make(map[string]types.MemoryRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanMemoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateMemories(ctx context.Context, recs []types.MemoryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `UPDATE memories
SET base_importance = ?, access_count = ?, last_accessed_at = ?, status = ?, retired_at = ?, version = ?
WHERE id = ? AND version = ?`
	for _, rec := range recs {
		res, err := tx.ExecContext(ctx, q,
			rec.BaseImportance,
			rec.AccessCount,
			formatTime(rec.LastAccessedAt),
			string(rec.Status),
			nullTime(rec.RetiredAt),
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
			return s.missingOrConflict(ctx, tx, rec.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) missingOrConflict(ctx context.Context, tx *sql.Tx, id string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM memories WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("check memory %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("memory %s: %w", id, ErrConflict)
}

func (s *SQLiteStore) ListActive(ctx context.Context, afterID string, limit int) ([]types.MemoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+`
FROM memories
WHERE status = 'active' AND id > ?
ORDER BY id ASC
LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer rows.Close()

	items := make([]types.MemoryRecord, 0, limit)
	for rows.Next() {
		rec, err := scanMemoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) FindSuccessor(ctx context.Context, id string) (types.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+`
FROM memories WHERE supersedes = ? ORDER BY created_at ASC LIMIT 1`, id)
	rec, err := scanMemoryRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("find successor: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	const q = `SELECT
	COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'retired' THEN 1 ELSE 0 END), 0)
FROM memories`
	if err := s.db.QueryRowContext(ctx, q).Scan(&c.Active, &c.Retired); err != nil {
		return c, fmt.Errorf("count memories: %w", err)
	}
	return c, nil
}

// RecordRecall persists one recall event.
func (s *SQLiteStore) RecordRecall(ctx context.Context, ev types.RecallEvent) error {
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
	) VALUES (?, ?, ?, ?, ?)`,
		ev.QueryID, ids, scores, ev.Latency.Microseconds(), formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert recall event: %w", err)
	}
	return nil
}

// RecentRecalls returns the most recent recall events in newest-first order.
func (s *SQLiteStore) RecentRecalls(ctx context.Context, limit int) ([]types.RecallEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT query_id, returned_ids, scores, latency_us, created_at
FROM recall_events
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recall events: %w", err)
	}
	defer rows.Close()

	items := make([]types.RecallEvent, 0, limit)
	for rows.Next() {
		var (
			queryID, ids, scores, createdAt string
			latencyUS                       int64
		)
		if err := rows.Scan(&queryID, &ids, &scores, &latencyUS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan recall event: %w", err)
		}
		ev := decodeRecallEvent(queryID, ids, scores)
		ev.Latency = time.Duration(latencyUS) * time.Microsecond
		if ts, err := parseTime(createdAt); err == nil {
			ev.CreatedAt = ts
		}
		items = append(items, ev)
	}
	return items, rows.Err()
}

// InsertMCPRequestLog stores one request event for admin observability.
func (s *SQLiteStore) InsertMCPRequestLog(ctx context.Context, rec MCPRequestLog) error {
	ts := rec.CreatedAt.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO mcp_requests (
		method, tool_name, success, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(rec.Method),
		strings.TrimSpace(rec.ToolName),
		success,
		strings.TrimSpace(rec.ErrorText),
		rec.DurationMS,
		formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert mcp request log: %w", err)
	}
	return nil
}

// RecentMCPRequestLogs returns most recent request events in newest-first order.
func (s *SQLiteStore) RecentMCPRequestLogs(ctx context.Context, limit int) ([]MCPRequestLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, method, tool_name, success, error_text, duration_ms, created_at
FROM mcp_requests
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list mcp request logs: %w", err)
	}
	defer rows.Close()

	items := make([]MCPRequestLog, 0, limit)
	for rows.Next() {
		var (
			row       MCPRequestLog
			success   int
			createdAt string
		)
		if err := rows.Scan(&row.ID, &row.Method, &row.ToolName, &success, &row.ErrorText, &row.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan mcp request log: %w", err)
		}
		row.Success = success == 1
		if ts, err := parseTime(createdAt); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

// RecentMemories returns compact memory rows in newest-first order.
func (s *SQLiteStore) RecentMemories(ctx context.Context, limit int) ([]RecentMemory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, status, base_importance, access_count, created_at, last_accessed_at
FROM memories
ORDER BY created_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close()

	items := make([]RecentMemory, 0, limit)
	for rows.Next() {
		var (
			row                   RecentMemory
			status                string
			createdAt, accessedAt string
		)
		if err := rows.Scan(&row.ID, &row.Content, &status, &row.BaseImportance, &row.AccessCount, &createdAt, &accessedAt); err != nil {
			return nil, fmt.Errorf("scan recent memory: %w", err)
		}
		row.Status = types.Status(status)
		if ts, err := parseTime(createdAt); err == nil {
			row.CreatedAt = ts
		}
		if ts, err := parseTime(accessedAt); err == nil {
			row.LastAccessedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(sc scanner) (types.MemoryRecord, error) {
	var (
		rec                   types.MemoryRecord
		embedding             []byte
		createdAt, accessedAt string
		status, metadataJSON  string
		retiredAt             sql.NullString
	)
	if err := sc.Scan(
		&rec.ID,
		&rec.Content,
		&embedding,
		&createdAt,
		&accessedAt,
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
	return finishRecord(rec, embedding, createdAt, accessedAt, status, retiredAt, metadataJSON)
}

func finishRecord(rec types.MemoryRecord, embedding []byte, createdAt, accessedAt, status string, retiredAt sql.NullString, metadataJSON string) (types.MemoryRecord, error) {
	var err error
	if embedding != nil {
		if rec.Embedding, err = decodeEmbedding(embedding); err != nil {
			return rec, err
		}
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.LastAccessedAt, err = parseTime(accessedAt); err != nil {
		return rec, fmt.Errorf("parse last_accessed_at: %w", err)
	}
	rec.Status = types.Status(status)
	if retiredAt.Valid {
		ts, err := parseTime(retiredAt.String)
		if err != nil {
			return rec, fmt.Errorf("parse retired_at: %w", err)
		}
		rec.RetiredAt = &ts
	}
	rec.Metadata = decodeMetadata(metadataJSON)
	return rec, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
