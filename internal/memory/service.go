package memory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/xiy/narrative-memory/internal/config"
	"github.com/xiy/narrative-memory/internal/decay"
	"github.com/xiy/narrative-memory/internal/embeddings"
	"github.com/xiy/narrative-memory/internal/events"
	"github.com/xiy/narrative-memory/internal/index"
	"github.com/xiy/narrative-memory/internal/reinforce"
	"github.com/xiy/narrative-memory/internal/scoring"
	"github.com/xiy/narrative-memory/internal/store"
	"github.com/xiy/narrative-memory/pkg/types"
)

const listPageSize = 256

// Service coordinates the store, the vector index and the scoring engine.
// The store is the source of truth; the index is kept equal to the set of
// active records and can always be rebuilt from it.
type Service struct {
	store    store.Store
	idx      index.Index
	cfg      config.Config
	engine   *scoring.Engine
	embedder embeddings.Provider
	sink     events.Sink
	logger   *log.Logger
	now      func() time.Time

	locks lockTable
	// structure is held shared by index mutations and searches, and
	// exclusively while the index is compared against the store or rebuilt.
	structure  sync.RWMutex
	indexReady atomic.Bool

	candidates *cache.Cache
	limiter    *rate.Limiter
}

// Option customizes a Service.
type Option func(*Service)

// WithEmbedder enables the text entry points.
func WithEmbedder(p embeddings.Provider) Option {
	return func(s *Service) { s.embedder = p }
}

// WithSink routes recall and ingest events to sink.
func WithSink(sink events.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs a memory service.
func NewService(st store.Store, idx index.Index, cfg config.Config, logger *log.Logger, opts ...Option) (*Service, error) {
	if idx.Dimension() != cfg.Dimension {
		return nil, fmt.Errorf("index dimension %d does not match configured dimension %d", idx.Dimension(), cfg.Dimension)
	}
	engine, err := scoring.NewEngine(
		decay.Policy{HalfLife: cfg.Decay.HalfLife(), MinFactor: cfg.Decay.MinFactor},
		reinforce.Policy{BoostRate: cfg.Reinforcement.BoostRate},
		scoring.Weights{Similarity: cfg.Scoring.WeightSim, Importance: cfg.Scoring.WeightImportance},
	)
	if err != nil {
		return nil, fmt.Errorf("build scoring engine: %w", err)
	}

	rps := cfg.Retirement.RecordsPerSecond
	s := &Service{
		store:      st,
		idx:        idx,
		cfg:        cfg,
		engine:     engine,
		sink:       events.Discard{},
		logger:     logger,
		now:        time.Now,
		candidates: cache.New(cfg.Retirement.CandidateTTL(), cfg.Retirement.CandidateTTL()),
		limiter:    rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.indexReady.Store(true)
	return s, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// Create validates and stores a new memory. The embedding is indexed before
// the record is committed; if the commit fails the index entry is removed.
func (s *Service) Create(ctx context.Context, in types.CreateInput) (types.MemoryRecord, error) {
	if err := s.validateEmbedding(in.Embedding); err != nil {
		return types.MemoryRecord{}, err
	}
	if math.IsNaN(in.BaseImportance) || in.BaseImportance < 0 || in.BaseImportance > 1 {
		return types.MemoryRecord{}, fmt.Errorf("%w: got %v", ErrInvalidImportance, in.BaseImportance)
	}

	s.structure.RLock()
	defer s.structure.RUnlock()
	return s.create(ctx, uuid.NewString(), in, "")
}

func (s *Service) create(ctx context.Context, id string, in types.CreateInput, supersedes string) (types.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.MemoryRecord{}, deadline(ctx, err)
	}

	now := s.clock()
	rec := types.MemoryRecord{
		ID:             id,
		Content:        in.Content,
		Embedding:      append([]float32(nil), in.Embedding...),
		CreatedAt:      now,
		LastAccessedAt: now,
		BaseImportance: in.BaseImportance,
		Status:         types.StatusActive,
		Supersedes:     supersedes,
		Version:        1,
		Metadata:       maps.Clone(in.Metadata),
	}

	if err := s.idx.Insert(ctx, rec.ID, rec.Embedding); err != nil {
		return types.MemoryRecord{}, deadline(ctx, fmt.Errorf("index insert: %w", err))
	}
	stored, err := s.store.InsertMemory(ctx, rec)
	if err != nil {
		if rmErr := s.idx.Remove(context.WithoutCancel(ctx), rec.ID); rmErr != nil {
			s.logger.Error("failed to roll back index insert", "id", rec.ID, "error", rmErr)
		}
		return types.MemoryRecord{}, deadline(ctx, fmt.Errorf("commit memory: %w", err))
	}

	if err := s.sink.RecordIngest(context.WithoutCancel(ctx), types.IngestEvent{
		ID:             stored.ID,
		BaseImportance: stored.BaseImportance,
		CreatedAt:      stored.CreatedAt,
	}); err != nil {
		s.logger.Warn("ingest event not recorded", "id", stored.ID, "error", err)
	}
	s.logger.Debug("memory created", "id", stored.ID, "base_importance", stored.BaseImportance, "supersedes", supersedes)
	return stored, nil
}

// CreateText embeds text with the configured provider and stores it.
func (s *Service) CreateText(ctx context.Context, text string, importance float64, metadata map[string]string) (types.MemoryRecord, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.MemoryRecord{}, errors.New("content must not be empty")
	}
	emb, err := s.embed(ctx, text)
	if err != nil {
		return types.MemoryRecord{}, err
	}
	return s.Create(ctx, types.CreateInput{
		Content:        text,
		Embedding:      emb,
		BaseImportance: importance,
		Metadata:       metadata,
	})
}

// Get returns a record by id, retired ones included.
func (s *Service) Get(ctx context.Context, id string) (types.MemoryRecord, error) {
	rec, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return types.MemoryRecord{}, fmt.Errorf("get memory %s: %w", id, err)
	}
	return rec, nil
}

// Retire soft-deletes a record. Retiring an already retired record is a no-op.
func (s *Service) Retire(ctx context.Context, id string) error {
	s.structure.RLock()
	defer s.structure.RUnlock()

	unlock := s.locks.lock(id)
	defer unlock()
	return s.retireLocked(ctx, id)
}

// retireLocked requires the structure read lock and the record lock.
func (s *Service) retireLocked(ctx context.Context, id string) error {
	rec, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return fmt.Errorf("retire memory %s: %w", id, err)
	}
	s.candidates.Delete(id)
	if !rec.Active() {
		return nil
	}

	now := s.clock()
	retired := rec.Clone()
	retired.Status = types.StatusRetired
	retired.RetiredAt = &now
	retired.Version = rec.Version + 1
	if err := s.store.UpdateMemories(ctx, []types.MemoryRecord{retired}); err != nil {
		return deadline(ctx, fmt.Errorf("retire memory %s: %w", id, err))
	}

	if err := s.idx.Remove(context.WithoutCancel(ctx), id); err != nil {
		restored := rec.Clone()
		restored.Version = retired.Version + 1
		if rbErr := s.store.UpdateMemories(context.WithoutCancel(ctx), []types.MemoryRecord{restored}); rbErr != nil {
			s.logger.Error("failed to revert retirement after index error", "id", id, "error", rbErr)
		}
		return fmt.Errorf("%w: remove %s: %v", ErrIndexUnavailable, id, err)
	}
	s.logger.Info("memory retired", "id", id)
	return nil
}

// ListActive iterates every active record in id order. Each iteration reads
// the store afresh page by page.
func (s *Service) ListActive(ctx context.Context) iter.Seq2[types.MemoryRecord, error] {
	return func(yield func(types.MemoryRecord, error) bool) {
		after := ""
		for {
			page, err := s.store.ListActive(ctx, after, listPageSize)
			if err != nil {
				yield(types.MemoryRecord{}, deadline(ctx, fmt.Errorf("list active: %w", err)))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < listPageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// Revise stores new content for an active memory as a new record that
// supersedes it, then retires the old one. Importance and metadata carry over.
func (s *Service) Revise(ctx context.Context, id string, in types.ReviseInput) (types.MemoryRecord, error) {
	emb := in.Embedding
	if len(emb) == 0 {
		var err error
		if emb, err = s.embed(ctx, in.Content); err != nil {
			return types.MemoryRecord{}, err
		}
	}
	if err := s.validateEmbedding(emb); err != nil {
		return types.MemoryRecord{}, err
	}

	nextID := uuid.NewString()
	s.structure.RLock()
	defer s.structure.RUnlock()
	unlock := s.locks.lock(id, nextID)
	defer unlock()

	old, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return types.MemoryRecord{}, fmt.Errorf("revise memory %s: %w", id, err)
	}
	if !old.Active() {
		return types.MemoryRecord{}, fmt.Errorf("revise memory %s: %w", id, ErrRetired)
	}

	next, err := s.create(ctx, nextID, types.CreateInput{
		Content:        in.Content,
		Embedding:      emb,
		BaseImportance: old.BaseImportance,
		Metadata:       old.Metadata,
	}, old.ID)
	if err != nil {
		return types.MemoryRecord{}, err
	}
	if err := s.retireLocked(context.WithoutCancel(ctx), old.ID); err != nil {
		// Two active versions must not survive; withdraw the new one.
		if rbErr := s.retireLocked(context.WithoutCancel(ctx), next.ID); rbErr != nil {
			s.logger.Error("failed to withdraw revision", "id", next.ID, "supersedes", old.ID, "error", rbErr)
		}
		return types.MemoryRecord{}, fmt.Errorf("retire superseded memory %s: %w", old.ID, err)
	}
	return next, nil
}

// History returns the revision chain containing id, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]types.MemoryRecord, error) {
	rec, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}

	seen := map[string]struct{}{rec.ID: {}}
	chain := []types.MemoryRecord{rec}
	for cur := rec; cur.Supersedes != ""; {
		prev, err := s.store.GetMemory(ctx, cur.Supersedes)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", id, err)
		}
		if _, dup := seen[prev.ID]; dup {
			break
		}
		seen[prev.ID] = struct{}{}
		chain = append([]types.MemoryRecord{prev}, chain...)
		cur = prev
	}
	for cur := rec; ; {
		next, err := s.store.FindSuccessor(ctx, cur.ID)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", id, err)
		}
		if _, dup := seen[next.ID]; dup {
			break
		}
		seen[next.ID] = struct{}{}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

// Stats summarizes store and index counters.
func (s *Service) Stats(ctx context.Context) (types.Stats, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return types.Stats{}, err
	}
	return types.Stats{
		Active:     counts.Active,
		Retired:    counts.Retired,
		IndexSize:  s.idx.Len(),
		Candidates: s.candidates.ItemCount(),
	}, nil
}

func (s *Service) validateEmbedding(emb []float32) error {
	if len(emb) != s.cfg.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidEmbeddingDimension, len(emb), s.cfg.Dimension)
	}
	var sum float64
	for _, v := range emb {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrInvalidEmbedding
		}
		sum += f * f
	}
	if sum == 0 {
		return ErrInvalidEmbedding
	}
	return nil
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("%w: no provider configured", ErrEmbeddingUnavailable)
	}
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, deadline(ctx, err)
		}
		if errors.Is(err, ErrEmbeddingUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	return emb, nil
}
