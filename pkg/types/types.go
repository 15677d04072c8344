package types

import "time"

// Status is the lifecycle state of a memory record.
type Status string

const (
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

// MemoryRecord represents one persisted memory item.
type MemoryRecord struct {
	ID             string            `json:"id"`
	Content        string            `json:"content"`
	Embedding      []float32         `json:"embedding,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	BaseImportance float64           `json:"base_importance"`
	AccessCount    int64             `json:"access_count"`
	Status         Status            `json:"status"`
	RetiredAt      *time.Time        `json:"retired_at,omitempty"`
	Supersedes     string            `json:"supersedes,omitempty"`
	Version        int64             `json:"version"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Active reports whether the record may take part in recall.
func (r MemoryRecord) Active() bool {
	return r.Status == StatusActive
}

// Clone returns a deep copy so callers can't alias the stored embedding or metadata.
func (r MemoryRecord) Clone() MemoryRecord {
	out := r
	if r.Embedding != nil {
		out.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.RetiredAt != nil {
		t := *r.RetiredAt
		out.RetiredAt = &t
	}
	return out
}

// CreateInput describes a new memory write operation.
type CreateInput struct {
	Content        string            `json:"content"`
	Embedding      []float32         `json:"embedding,omitempty"`
	BaseImportance float64           `json:"base_importance"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ReviseInput replaces the content of a memory by creating a new version.
type ReviseInput struct {
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Filters narrow a recall to records matching every non-zero field.
type Filters struct {
	MinImportance float64           `json:"min_importance,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAfter  *time.Time        `json:"created_after,omitempty"`
	CreatedBefore *time.Time        `json:"created_before,omitempty"`
}

// Match reports whether rec satisfies every filter.
func (f Filters) Match(rec MemoryRecord) bool {
	if rec.BaseImportance < f.MinImportance {
		return false
	}
	if f.CreatedAfter != nil && !rec.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !rec.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	for k, v := range f.Metadata {
		if rec.Metadata[k] != v {
			return false
		}
	}
	return true
}

// RecallInput is used for recall operations. Either Embedding or Query must be set.
type RecallInput struct {
	Embedding []float32 `json:"embedding,omitempty"`
	Query     string    `json:"query,omitempty"`
	K         int       `json:"k,omitempty"`
	Filters   Filters   `json:"filters,omitempty"`
}

// Scored is a ranked item from recall.
type Scored struct {
	Record      MemoryRecord `json:"record"`
	Score       float64      `json:"score"`
	Similarity  float64      `json:"similarity"`
	DecayFactor float64      `json:"decay_factor"`
}

// RecallResult is the ranked, post-reinforcement outcome of one recall.
type RecallResult struct {
	QueryID string   `json:"query_id"`
	Items   []Scored `json:"items"`
}

// Records returns the recalled records in ranked order.
func (r RecallResult) Records() []MemoryRecord {
	out := make([]MemoryRecord, 0, len(r.Items))
	for _, it := range r.Items {
		out = append(out, it.Record)
	}
	return out
}

// IDs returns the recalled ids in ranked order.
func (r RecallResult) IDs() []string {
	out := make([]string, 0, len(r.Items))
	for _, it := range r.Items {
		out = append(out, it.Record.ID)
	}
	return out
}

// RecallEvent is emitted once per successful recall.
type RecallEvent struct {
	QueryID     string        `json:"query_id"`
	ReturnedIDs []string      `json:"returned_ids"`
	Scores      []float64     `json:"scores"`
	Latency     time.Duration `json:"latency"`
	CreatedAt   time.Time     `json:"created_at"`
}

// IngestEvent is emitted once per committed memory.
type IngestEvent struct {
	ID             string    `json:"id"`
	BaseImportance float64   `json:"base_importance"`
	CreatedAt      time.Time `json:"created_at"`
}

// SweepReport summarizes one retirement review pass.
type SweepReport struct {
	Scanned    int      `json:"scanned"`
	Candidates int      `json:"candidates"`
	Retired    int      `json:"retired"`
	Errors     int      `json:"errors"`
	IDs        []string `json:"candidate_ids,omitempty"`
}

// ConsistencyReport is the outcome of comparing the store against the vector index.
type ConsistencyReport struct {
	ActiveInStore  int      `json:"active_in_store"`
	IndexSize      int      `json:"index_size"`
	MissingInIndex []string `json:"missing_in_index,omitempty"`
	UnknownInIndex []string `json:"unknown_in_index,omitempty"`
	Rebuilt        bool     `json:"rebuilt"`
}

// Consistent reports whether no divergence was found.
func (r ConsistencyReport) Consistent() bool {
	return len(r.MissingInIndex) == 0 && len(r.UnknownInIndex) == 0
}

// Stats summarizes store counters.
type Stats struct {
	Active     int64 `json:"active"`
	Retired    int64 `json:"retired"`
	IndexSize  int   `json:"index_size"`
	Candidates int   `json:"pending_candidates"`
}
