package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExpandPath(t *testing.T) {
	t.Parallel()
	got := ExpandPath("~/memory.db")
	if got == "~/memory.db" {
		t.Fatalf("expected home-expanded path, got %q", got)
	}
	if !strings.Contains(got, "memory.db") {
		t.Fatalf("expected expanded path to contain file name, got %q", got)
	}
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Decay.HalfLife() != 7*24*time.Hour {
		t.Fatalf("HalfLife() = %v, want 168h", cfg.Decay.HalfLife())
	}
	if cfg.Recall.Timeout() != 2*time.Second {
		t.Fatalf("Recall.Timeout() = %v, want 2s", cfg.Recall.Timeout())
	}
	if cfg.Embeddings.Provider != "none" {
		t.Fatalf("Embeddings.Provider = %q, want none so text entry points need a real provider", cfg.Embeddings.Provider)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerName != "narrative-memory" {
		t.Fatalf("ServerName = %q, want narrative-memory", cfg.ServerName)
	}
}

func TestLoad_OverridesNestedSections(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "narrative-memory.yaml")
	body := `
dimension: 8
index:
  backend: chromem
decay:
  half_life_seconds: 60
  min_factor: 0.2
recall:
  default_k: 3
  min_similarity: 0.45
retirement:
  auto_confirm: true
embeddings:
  provider: none
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Dimension != 8 || cfg.Index.Backend != "chromem" || cfg.Index.Metric != "cosine" {
		t.Fatalf("unexpected index config: dim=%d %+v", cfg.Dimension, cfg.Index)
	}
	if cfg.Decay.HalfLife() != time.Minute || cfg.Decay.MinFactor != 0.2 {
		t.Fatalf("unexpected decay config: %+v", cfg.Decay)
	}
	if cfg.Recall.DefaultK != 3 || cfg.Recall.MaxK != 100 || cfg.Recall.MinSimilarity != 0.45 {
		t.Fatalf("unexpected recall config: %+v", cfg.Recall)
	}
	if !cfg.Retirement.AutoConfirm || cfg.Retirement.LowUseThreshold != 3 {
		t.Fatalf("unexpected retirement config: %+v", cfg.Retirement)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	t.Parallel()
	cases := map[string]func(*Config){
		"store backend":   func(c *Config) { c.StoreBackend = "mysql" },
		"postgres dsn":    func(c *Config) { c.StoreBackend = "postgres" },
		"dimension":       func(c *Config) { c.Dimension = 0 },
		"index backend":   func(c *Config) { c.Index.Backend = "faiss" },
		"chromem dot":     func(c *Config) { c.Index.Backend, c.Index.Metric = "chromem", "dot" },
		"half life":       func(c *Config) { c.Decay.HalfLifeSeconds = 0 },
		"min factor":      func(c *Config) { c.Decay.MinFactor = 1 },
		"boost rate":      func(c *Config) { c.Reinforcement.BoostRate = 1.5 },
		"zero weights":    func(c *Config) { c.Scoring.WeightSim, c.Scoring.WeightImportance = 0, 0 },
		"default k":       func(c *Config) { c.Recall.DefaultK = 500 },
		"overfetch":       func(c *Config) { c.Recall.OverfetchFactor = 0 },
		"records per sec": func(c *Config) { c.Retirement.RecordsPerSecond = 0 },
		"embeddings":      func(c *Config) { c.Embeddings.Provider = "openai" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() error = nil, want error for %s", name)
			}
		})
	}
}
