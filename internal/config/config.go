package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for a config file when none is given.
const DefaultPath = "config/narrative-memory.yaml"

// Config contains runtime configuration for narrative-memory.
type Config struct {
	ServerName   string `yaml:"server_name"`
	LogLevel     string `yaml:"log_level"`
	StoreBackend string `yaml:"store_backend"`
	DBPath       string `yaml:"db_path"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	Dimension    int    `yaml:"dimension"`
	MetricsAddr  string `yaml:"metrics_addr"`

	ConsistencyCheckIntervalSeconds int `yaml:"consistency_check_interval_seconds"`

	Index         IndexConfig         `yaml:"index"`
	Decay         DecayConfig         `yaml:"decay"`
	Reinforcement ReinforcementConfig `yaml:"reinforcement"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Recall        RecallConfig        `yaml:"recall"`
	Retirement    RetirementConfig    `yaml:"retirement"`
	Embeddings    EmbeddingsConfig    `yaml:"embeddings"`
}

// IndexConfig selects the vector index implementation.
type IndexConfig struct {
	Backend string `yaml:"backend"` // flat | chromem
	Metric  string `yaml:"metric"`  // cosine | dot
}

type DecayConfig struct {
	HalfLifeSeconds float64 `yaml:"half_life_seconds"`
	MinFactor       float64 `yaml:"min_factor"`
}

type ReinforcementConfig struct {
	BoostRate float64 `yaml:"boost_rate"`
}

type ScoringConfig struct {
	WeightSim        float64 `yaml:"weight_sim"`
	WeightImportance float64 `yaml:"weight_importance"`
}

type RecallConfig struct {
	DefaultK        int     `yaml:"default_k"`
	MaxK            int     `yaml:"max_k"`
	OverfetchFactor int     `yaml:"overfetch_factor"`
	MinCandidates   int     `yaml:"min_candidates"`
	MinSimilarity   float64 `yaml:"min_similarity"`
	TimeoutMS       int     `yaml:"timeout_ms"`
}

type RetirementConfig struct {
	IntervalSeconds     int     `yaml:"interval_seconds"`
	LowUseThreshold     int64   `yaml:"low_use_threshold"`
	AutoConfirm         bool    `yaml:"auto_confirm"`
	CandidateTTLSeconds int     `yaml:"candidate_ttl_seconds"`
	RecordsPerSecond    float64 `yaml:"records_per_second"`
}

type EmbeddingsConfig struct {
	Provider           string `yaml:"provider"` // none | hash | ollama
	BaseURL            string `yaml:"base_url"`
	Model              string `yaml:"model"`
	TimeoutMS          int    `yaml:"timeout_ms"`
	CacheMaxBytes      int64  `yaml:"cache_max_bytes"`
	BreakerMaxFailures uint32 `yaml:"breaker_max_failures"`
	BreakerOpenSeconds int    `yaml:"breaker_open_seconds"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		ServerName:                      "narrative-memory",
		LogLevel:                        "info",
		StoreBackend:                    "sqlite",
		DBPath:                          filepath.Join(userHomeDir(), ".narrative-memory", "memories.db"),
		Dimension:                       384,
		ConsistencyCheckIntervalSeconds: 300,
		Index: IndexConfig{
			Backend: "flat",
			Metric:  "cosine",
		},
		Decay: DecayConfig{
			HalfLifeSeconds: (7 * 24 * time.Hour).Seconds(),
			MinFactor:       0.05,
		},
		Reinforcement: ReinforcementConfig{
			BoostRate: 0.1,
		},
		Scoring: ScoringConfig{
			WeightSim:        0.7,
			WeightImportance: 0.3,
		},
		Recall: RecallConfig{
			DefaultK:        5,
			MaxK:            100,
			OverfetchFactor: 4,
			MinCandidates:   50,
			MinSimilarity:   0,
			TimeoutMS:       2000,
		},
		Retirement: RetirementConfig{
			IntervalSeconds:     3600,
			LowUseThreshold:     3,
			AutoConfirm:         false,
			CandidateTTLSeconds: 7 * 24 * 3600,
			RecordsPerSecond:    200,
		},
		Embeddings: EmbeddingsConfig{
			Provider:           "none",
			BaseURL:            "http://localhost:11434",
			Model:              "nomic-embed-text",
			TimeoutMS:          5000,
			CacheMaxBytes:      16 << 20,
			BreakerMaxFailures: 3,
			BreakerOpenSeconds: 30,
		},
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	switch c.StoreBackend {
	case "sqlite":
		if c.DBPath == "" {
			return errors.New("db_path must not be empty")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("postgres_dsn must be set when store_backend is postgres")
		}
	default:
		return fmt.Errorf("store_backend must be sqlite or postgres, got %q", c.StoreBackend)
	}
	if c.Dimension <= 0 {
		return errors.New("dimension must be > 0")
	}
	if c.ConsistencyCheckIntervalSeconds < 0 {
		return errors.New("consistency_check_interval_seconds must be >= 0")
	}

	switch c.Index.Backend {
	case "flat":
	case "chromem":
		if c.Index.Metric != "cosine" {
			return errors.New("index.metric must be cosine for the chromem backend")
		}
	default:
		return fmt.Errorf("index.backend must be flat or chromem, got %q", c.Index.Backend)
	}
	if c.Index.Metric != "cosine" && c.Index.Metric != "dot" {
		return fmt.Errorf("index.metric must be cosine or dot, got %q", c.Index.Metric)
	}

	if !(c.Decay.HalfLifeSeconds > 0) || math.IsInf(c.Decay.HalfLifeSeconds, 0) {
		return errors.New("decay.half_life_seconds must be > 0")
	}
	if !(c.Decay.MinFactor > 0 && c.Decay.MinFactor < 1) {
		return errors.New("decay.min_factor must be in (0,1)")
	}
	if !(c.Reinforcement.BoostRate >= 0 && c.Reinforcement.BoostRate <= 1) {
		return errors.New("reinforcement.boost_rate must be in [0,1]")
	}
	if !(c.Scoring.WeightSim >= 0) || !(c.Scoring.WeightImportance >= 0) {
		return errors.New("scoring weights must be >= 0")
	}
	if c.Scoring.WeightSim+c.Scoring.WeightImportance == 0 {
		return errors.New("scoring weights must not both be 0")
	}

	r := c.Recall
	if r.DefaultK <= 0 || r.MaxK <= 0 || r.DefaultK > r.MaxK {
		return errors.New("recall.default_k must be > 0 and <= recall.max_k")
	}
	if r.OverfetchFactor < 1 {
		return errors.New("recall.overfetch_factor must be >= 1")
	}
	if r.MinCandidates < 0 {
		return errors.New("recall.min_candidates must be >= 0")
	}
	if !(r.MinSimilarity >= -1 && r.MinSimilarity <= 1) {
		return errors.New("recall.min_similarity must be in [-1,1]")
	}
	if r.TimeoutMS < 0 {
		return errors.New("recall.timeout_ms must be >= 0")
	}

	rt := c.Retirement
	if rt.IntervalSeconds < 0 {
		return errors.New("retirement.interval_seconds must be >= 0")
	}
	if rt.LowUseThreshold < 0 {
		return errors.New("retirement.low_use_threshold must be >= 0")
	}
	if rt.CandidateTTLSeconds <= 0 {
		return errors.New("retirement.candidate_ttl_seconds must be > 0")
	}
	if !(rt.RecordsPerSecond > 0) {
		return errors.New("retirement.records_per_second must be > 0")
	}

	switch c.Embeddings.Provider {
	case "none", "hash", "ollama":
	default:
		return fmt.Errorf("embeddings.provider must be none, hash or ollama, got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "ollama" && c.Embeddings.BaseURL == "" {
		return errors.New("embeddings.base_url must be set for the ollama provider")
	}
	if c.Embeddings.TimeoutMS < 0 || c.Embeddings.CacheMaxBytes < 0 || c.Embeddings.BreakerOpenSeconds < 0 {
		return errors.New("embeddings timeouts and cache size must be >= 0")
	}
	return nil
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	if c.StoreBackend != "sqlite" {
		return nil
	}
	c.DBPath = ExpandPath(c.DBPath)
	parent := filepath.Dir(c.DBPath)
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create db parent dir: %w", err)
	}
	return nil
}

func (c DecayConfig) HalfLife() time.Duration {
	return time.Duration(c.HalfLifeSeconds * float64(time.Second))
}

func (c RecallConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c RetirementConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c RetirementConfig) CandidateTTL() time.Duration {
	return time.Duration(c.CandidateTTLSeconds) * time.Second
}

func (c EmbeddingsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c EmbeddingsConfig) BreakerOpen() time.Duration {
	return time.Duration(c.BreakerOpenSeconds) * time.Second
}

func (c Config) ConsistencyCheckInterval() time.Duration {
	return time.Duration(c.ConsistencyCheckIntervalSeconds) * time.Second
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
