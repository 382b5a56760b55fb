package subcog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/subcog-dev/subcog/pkg/dedup"
	"github.com/subcog-dev/subcog/pkg/memory"
)

// PersistenceConfig selects and parameterizes the authoritative backend.
type PersistenceConfig struct {
	// Backend is one of "fs", "sqlite", "gitnotes".
	Backend string `yaml:"backend"`
	// Path is the backend root (directory, database file, or git repo).
	Path string `yaml:"path"`
	// Remote names the git remote used by gitnotes sync.
	Remote string `yaml:"remote"`
}

// IndexConfig selects and parameterizes the index backend.
type IndexConfig struct {
	// Backend is currently always "sqlite".
	Backend string  `yaml:"backend"`
	Path    string  `yaml:"path"`
	BM25K1  float64 `yaml:"bm25_k1"`
	BM25B   float64 `yaml:"bm25_b"`
}

// VectorConfig selects and parameterizes the vector backend.
type VectorConfig struct {
	// Backend is "hnsw" or "flat".
	Backend        string `yaml:"backend"`
	SnapshotPath   string `yaml:"snapshot_path"`
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search"`
}

// EmbeddingConfig describes the embedder the host wires in.
type EmbeddingConfig struct {
	// Model is passed opaquely to the embedder implementation.
	Model string `yaml:"model"`
	// Dimensions is the fixed vector length.
	Dimensions int `yaml:"dimensions"`
}

// SearchConfig tunes recall defaults.
type SearchConfig struct {
	// DefaultMode is "hybrid", "vector" or "lexical".
	DefaultMode  string  `yaml:"default_mode"`
	RRFK         float64 `yaml:"rrf_k"`
	DefaultLimit int     `yaml:"default_limit"`
}

// EnhancedFeatures gates the no-external-dependency extras.
type EnhancedFeatures struct {
	Enabled        bool `yaml:"enabled"`
	SecurityFilter bool `yaml:"security_filter"`
	Metrics        bool `yaml:"metrics"`
	HookHandlers   bool `yaml:"hook_handlers"`
}

// LLMFeatures gates everything needing an external LLM provider. Every
// sub-flag requires Enabled.
type LLMFeatures struct {
	Enabled           bool `yaml:"enabled"`
	ImplicitCapture   bool `yaml:"implicit_capture"`
	QueryExpansion    bool `yaml:"query_expansion"`
	Consolidation     bool `yaml:"consolidation"`
	TemporalReasoning bool `yaml:"temporal_reasoning"`
}

// Features is the tier switchboard. The core tier is always on.
type Features struct {
	Enhanced EnhancedFeatures `yaml:"enhanced"`
	LLM      LLMFeatures      `yaml:"llm"`
}

// DedupConfig mirrors the dedup package configuration in file form.
type DedupConfig struct {
	Enabled             *bool              `yaml:"enabled"`
	ThresholdDefault    float64            `yaml:"threshold_default"`
	Thresholds          map[string]float64 `yaml:"thresholds"`
	RecentWindowSeconds int                `yaml:"recent_window_seconds"`
	CacheCapacity       int                `yaml:"cache_capacity"`
	MinSemanticLength   int                `yaml:"min_semantic_length"`
}

// Config is the engine configuration, loaded once at startup and treated
// as immutable afterwards.
type Config struct {
	// DataDir anchors every relative backend path.
	DataDir string `yaml:"data_dir"`

	Persistence PersistenceConfig `yaml:"persistence"`
	Index       IndexConfig       `yaml:"index"`
	Vector      VectorConfig      `yaml:"vector"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Search      SearchConfig      `yaml:"search"`
	Features    Features          `yaml:"features"`
	Dedup       DedupConfig       `yaml:"dedup"`
}

// DefaultConfig returns the stock configuration rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:     dataDir,
		Persistence: PersistenceConfig{Backend: "fs"},
		Index:       IndexConfig{Backend: "sqlite", BM25K1: 1.2, BM25B: 0.75},
		Vector:      VectorConfig{Backend: "hnsw", M: 16, EfConstruction: 200, EfSearch: 50},
		Embedding:   EmbeddingConfig{Dimensions: 384},
		Search:      SearchConfig{DefaultMode: "hybrid", RRFK: 60, DefaultLimit: 10},
		Features: Features{
			Enhanced: EnhancedFeatures{Enabled: true, Metrics: true},
		},
	}
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, memory.WrapOp("config_load", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, memory.WrapOp("config_load", fmt.Errorf("failed to parse config: %w", err))
	}

	cfg = cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays SUBCOG_* environment variables on scalar keys.
func (c Config) ApplyEnv() Config {
	if v, ok := os.LookupEnv("SUBCOG_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := os.LookupEnv("SUBCOG_PERSISTENCE_BACKEND"); ok {
		c.Persistence.Backend = v
	}
	if v, ok := os.LookupEnv("SUBCOG_PERSISTENCE_PATH"); ok {
		c.Persistence.Path = v
	}
	if v, ok := os.LookupEnv("SUBCOG_SEARCH_DEFAULT_MODE"); ok {
		c.Search.DefaultMode = v
	}
	if v, ok := os.LookupEnv("SUBCOG_SEARCH_RRF_K"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Search.RRFK = f
		}
	}
	if v, ok := os.LookupEnv("SUBCOG_SEARCH_DEFAULT_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Search.DefaultLimit = n
		}
	}
	if v, ok := os.LookupEnv("SUBCOG_EMBEDDING_DIMENSIONS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embedding.Dimensions = n
		}
	}
	if v, ok := os.LookupEnv("SUBCOG_FEATURES_LLM_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Features.LLM.Enabled = b
		}
	}
	return c
}

// Validate enforces the tier dependency rules and basic well-formedness.
// An LLM sub-flag without the LLM tier flag is a hard error; a disabled
// enhanced tier silently disables its sub-flags.
func (c Config) Validate() error {
	if !c.Features.LLM.Enabled {
		llm := c.Features.LLM
		var offending string
		switch {
		case llm.ImplicitCapture:
			offending = "implicit_capture"
		case llm.QueryExpansion:
			offending = "query_expansion"
		case llm.Consolidation:
			offending = "consolidation"
		case llm.TemporalReasoning:
			offending = "temporal_reasoning"
		}
		if offending != "" {
			return &memory.ValidationError{
				Field:  "features.llm." + offending,
				Reason: "requires features.llm.enabled",
			}
		}
	}

	switch c.Persistence.Backend {
	case "", "fs", "sqlite", "gitnotes":
	default:
		return &memory.ValidationError{Field: "persistence.backend", Reason: fmt.Sprintf("unknown backend %q", c.Persistence.Backend)}
	}
	switch c.Index.Backend {
	case "", "sqlite":
	default:
		return &memory.ValidationError{Field: "index.backend", Reason: fmt.Sprintf("unknown backend %q", c.Index.Backend)}
	}
	switch c.Vector.Backend {
	case "", "hnsw", "flat":
	default:
		return &memory.ValidationError{Field: "vector.backend", Reason: fmt.Sprintf("unknown backend %q", c.Vector.Backend)}
	}
	if _, err := memory.ParseSearchMode(c.Search.DefaultMode); err != nil {
		return err
	}
	if c.Embedding.Dimensions <= 0 {
		return &memory.ValidationError{Field: "embedding.dimensions", Reason: "must be positive"}
	}
	return nil
}

// normalized returns a copy with the enhanced sub-flag implication applied
// and every backend path anchored.
func (c Config) normalized() Config {
	if !c.Features.Enhanced.Enabled {
		c.Features.Enhanced.SecurityFilter = false
		c.Features.Enhanced.Metrics = false
		c.Features.Enhanced.HookHandlers = false
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Persistence.Path == "" {
		switch c.Persistence.Backend {
		case "sqlite":
			c.Persistence.Path = filepath.Join(c.DataDir, "memories.db")
		case "gitnotes":
			c.Persistence.Path = filepath.Join(c.DataDir, "notes")
		default:
			c.Persistence.Path = filepath.Join(c.DataDir, "memories")
		}
	}
	if c.Index.Path == "" {
		c.Index.Path = filepath.Join(c.DataDir, "index.db")
	}
	if c.Vector.SnapshotPath == "" && c.Vector.Backend != "flat" {
		c.Vector.SnapshotPath = filepath.Join(c.DataDir, "vectors.hnsw")
	}
	return c
}

// dedupConfig materializes the dedup package config, env overlays applied
// last so the environment always wins.
func (c Config) dedupConfig() dedup.Config {
	out := dedup.DefaultConfig()
	if c.Dedup.Enabled != nil {
		out.Enabled = *c.Dedup.Enabled
	}
	if c.Dedup.ThresholdDefault > 0 {
		out.DefaultThreshold = c.Dedup.ThresholdDefault
	}
	for ns, threshold := range c.Dedup.Thresholds {
		parsed, err := memory.ParseNamespace(ns)
		if err != nil {
			continue
		}
		out.Thresholds[parsed] = threshold
	}
	if c.Dedup.RecentWindowSeconds > 0 {
		out.RecentWindow = time.Duration(c.Dedup.RecentWindowSeconds) * time.Second
	}
	if c.Dedup.CacheCapacity > 0 {
		out.CacheCapacity = c.Dedup.CacheCapacity
	}
	if c.Dedup.MinSemanticLength > 0 {
		out.MinSemanticLength = c.Dedup.MinSemanticLength
	}
	return out.ApplyEnv()
}
