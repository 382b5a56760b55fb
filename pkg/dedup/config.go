package dedup

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/subcog-dev/subcog/pkg/memory"
)

// Config tunes the deduplication service. Every knob except
// SemanticSoftTimeout is overridable via SUBCOG_DEDUP_* environment
// variables (ApplyEnv).
type Config struct {
	// Enabled turns the service on.
	Enabled bool

	// DefaultThreshold is the cosine similarity above which a capture is a
	// semantic duplicate, unless the namespace overrides it.
	DefaultThreshold float64

	// Thresholds holds per-namespace overrides; decisions default stricter.
	Thresholds map[memory.Namespace]float64

	// RecentWindow bounds how long a capture stays "recent".
	RecentWindow time.Duration

	// CacheCapacity bounds the recent-capture LRU.
	CacheCapacity int

	// MinSemanticLength is the minimum normalized content length for the
	// semantic check; shorter content skips it.
	MinSemanticLength int

	// SemanticSoftTimeout is the advisory budget for the semantic check; on
	// expiry the check reports clean and the capture proceeds.
	SemanticSoftTimeout time.Duration
}

// DefaultConfig returns the stock dedup tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		DefaultThreshold: 0.90,
		Thresholds: map[memory.Namespace]float64{
			memory.NamespaceDecisions: 0.92,
		},
		RecentWindow:        300 * time.Second,
		CacheCapacity:       1000,
		MinSemanticLength:   50,
		SemanticSoftTimeout: 50 * time.Millisecond,
	}
}

// Threshold returns the similarity threshold for a namespace.
func (c Config) Threshold(ns memory.Namespace) float64 {
	if t, ok := c.Thresholds[ns]; ok {
		return t
	}
	return c.DefaultThreshold
}

// ApplyEnv overlays SUBCOG_DEDUP_* environment variables onto the config:
//
//	SUBCOG_DEDUP_ENABLED                  bool
//	SUBCOG_DEDUP_THRESHOLD_DEFAULT        float 0-1
//	SUBCOG_DEDUP_THRESHOLD_<NAMESPACE>    float 0-1 (dashes become underscores)
//	SUBCOG_DEDUP_RECENT_WINDOW_SECONDS    int
//	SUBCOG_DEDUP_CACHE_CAPACITY           int
//	SUBCOG_DEDUP_MIN_SEMANTIC_LENGTH      int
func (c Config) ApplyEnv() Config {
	if v, ok := os.LookupEnv("SUBCOG_DEDUP_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Enabled = b
		}
	}
	if v, ok := os.LookupEnv("SUBCOG_DEDUP_THRESHOLD_DEFAULT"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.DefaultThreshold = f
		}
	}
	for _, ns := range memory.UserNamespaces {
		key := "SUBCOG_DEDUP_THRESHOLD_" + strings.ToUpper(strings.ReplaceAll(string(ns), "-", "_"))
		if v, ok := os.LookupEnv(key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
				if c.Thresholds == nil {
					c.Thresholds = make(map[memory.Namespace]float64)
				}
				c.Thresholds[ns] = f
			}
		}
	}
	if v, ok := os.LookupEnv("SUBCOG_DEDUP_RECENT_WINDOW_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.RecentWindow = time.Duration(n) * time.Second
		}
	}
	if v, ok := os.LookupEnv("SUBCOG_DEDUP_CACHE_CAPACITY"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.CacheCapacity = n
		}
	}
	if v, ok := os.LookupEnv("SUBCOG_DEDUP_MIN_SEMANTIC_LENGTH"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.MinSemanticLength = n
		}
	}
	return c
}
