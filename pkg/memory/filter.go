package memory

import (
	"path"
	"time"
)

// SearchMode selects how recall combines the index and vector layers.
type SearchMode int

const (
	// ModeHybrid fuses lexical and vector ranks with RRF. Default.
	ModeHybrid SearchMode = iota
	// ModeVector searches the vector layer only.
	ModeVector
	// ModeLexical searches the BM25 index only.
	ModeLexical
)

// String returns the configuration spelling of the mode.
func (m SearchMode) String() string {
	switch m {
	case ModeVector:
		return "vector"
	case ModeLexical:
		return "lexical"
	default:
		return "hybrid"
	}
}

// ParseSearchMode maps a configuration string to a SearchMode.
func ParseSearchMode(s string) (SearchMode, error) {
	switch s {
	case "hybrid", "":
		return ModeHybrid, nil
	case "vector":
		return ModeVector, nil
	case "lexical":
		return ModeLexical, nil
	}
	return ModeHybrid, &ValidationError{Field: "search_mode", Reason: "must be one of hybrid, vector, lexical"}
}

// SearchFilter is a conjunctive predicate over memories. The zero value
// matches everything except tombstones, in every tier; the recall layer
// fills in DefaultRecallTiers when Tiers is empty.
type SearchFilter struct {
	// Namespace restricts to a single namespace when non-nil.
	Namespace *Namespace
	// Domain restricts to a single domain when non-nil.
	Domain *Domain
	// TagsInclude requires all listed tags.
	TagsInclude []string
	// TagsExclude forbids any listed tag.
	TagsExclude []string
	// SourceGlob restricts by source-field pattern (path.Match syntax).
	SourceGlob string
	// Status restricts to exactly one status. When nil, tombstones are
	// excluded and every other status matches.
	Status *Status
	// Tiers restricts to a tier subset. Empty means DefaultRecallTiers at
	// the recall layer; backends treat empty as unrestricted.
	Tiers []Tier
	// Since / Until bound CreatedAt.
	Since *time.Time
	Until *time.Time
	// MinScore drops results below this fused score (0.0–1.0).
	MinScore float64
}

// WithNamespace returns a copy restricted to ns.
func (f SearchFilter) WithNamespace(ns Namespace) SearchFilter {
	f.Namespace = &ns
	return f
}

// WithDomain returns a copy restricted to d.
func (f SearchFilter) WithDomain(d Domain) SearchFilter {
	f.Domain = &d
	return f
}

// MatchesTier reports whether a memory tier passes the filter's tier set.
// A memory without an assigned tier is treated as Hot.
func (f SearchFilter) MatchesTier(t Tier) bool {
	if len(f.Tiers) == 0 {
		return true
	}
	if t == "" {
		t = TierHot
	}
	for _, allowed := range f.Tiers {
		if t == allowed {
			return true
		}
	}
	return false
}

// Matches evaluates the full predicate against a memory. Backends push most
// clauses into their query languages; this is the reference semantics and
// the post-hydration safety net.
func (f SearchFilter) Matches(m *Memory) bool {
	if f.Namespace != nil && m.Namespace != *f.Namespace {
		return false
	}
	if f.Domain != nil && m.Domain.Key() != f.Domain.Key() {
		return false
	}
	if f.Status != nil {
		if m.Status != *f.Status {
			return false
		}
	} else if m.Status == StatusTombstone {
		return false
	}
	for _, tag := range f.TagsInclude {
		if !m.HasTag(tag) {
			return false
		}
	}
	for _, tag := range f.TagsExclude {
		if m.HasTag(tag) {
			return false
		}
	}
	if f.SourceGlob != "" {
		ok, err := path.Match(f.SourceGlob, m.Source)
		if err != nil || !ok {
			return false
		}
	}
	if f.Since != nil && m.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && m.CreatedAt.After(*f.Until) {
		return false
	}
	return f.MatchesTier(m.Tier)
}

// RankSource identifies which search layer contributed a hit.
type RankSource string

const (
	RankSourceLexical RankSource = "lexical"
	RankSourceVector  RankSource = "vector"
)

// SearchHit is a single recall result with its normalized fused score and
// the layers that contributed to it.
type SearchHit struct {
	Memory      *Memory
	Score       float64
	RankSources []RankSource
}

// FromSource reports whether the hit was contributed by the given layer.
func (h SearchHit) FromSource(s RankSource) bool {
	for _, src := range h.RankSources {
		if src == s {
			return true
		}
	}
	return false
}
