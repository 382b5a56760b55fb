package storage

import (
	"sort"

	"github.com/subcog-dev/subcog/pkg/index"
	"github.com/subcog-dev/subcog/pkg/memory"
	"github.com/subcog-dev/subcog/pkg/vector"
)

// Fused is an id with its fused score and per-source raw scores, the
// intermediate form between rank fusion and hydration.
type Fused struct {
	ID      string
	Score   float64
	BM25    float64
	Cosine  float64
	Sources []memory.RankSource
}

// FuseRRF merges a BM25-ranked list and a cosine-ranked list with
// Reciprocal Rank Fusion:
//
//	rrf(id) = sum over lists of 1 / (k + rank)
//
// with 1-based ranks and absent ids contributing nothing. The fused score is
// normalized by the maximum observed rrf, then scaled by the best per-list
// normalized score of the id so single-call results do not all collapse to
// 1.0. Ties break on raw cosine, then raw BM25, then id.
func FuseRRF(text []index.ScoredID, vec []vector.Scored, k float64) []Fused {
	if k <= 0 {
		k = 60
	}

	maxBM25 := 0.0
	for _, r := range text {
		if r.Score > maxBM25 {
			maxBM25 = r.Score
		}
	}
	maxCos := 0.0
	for _, r := range vec {
		if r.Similarity > maxCos {
			maxCos = r.Similarity
		}
	}

	acc := make(map[string]*Fused)

	for rank, r := range text {
		f := &Fused{ID: r.ID, BM25: r.Score, Sources: []memory.RankSource{memory.RankSourceLexical}}
		f.Score = 1.0 / (k + float64(rank+1))
		acc[r.ID] = f
	}
	for rank, r := range vec {
		contribution := 1.0 / (k + float64(rank+1))
		if f, ok := acc[r.ID]; ok {
			f.Score += contribution
			f.Cosine = r.Similarity
			f.Sources = append(f.Sources, memory.RankSourceVector)
		} else {
			acc[r.ID] = &Fused{
				ID:      r.ID,
				Score:   contribution,
				Cosine:  r.Similarity,
				Sources: []memory.RankSource{memory.RankSourceVector},
			}
		}
	}

	maxRRF := 0.0
	for _, f := range acc {
		if f.Score > maxRRF {
			maxRRF = f.Score
		}
	}

	results := make([]Fused, 0, len(acc))
	for _, f := range acc {
		if maxRRF > 0 {
			best := 0.0
			if maxBM25 > 0 && f.BM25 > 0 {
				best = f.BM25 / maxBM25
			}
			if maxCos > 0 && f.Cosine > 0 {
				if norm := f.Cosine / maxCos; norm > best {
					best = norm
				}
			}
			f.Score = f.Score / maxRRF * best
		}
		results = append(results, *f)
	}

	sortFused(results)
	return results
}

// ScoreLexical converts a BM25-ranked list into the degenerate lexical-only
// form: the reported score is the normalized BM25, no RRF applied.
func ScoreLexical(text []index.ScoredID) []Fused {
	maxBM25 := 0.0
	for _, r := range text {
		if r.Score > maxBM25 {
			maxBM25 = r.Score
		}
	}

	results := make([]Fused, 0, len(text))
	for _, r := range text {
		score := r.Score
		if maxBM25 > 0 {
			score = r.Score / maxBM25
		}
		results = append(results, Fused{
			ID:      r.ID,
			Score:   score,
			BM25:    r.Score,
			Sources: []memory.RankSource{memory.RankSourceLexical},
		})
	}
	sortFused(results)
	return results
}

// ScoreVector converts a cosine-ranked list into the degenerate vector-only
// form: the reported score is the cosine similarity clamped to [0, 1].
func ScoreVector(vec []vector.Scored) []Fused {
	results := make([]Fused, 0, len(vec))
	for _, r := range vec {
		score := r.Similarity
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		results = append(results, Fused{
			ID:      r.ID,
			Score:   score,
			Cosine:  r.Similarity,
			Sources: []memory.RankSource{memory.RankSourceVector},
		})
	}
	sortFused(results)
	return results
}

func sortFused(results []Fused) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Cosine != results[j].Cosine {
			return results[i].Cosine > results[j].Cosine
		}
		if results[i].BM25 != results[j].BM25 {
			return results[i].BM25 > results[j].BM25
		}
		return results[i].ID < results[j].ID
	})
}
