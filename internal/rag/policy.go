package rag

import (
	"sort"
	"strings"

	"TrustMed/internal/knowledge"
)

// MatchType records which retrieval source found a result.
type MatchType string

const (
	MatchLexical  MatchType = "lexical"
	MatchSemantic MatchType = "semantic"
	MatchHybrid   MatchType = "hybrid"
)

// Availability tells the fusion policy which sources answered for this query.
type Availability struct {
	Lexical  bool
	Semantic bool
}

// Fusion combines per-source scores of one candidate into a relevance in [0,1].
type Fusion interface {
	Fuse(lexical, semantic float64, avail Availability) float64
}

// WeightedFusion is a weighted sum normalized by the weights of the sources
// that answered, so a degraded query is not penalized for the missing source.
type WeightedFusion struct {
	Semantic float64
	Lexical  float64
}

func (w WeightedFusion) Fuse(lexical, semantic float64, avail Availability) float64 {
	var total, weights float64
	if avail.Lexical {
		total += w.Lexical * lexical
		weights += w.Lexical
	}
	if avail.Semantic {
		total += w.Semantic * semantic
		weights += w.Semantic
	}
	if weights == 0 {
		return 0
	}
	return clamp01(total / weights)
}

// LexicalScore is the fraction of key terms found in the record, or 1 when
// the record is about the detected condition.
func LexicalScore(q Query, r *knowledge.Record) float64 {
	if q.Condition != "" && strings.EqualFold(r.Condition, q.Condition) {
		return 1
	}
	if len(q.KeyTerms) == 0 {
		return 0
	}
	text := strings.ToLower(r.Text())
	hits := 0
	for _, t := range q.KeyTerms {
		if strings.Contains(text, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(q.KeyTerms))
}

// Blender selects the evidence shown to the model from the ranked results.
type Blender interface {
	Blend(results []RetrievalResult) []RetrievalResult
}

// SourceBlender keeps the best evidence-based and community results
// separately and discounts community relevance.
type SourceBlender struct {
	CommunityWeight float64
	MaxEvidence     int
	MaxCommunity    int
	MinRelevance    float64
}

func (b SourceBlender) Blend(results []RetrievalResult) []RetrievalResult {
	var evidence, community []RetrievalResult
	for _, r := range results {
		if r.SourceType == knowledge.SourceCommunity {
			r.Relevance *= b.CommunityWeight
			community = append(community, r)
		} else {
			evidence = append(evidence, r)
		}
	}
	Rank(evidence)
	Rank(community)

	out := make([]RetrievalResult, 0, b.MaxEvidence+b.MaxCommunity)
	out = appendAbove(out, evidence, b.MaxEvidence, b.MinRelevance)
	out = appendAbove(out, community, b.MaxCommunity, b.MinRelevance)
	Rank(out)
	return out
}

func appendAbove(dst, src []RetrievalResult, limit int, floor float64) []RetrievalResult {
	n := 0
	for _, r := range src {
		if n >= limit {
			break
		}
		if r.Relevance < floor {
			continue
		}
		dst = append(dst, r)
		n++
	}
	return dst
}

// Rank orders results by relevance, then source precedence
// (journal, health site, community), then record id.
func Rank(results []RetrievalResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		if pa, pb := a.SourceType.Precedence(), b.SourceType.Precedence(); pa != pb {
			return pa < pb
		}
		return a.Record.ID < b.Record.ID
	})
}

// ConfidenceScorer rates how well an answer is supported.
type ConfidenceScorer interface {
	Score(results []RetrievalResult, contextChars int) float64
}

// SourceConfidence averages source relevance and adds bonuses for the
// number of sources and the amount of context.
type SourceConfidence struct{}

func (SourceConfidence) Score(results []RetrievalResult, contextChars int) float64 {
	if len(results) == 0 {
		return 0.3
	}
	var sum float64
	for _, r := range results {
		sum += r.Relevance
	}
	avg := sum / float64(len(results))
	sourceBonus := min(float64(len(results))*0.1, 0.3)
	lengthBonus := min(float64(contextChars)/1000*0.1, 0.2)
	return min(avg+sourceBonus+lengthBonus, 1.0)
}

func clamp01(v float64) float64 {
	return max(0, min(v, 1))
}
