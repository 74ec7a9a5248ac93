package vector

import (
	"context"
	"math"
	"sort"
)

// Entry is the embedding of one knowledge record.
type Entry struct {
	RecordID   int64
	Condition  string
	SourceType string
	Vector     []float32
}

// Match is a record id with its similarity to the query, in [0,1].
type Match struct {
	RecordID int64   `json:"record_id"`
	Score    float64 `json:"score"`
}

// Index stores record embeddings and answers nearest-neighbour queries.
type Index interface {
	Upsert(ctx context.Context, e Entry) error
	Search(ctx context.Context, query []float32, k int) ([]Match, error)
	Ping(ctx context.Context) error
}

// Cosine returns the cosine similarity of a and b clamped to [0,1].
// Vectors of different length or zero norm score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// topK sorts matches by score descending, id ascending, and keeps k.
func topK(matches []Match, k int) []Match {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].RecordID < matches[j].RecordID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
