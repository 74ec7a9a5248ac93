package knowledge

import (
	"strings"
	"time"
)

// SourceType classifies where a record came from.
type SourceType string

const (
	SourceJournal    SourceType = "journal"
	SourceHealthSite SourceType = "health_site"
	SourceCommunity  SourceType = "community"
)

// IsEvidence reports whether the source counts as evidence-based rather than community.
func (s SourceType) IsEvidence() bool {
	return s == SourceJournal || s == SourceHealthSite
}

// Precedence orders source types for tie-breaks; lower wins.
func (s SourceType) Precedence() int {
	switch s {
	case SourceJournal:
		return 0
	case SourceHealthSite:
		return 1
	case SourceCommunity:
		return 2
	default:
		return 3
	}
}

// Record is one normalized piece of medical knowledge.
type Record struct {
	ID              int64      `json:"id" yaml:"-"`
	Condition       string     `json:"condition" yaml:"condition"`
	Title           string     `json:"title" yaml:"title" validate:"required"`
	Content         string     `json:"content" yaml:"content"`
	Symptoms        []string   `json:"symptoms" yaml:"symptoms"`
	Causes          []string   `json:"causes" yaml:"causes"`
	Treatments      []string   `json:"treatments" yaml:"treatments"`
	Drugs           []string   `json:"drugs" yaml:"drugs"`
	SideEffects     []string   `json:"side_effects" yaml:"side_effects"`
	Source          string     `json:"source" yaml:"source" validate:"required"`
	SourceType      SourceType `json:"source_type" yaml:"source_type" validate:"oneof=journal health_site community"`
	URL             string     `json:"url" yaml:"url" validate:"required,url"`
	DateAdded       time.Time  `json:"date_added" yaml:"date_added"`
	ConfidenceScore float64    `json:"confidence_score" yaml:"confidence_score" validate:"gte=0,lte=1"`
	UMLSCodes       []string   `json:"umls_codes" yaml:"umls_codes"`
}

// Text renders the record as the passage used for embedding and prompting.
func (r *Record) Text() string {
	var b strings.Builder
	if r.Title != "" {
		b.WriteString("Title: " + r.Title + "\n")
	}
	if r.Condition != "" {
		b.WriteString("Condition: " + r.Condition + "\n")
	}
	if r.Content != "" {
		b.WriteString(r.Content + "\n")
	}
	writeList(&b, "Symptoms", r.Symptoms)
	writeList(&b, "Causes", r.Causes)
	writeList(&b, "Treatments", r.Treatments)
	writeList(&b, "Drugs", r.Drugs)
	writeList(&b, "Side effects", r.SideEffects)
	return strings.TrimSpace(b.String())
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(label + ": " + strings.Join(items, ", ") + "\n")
}

// Facts is the structured view of everything known about one condition.
type Facts struct {
	Condition   string   `json:"condition"`
	Symptoms    []string `json:"symptoms"`
	Causes      []string `json:"causes"`
	Treatments  []string `json:"treatments"`
	Drugs       []string `json:"drugs"`
	SideEffects []string `json:"side_effects"`
}

// Count returns the number of individual facts.
func (f Facts) Count() int {
	return len(f.Symptoms) + len(f.Causes) + len(f.Treatments) + len(f.Drugs) + len(f.SideEffects)
}

func (f *Facts) add(r *Record) {
	f.Symptoms = appendUnique(f.Symptoms, r.Symptoms...)
	f.Causes = appendUnique(f.Causes, r.Causes...)
	f.Treatments = appendUnique(f.Treatments, r.Treatments...)
	f.Drugs = appendUnique(f.Drugs, r.Drugs...)
	f.SideEffects = appendUnique(f.SideEffects, r.SideEffects...)
}

// appendUnique appends items not already present, comparing case-insensitively.
func appendUnique(dst []string, items ...string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, d := range dst {
		seen[strings.ToLower(d)] = struct{}{}
	}
	for _, it := range items {
		k := strings.ToLower(it)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		dst = append(dst, it)
	}
	return dst
}
