package rag

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"TrustMed/internal/knowledge"
)

const (
	// FallbackAnswer is returned when no answer could be generated.
	FallbackAnswer = "I apologize, but I'm having trouble processing your request right now."
	// Disclaimer accompanies every answer.
	Disclaimer = "This information is for educational purposes only and should not replace professional medical advice. Please consult a healthcare provider for medical concerns."

	snippetLen = 300
)

// Fragment is the part of a knowledge record returned with a result.
type Fragment struct {
	ID        int64     `json:"id"`
	Condition string    `json:"condition,omitempty"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet,omitempty"`
	Source    string    `json:"source"`
	URL       string    `json:"url"`
	DateAdded time.Time `json:"date_added"`
}

// RetrievalResult is one ranked record for a query.
type RetrievalResult struct {
	Record     Fragment             `json:"record"`
	Relevance  float64              `json:"relevance_score"`
	SourceType knowledge.SourceType `json:"source_type"`
	Match      MatchType            `json:"match"`
	Citation   string               `json:"citation,omitempty"`

	full *knowledge.Record
}

func newResult(r *knowledge.Record) RetrievalResult {
	snippet := r.Content
	if runes := []rune(snippet); len(runes) > snippetLen {
		snippet = strings.TrimSpace(string(runes[:snippetLen])) + "..."
	}
	return RetrievalResult{
		Record: Fragment{
			ID:        r.ID,
			Condition: r.Condition,
			Title:     r.Title,
			Snippet:   snippet,
			Source:    r.Source,
			URL:       r.URL,
			DateAdded: r.DateAdded,
		},
		SourceType: r.SourceType,
		full:       r,
	}
}

// Answer is the result of the answer-generation flow.
type Answer struct {
	Answer          string            `json:"answer"`
	Sources         []RetrievalResult `json:"sources"`
	Confidence      float64           `json:"confidence"`
	ContextUsed     bool              `json:"context_used"`
	Disclaimer      string            `json:"disclaimer"`
	CitationSummary string            `json:"citation_summary"`
	Condition       string            `json:"condition,omitempty"`
	QueryType       QueryType         `json:"query_type"`
	Degraded        bool              `json:"degraded,omitempty"`
	Cached          bool              `json:"cached,omitempty"`
}

// Citation formats a result for display according to its source type.
func Citation(f Fragment, t knowledge.SourceType) string {
	year := "n.d."
	if !f.DateAdded.IsZero() {
		year = f.DateAdded.Format("2006")
	}
	switch t {
	case knowledge.SourceJournal:
		return fmt.Sprintf("%s. (%s). %s. %s", f.Source, year, f.Title, f.URL)
	case knowledge.SourceHealthSite:
		return fmt.Sprintf("%s. (%s). %s. Retrieved from %s", f.Source, year, f.Title, f.URL)
	default:
		return fmt.Sprintf("%s. (%s). %s.", f.Source, year, f.Title)
	}
}

// CitationSummary names the sources behind an answer in one sentence.
func CitationSummary(results []RetrievalResult) string {
	if len(results) == 0 {
		return "No specific sources available for this response."
	}
	seen := map[string]bool{}
	var orgs []string
	for _, r := range results {
		if !seen[r.Record.Source] {
			seen[r.Record.Source] = true
			orgs = append(orgs, r.Record.Source)
		}
	}
	sort.Strings(orgs)

	n := len(results)
	if len(orgs) == 1 {
		plural := ""
		if n > 1 {
			plural = "s"
		}
		return fmt.Sprintf("Information sourced from %s (%d reference%s).", orgs[0], n, plural)
	}
	others := ""
	if len(orgs) > 2 {
		others = " and others"
	}
	return fmt.Sprintf("Information sourced from %d references including %s%s.", n, strings.Join(orgs[:2], ", "), others)
}

// factsAnswer builds an answer from structured facts alone. Used when the
// model cannot be reached but the knowledge store knows the condition.
func factsAnswer(q Query, facts knowledge.Facts) string {
	name := q.Condition
	switch q.Type {
	case QuerySymptoms:
		return listAnswer("Common symptoms of %s include: %s.", "symptom", name, facts.Symptoms, 5)
	case QueryCauses:
		return listAnswer("Common causes of %s include: %s.", "cause", name, facts.Causes, 3)
	case QueryTreatments:
		return listAnswer("Common treatments for %s include: %s.", "treatment", name, facts.Treatments, 3)
	case QueryDrugs:
		s := listAnswer("Medications used for %s include: %s.", "medication", name, facts.Drugs, 3)
		if len(facts.SideEffects) > 0 {
			s += fmt.Sprintf(" Reported side effects include: %s.", strings.Join(head(facts.SideEffects, 3), ", "))
		}
		return s
	}

	var parts []string
	if len(facts.Symptoms) > 0 {
		parts = append(parts, "Symptoms may include: "+strings.Join(head(facts.Symptoms, 3), ", "))
	}
	if len(facts.Causes) > 0 {
		parts = append(parts, "Common causes include: "+strings.Join(head(facts.Causes, 2), ", "))
	}
	if len(facts.Treatments) > 0 {
		parts = append(parts, "Treatments may include: "+strings.Join(head(facts.Treatments, 2), ", "))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("I have limited information about %s in my current database.", name)
	}
	return fmt.Sprintf("About %s: %s.", name, strings.Join(parts, ". "))
}

func listAnswer(format, kind, name string, items []string, n int) string {
	if len(items) == 0 {
		return fmt.Sprintf("I don't have specific %s information for %s in my current database.", kind, name)
	}
	return fmt.Sprintf(format, name, strings.Join(head(items, n), ", "))
}

func head(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

// factsConfidence rates a facts-only answer from the evidence count and the
// number of facts.
func factsConfidence(results []RetrievalResult, facts knowledge.Facts) float64 {
	evidence := 0
	for _, r := range results {
		if r.SourceType.IsEvidence() {
			evidence++
		}
	}
	c := 0.3 + min(float64(evidence)*0.2, 0.4) + min(float64(facts.Count())*0.05, 0.3)
	return min(c, 1.0)
}
