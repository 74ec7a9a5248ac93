package rag

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// QueryType is the kind of information a question asks for.
type QueryType string

const (
	QuerySymptoms   QueryType = "symptoms"
	QueryCauses     QueryType = "causes"
	QueryTreatments QueryType = "treatments"
	QueryDrugs      QueryType = "drugs"
	QueryGeneral    QueryType = "general"
)

// Query is a user question after intent and entity extraction.
type Query struct {
	Original  string    `json:"original"`
	Condition string    `json:"condition,omitempty"`
	Type      QueryType `json:"type"`
	KeyTerms  []string  `json:"key_terms"`
	Search    string    `json:"search"`
}

var builtinConditions = []string{
	"diabetes", "hypertension", "cancer", "heart disease", "stroke",
	"depression", "anxiety", "arthritis", "asthma", "migraine",
	"covid", "flu", "cold", "pneumonia", "bronchitis",
}

// Checked in order; the first group with a keyword in the query wins.
var typeKeywords = []struct {
	t        QueryType
	keywords []string
}{
	{QuerySymptoms, []string{"symptom", "sign", "indication", "manifestation", "feel"}},
	{QueryCauses, []string{"cause", "reason", "trigger", "risk factor", "why"}},
	{QueryDrugs, []string{"drug", "medication", "medicine", "side effect", "dosage", "pill"}},
	{QueryTreatments, []string{"treat", "therapy", "cure", "manage", "remedy"}},
}

var stopWords = map[string]bool{
	"what": true, "are": true, "the": true, "of": true, "for": true, "with": true,
	"how": true, "do": true, "i": true, "can": true, "you": true, "does": true,
	"about": true, "tell": true, "and": true, "is": true, "me": true, "my": true,
	"which": true, "when": true, "that": true, "this": true, "have": true, "there": true,
}

var wordPattern = regexp.MustCompile(`\w+`)

// QueryProcessor extracts condition, type and key terms from questions.
type QueryProcessor struct {
	mu         sync.RWMutex
	conditions []string
}

func NewQueryProcessor() *QueryProcessor {
	p := &QueryProcessor{}
	p.SetConditions(nil)
	return p
}

// SetConditions adds known conditions to the built-in list. Longer names are
// matched first so "heart disease" wins over "heart".
func (p *QueryProcessor) SetConditions(extra []string) {
	seen := map[string]bool{}
	var all []string
	for _, c := range append(append([]string{}, builtinConditions...), extra...) {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		all = append(all, c)
	}
	sort.SliceStable(all, func(i, j int) bool { return len(all[i]) > len(all[j]) })

	p.mu.Lock()
	p.conditions = all
	p.mu.Unlock()
}

// Process analyzes a question.
func (p *QueryProcessor) Process(text string) Query {
	lower := strings.ToLower(text)
	q := Query{
		Original:  text,
		Condition: p.condition(lower),
		Type:      queryType(lower),
		KeyTerms:  keyTerms(lower),
	}

	var parts []string
	if q.Condition != "" {
		parts = append(parts, q.Condition)
	}
	if q.Type != QueryGeneral {
		parts = append(parts, string(q.Type))
	}
	n := len(q.KeyTerms)
	if n > 3 {
		n = 3
	}
	parts = append(parts, q.KeyTerms[:n]...)
	q.Search = strings.Join(parts, " ")
	return q
}

func (p *QueryProcessor) condition(lower string) string {
	padded := " " + strings.Join(wordPattern.FindAllString(lower, -1), " ") + " "
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.conditions {
		if strings.Contains(padded, " "+c+" ") || strings.Contains(padded, " "+c+"s ") {
			return c
		}
	}
	return ""
}

func queryType(lower string) QueryType {
	for _, group := range typeKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.t
			}
		}
	}
	return QueryGeneral
}

func keyTerms(lower string) []string {
	terms := []string{}
	for _, w := range wordPattern.FindAllString(lower, -1) {
		if stopWords[w] || len(w) <= 2 {
			continue
		}
		terms = append(terms, w)
	}
	return terms
}
