package knowledge

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	whitespace = regexp.MustCompile(`\s+`)
	noise      = []*regexp.Regexp{
		regexp.MustCompile(`\[.*?\]`),
		regexp.MustCompile(`\(.*?\)`),
		regexp.MustCompile(`<.*?>`),
		regexp.MustCompile(`https?://\S+`),
	}
	credibleSources = map[string]bool{
		"Mayo Clinic": true,
		"WebMD":       true,
		"JAMA":        true,
		"NEJM":        true,
		"BMJ":         true,
	}
	validate = validator.New()
)

// CleanText strips bracketed asides, HTML tags and inline URLs and collapses whitespace.
func CleanText(text string) string {
	for _, re := range noise {
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// CleanList cleans every item, drops items of three characters or fewer and removes
// case-insensitive duplicates while keeping the first occurrence.
func CleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		c := CleanText(it)
		if len(c) <= 3 {
			continue
		}
		out = append(out, c)
	}
	return appendUnique(nil, out...)
}

// Clean normalizes the free-text fields of r in place. URL and source are left untouched.
func Clean(r *Record) {
	r.Condition = strings.ToLower(CleanText(r.Condition))
	r.Title = CleanText(r.Title)
	r.Content = CleanText(r.Content)
	r.Symptoms = CleanList(r.Symptoms)
	r.Causes = CleanList(r.Causes)
	r.Treatments = CleanList(r.Treatments)
	r.Drugs = CleanList(r.Drugs)
	r.SideEffects = CleanList(r.SideEffects)
	r.Source = strings.TrimSpace(r.Source)
	r.URL = strings.TrimSpace(r.URL)
	if r.DateAdded.IsZero() {
		r.DateAdded = time.Now().UTC()
	}
}

// Validate checks the required fields of a record.
func Validate(r *Record) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid record %q: %w", r.URL, err)
	}
	return nil
}

// QualityScore rates how complete a record is, in [0,1].
func QualityScore(r *Record) float64 {
	score := 0.0
	if len(r.Symptoms) > 0 {
		score += 0.3
	}
	if len(r.Causes) > 0 {
		score += 0.2
	}
	if len(r.Treatments) > 0 {
		score += 0.3
	}
	if r.Content != "" {
		score += 0.2
	}
	if credibleSources[r.Source] {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Dedupe keeps the first record for each URL and drops records without one.
func Dedupe(records []*Record) []*Record {
	seen := make(map[string]struct{}, len(records))
	out := make([]*Record, 0, len(records))
	for _, r := range records {
		if r.URL == "" {
			continue
		}
		if _, ok := seen[r.URL]; ok {
			continue
		}
		seen[r.URL] = struct{}{}
		out = append(out, r)
	}
	return out
}
