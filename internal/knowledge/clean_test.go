package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Diabetes   [Updated]", "Diabetes"},
		{"Unknown cause (more research needed)", "Unknown cause"},
		{"<b>Fatigue</b> and   thirst", "Fatigue and thirst"},
		{"See https://example.com/page for details", "See for details"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanText(tt.in), tt.in)
	}
}

func TestCleanListDropsShortAndDuplicates(t *testing.T) {
	got := CleanList([]string{"Feeling thirsty", "Frequent urination", "feeling thirsty", "ok", "  "})
	assert.Equal(t, []string{"Feeling thirsty", "Frequent urination"}, got)
}

func TestCleanNormalizesRecord(t *testing.T) {
	r := &Record{
		Condition: "  Diabetes ",
		Title:     "Diabetes   [Updated]",
		Symptoms:  []string{"Thirst", "thirst"},
		URL:       " https://example.org/d ",
	}
	Clean(r)
	assert.Equal(t, "diabetes", r.Condition)
	assert.Equal(t, "Diabetes", r.Title)
	assert.Equal(t, []string{"Thirst"}, r.Symptoms)
	assert.Equal(t, "https://example.org/d", r.URL)
	assert.False(t, r.DateAdded.IsZero())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(diabetesRecord()))

	missingURL := diabetesRecord()
	missingURL.URL = ""
	assert.Error(t, Validate(missingURL))

	badType := diabetesRecord()
	badType.SourceType = "blog"
	assert.Error(t, Validate(badType))

	noTitle := diabetesRecord()
	noTitle.Title = ""
	assert.Error(t, Validate(noTitle))
}

func TestQualityScore(t *testing.T) {
	assert.Equal(t, 1.0, QualityScore(diabetesRecord()))
	assert.InDelta(t, 0.2, QualityScore(&Record{Content: "text", Source: "forum"}), 1e-9)
	assert.Equal(t, 0.0, QualityScore(&Record{}))
}

func TestDedupe(t *testing.T) {
	a := &Record{URL: "https://a"}
	b := &Record{URL: "https://b"}
	got := Dedupe([]*Record{a, b, {URL: "https://a"}, {URL: ""}})
	assert.Equal(t, []*Record{a, b}, got)
}

func TestSourceTypePrecedence(t *testing.T) {
	assert.Less(t, SourceJournal.Precedence(), SourceHealthSite.Precedence())
	assert.Less(t, SourceHealthSite.Precedence(), SourceCommunity.Precedence())
	assert.True(t, SourceJournal.IsEvidence())
	assert.False(t, SourceCommunity.IsEvidence())
}
