package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcess(t *testing.T) {
	p := NewQueryProcessor()

	tests := []struct {
		name      string
		text      string
		condition string
		queryType QueryType
	}{
		{"symptoms", "What are the symptoms of diabetes?", "diabetes", QuerySymptoms},
		{"multi-word condition", "How do I treat heart disease?", "heart disease", QueryTreatments},
		{"plural condition", "Which medication helps with migraines?", "migraine", QueryDrugs},
		{"causes", "Why does asthma flare up at night?", "asthma", QueryCauses},
		{"general", "Is it safe to exercise every day?", "", QueryGeneral},
		{"whole words only", "Is it colder today?", "", QueryGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := p.Process(tt.text)
			assert.Equal(t, tt.text, q.Original)
			assert.Equal(t, tt.condition, q.Condition)
			assert.Equal(t, tt.queryType, q.Type)
		})
	}
}

func TestProcessKeyTermsAndSearch(t *testing.T) {
	q := NewQueryProcessor().Process("What are the symptoms of diabetes?")

	assert.Equal(t, []string{"symptoms", "diabetes"}, q.KeyTerms)
	assert.Equal(t, "diabetes symptoms symptoms diabetes", q.Search)
}

func TestProcessOnlyStopWords(t *testing.T) {
	q := NewQueryProcessor().Process("what is it?")

	assert.Empty(t, q.KeyTerms)
	assert.NotNil(t, q.KeyTerms)
	assert.Equal(t, QueryGeneral, q.Type)
}

func TestSetConditionsAddsStoreConditions(t *testing.T) {
	p := NewQueryProcessor()
	assert.Empty(t, p.Process("Tell me about lupus").Condition)

	p.SetConditions([]string{"Lupus", " "})
	assert.Equal(t, "lupus", p.Process("Tell me about lupus").Condition)
	assert.Equal(t, "diabetes", p.Process("Tell me about diabetes").Condition)
}

func TestSetConditionsPrefersLongerNames(t *testing.T) {
	p := NewQueryProcessor()
	p.SetConditions([]string{"heart", "heart failure"})

	assert.Equal(t, "heart failure", p.Process("early signs of heart failure").Condition)
}
