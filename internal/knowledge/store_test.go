package knowledge

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"TrustMed/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return store
}

func diabetesRecord() *Record {
	return &Record{
		Condition:  "diabetes",
		Title:      "Diabetes overview",
		Content:    "Diabetes is a chronic condition affecting blood sugar regulation.",
		Symptoms:   []string{"Increased thirst", "Frequent urination"},
		Causes:     []string{"Insulin resistance"},
		Treatments: []string{"Metformin", "Diet changes"},
		Drugs:      []string{"Metformin", "Insulin"},
		Source:     "Mayo Clinic",
		SourceType: SourceHealthSite,
		URL:        "https://www.mayoclinic.org/diseases-conditions/diabetes",
	}
}

func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Upsert(ctx, diabetesRecord())
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Diabetes overview", got.Title)
	assert.Equal(t, []string{"Increased thirst", "Frequent urination"}, got.Symptoms)
	assert.Equal(t, SourceHealthSite, got.SourceType)
	assert.Equal(t, []string{}, got.UMLSCodes)
	assert.False(t, got.DateAdded.IsZero())
}

func TestUpsertReplacesSameURL(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.Upsert(ctx, diabetesRecord())
	require.NoError(t, err)

	updated := diabetesRecord()
	updated.Title = "Diabetes, revised"
	second, err := store.Upsert(ctx, updated)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the full-text index follows the update
	found, err := store.Search(ctx, []string{"revised"}, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Diabetes, revised", found[0].Title)
}

func TestGetMissing(t *testing.T) {
	_, err := newTestStore(t).Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchMatchesAnyTerm(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.Upsert(ctx, diabetesRecord())
	require.NoError(t, err)
	_, err = store.Upsert(ctx, &Record{
		Condition:  "asthma",
		Title:      "Asthma basics",
		Content:    "Asthma narrows the airways.",
		Symptoms:   []string{"Wheezing"},
		Source:     "PubMed",
		SourceType: SourceJournal,
		URL:        "https://pubmed.ncbi.nlm.nih.gov/1",
	})
	require.NoError(t, err)

	found, err := store.Search(ctx, []string{"wheezing", "thirst"}, 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = store.Search(ctx, []string{"airways"}, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "asthma", found[0].Condition)

	found, err = store.Search(ctx, []string{"!!", ""}, 10)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestConditionsAndFacts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.Upsert(ctx, diabetesRecord())
	require.NoError(t, err)
	second := diabetesRecord()
	second.URL = "https://www.webmd.com/diabetes"
	second.Symptoms = []string{"increased thirst", "Blurred vision"}
	second.SideEffects = []string{"Nausea from metformin"}
	_, err = store.Upsert(ctx, second)
	require.NoError(t, err)

	conditions, err := store.Conditions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"diabetes"}, conditions)

	facts, err := store.MedicalFacts(ctx, "Diabetes")
	require.NoError(t, err)
	assert.Equal(t, "diabetes", facts.Condition)
	assert.Equal(t, []string{"Increased thirst", "Frequent urination", "Blurred vision"}, facts.Symptoms)
	assert.Equal(t, []string{"Nausea from metformin"}, facts.SideEffects)
	assert.Equal(t, 9, facts.Count())
}

func TestGetMany(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id, err := store.Upsert(ctx, diabetesRecord())
	require.NoError(t, err)

	got, err := store.GetMany(ctx, []int64{id, 999})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, id)
}

func TestMatchExpr(t *testing.T) {
	assert.Equal(t, "diabetes OR type OR 2", matchExpr([]string{"Diabetes", "type-2", "diabetes"}))
	assert.Equal(t, "", matchExpr([]string{"?!"}))
}
