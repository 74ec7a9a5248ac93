package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"TrustMed/internal/database"
	"TrustMed/internal/knowledge"
	"TrustMed/internal/vector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lengthEmbedder embeds a text as {len, 1}.
type lengthEmbedder struct {
	calls int
	err   error
}

func (e *lengthEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (e *lengthEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, e.err
}

type fixture struct {
	store *knowledge.Store
	index *vector.SQLiteIndex
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := knowledge.NewStore(db, logger)
	require.NoError(t, err)
	index, err := vector.NewSQLiteIndex(db, logger)
	require.NoError(t, err)
	return fixture{store: store, index: index}
}

func (f fixture) ingester(e *lengthEmbedder) *Ingester {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if e == nil {
		return New(f.store, nil, nil, logger)
	}
	return New(f.store, f.index, e, logger)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIngestSeedData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	embedder := &lengthEmbedder{}

	stats, err := f.ingester(embedder).IngestFiles(ctx, "../../data/seed.yaml")
	require.NoError(t, err)
	assert.Equal(t, Stats{Loaded: 10, Stored: 10, Embedded: 10}, stats)

	conditions, err := f.store.Conditions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"asthma", "depression", "diabetes", "heart disease", "hypertension"}, conditions)

	facts, err := f.store.MedicalFacts(ctx, "asthma")
	require.NoError(t, err)
	assert.Contains(t, facts.Symptoms, "wheezing")
	assert.Contains(t, facts.Drugs, "albuterol")

	matches, err := f.index.Search(ctx, []float32{1, 0}, 20)
	require.NoError(t, err)
	assert.Len(t, matches, 10)
}

func TestLoadFileFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name:    "json list",
			file:    "seed.json",
			content: `[{"title":"Asthma","source":"WebMD","source_type":"health_site","url":"https://www.webmd.com/asthma"}]`,
		},
		{
			name:    "json object",
			file:    "seed.json",
			content: `{"records":[{"title":"Asthma","source":"WebMD","source_type":"health_site","url":"https://www.webmd.com/asthma"}]}`,
		},
		{
			name:    "yaml list",
			file:    "seed.yml",
			content: "- title: Asthma\n  source: WebMD\n  source_type: health_site\n  url: https://www.webmd.com/asthma\n",
		},
		{
			name:    "yaml object",
			file:    "seed.yaml",
			content: "records:\n  - title: Asthma\n    source: WebMD\n    source_type: health_site\n    url: https://www.webmd.com/asthma\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := LoadFile(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "Asthma", records[0].Title)
			assert.Equal(t, knowledge.SourceHealthSite, records[0].SourceType)
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(writeFile(t, "seed.csv", "title,url"))
	assert.ErrorContains(t, err, "unsupported seed file type")

	_, err = LoadFile(writeFile(t, "seed.json", "{not json"))
	assert.ErrorContains(t, err, "failed to parse seed file")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read seed file")
}

func TestIngestSkipsInvalidAndDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	records := []*knowledge.Record{
		{
			Condition:  "  Asthma ",
			Title:      "Asthma <b>overview</b>",
			Symptoms:   []string{"wheezing", "Wheezing", "sob"},
			Treatments: []string{"inhaled corticosteroids"},
			Source:     "WebMD",
			SourceType: knowledge.SourceHealthSite,
			URL:        "https://www.webmd.com/asthma",
		},
		{
			Title:      "Same url again",
			Source:     "WebMD",
			SourceType: knowledge.SourceHealthSite,
			URL:        "https://www.webmd.com/asthma",
		},
		{Title: "No source", SourceType: knowledge.SourceJournal, URL: "https://example.org/a"},
		{Title: "Bad type", Source: "Blog", SourceType: "blog", URL: "https://example.org/b"},
		nil,
	}

	stats, err := f.ingester(nil).Ingest(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, Stats{Loaded: 5, Invalid: 3, Duplicates: 1, Stored: 1}, stats)

	all, err := f.store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	r := all[0]
	assert.Equal(t, "asthma", r.Condition)
	assert.Equal(t, "Asthma overview", r.Title)
	assert.Equal(t, []string{"wheezing"}, r.Symptoms)
	// symptoms, treatments and a credible source
	assert.InDelta(t, 0.8, r.ConfidenceScore, 1e-9)
}

func TestIngestKeepsGivenConfidence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ingester(nil).Ingest(ctx, []*knowledge.Record{{
		Title:           "Asthma",
		Source:          "NEJM",
		SourceType:      knowledge.SourceJournal,
		URL:             "https://www.nejm.org/asthma",
		ConfidenceScore: 0.95,
	}})
	require.NoError(t, err)

	all, err := f.store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 0.95, all[0].ConfidenceScore)
}

func TestIngestEmbeddingFailureKeepsRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	embedder := &lengthEmbedder{err: errors.New("ollama unreachable")}

	stats, err := f.ingester(embedder).IngestFiles(ctx, "../../data/seed.yaml")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Stored)
	assert.Zero(t, stats.Embedded)
	assert.Equal(t, 1, embedder.calls)

	n, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestIngestBatchesEmbeddings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	embedder := &lengthEmbedder{}

	records := make([]*knowledge.Record, 0, embedBatchSize+4)
	for i := range embedBatchSize + 4 {
		records = append(records, &knowledge.Record{
			Title:      "Record",
			Source:     "Mayo Clinic",
			SourceType: knowledge.SourceHealthSite,
			URL:        "https://www.mayoclinic.org/r/" + string(rune('a'+i)),
		})
	}

	stats, err := f.ingester(embedder).Ingest(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, embedBatchSize+4, stats.Embedded)
	assert.Equal(t, 2, embedder.calls)
}
