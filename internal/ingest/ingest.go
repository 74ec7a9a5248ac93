// Package ingest loads seed knowledge into the knowledge store and vector index.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"TrustMed/internal/knowledge"
	"TrustMed/internal/vector"

	"github.com/tmc/langchaingo/embeddings"
	"gopkg.in/yaml.v3"
)

const embedBatchSize = 16

// Store persists cleaned records. *knowledge.Store implements it.
type Store interface {
	Upsert(ctx context.Context, r *knowledge.Record) (int64, error)
}

// Stats counts what happened to the records of one ingestion.
type Stats struct {
	Loaded     int `json:"loaded"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
	Stored     int `json:"stored"`
	Embedded   int `json:"embedded"`
}

type seedFile struct {
	Records []*knowledge.Record `json:"records" yaml:"records"`
}

// Ingester cleans records, stores them and indexes their embeddings.
type Ingester struct {
	store    Store
	index    vector.Index
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// New creates an ingester. index and embedder may be nil, in which case
// records are stored but not embedded.
func New(store Store, index vector.Index, embedder embeddings.Embedder, logger *slog.Logger) *Ingester {
	return &Ingester{
		store:    store,
		index:    index,
		embedder: embedder,
		logger:   logger.With("component", "ingest"),
	}
}

// LoadFile reads records from a .json, .yaml or .yml seed file. The file
// holds either a list of records or an object with a records list.
func LoadFile(path string) ([]*knowledge.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var records []*knowledge.Record
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
			err = json.Unmarshal(data, &records)
		} else {
			var f seedFile
			err = json.Unmarshal(data, &f)
			records = f.Records
		}
	case ".yaml", ".yml":
		var node yaml.Node
		if err = yaml.Unmarshal(data, &node); err == nil && len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
			err = node.Decode(&records)
		} else if err == nil {
			var f seedFile
			err = node.Decode(&f)
			records = f.Records
		}
	default:
		return nil, fmt.Errorf("unsupported seed file type: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return records, nil
}

// IngestFiles loads and ingests every file in order.
func (in *Ingester) IngestFiles(ctx context.Context, paths ...string) (Stats, error) {
	var all []*knowledge.Record
	for _, p := range paths {
		records, err := LoadFile(p)
		if err != nil {
			return Stats{}, err
		}
		in.logger.Info("loaded seed file", "path", p, "records", len(records))
		all = append(all, records...)
	}
	return in.Ingest(ctx, all)
}

// Ingest cleans, validates, dedupes by URL, stores and embeds records.
// Invalid records are skipped; a storage failure stops the ingestion.
// Embedding failures are logged and leave the records stored but unindexed.
func (in *Ingester) Ingest(ctx context.Context, records []*knowledge.Record) (Stats, error) {
	stats := Stats{Loaded: len(records)}

	valid := make([]*knowledge.Record, 0, len(records))
	for _, r := range records {
		if r == nil {
			stats.Invalid++
			continue
		}
		knowledge.Clean(r)
		if err := knowledge.Validate(r); err != nil {
			in.logger.Warn("skipping invalid record", "error", err)
			stats.Invalid++
			continue
		}
		if r.ConfidenceScore == 0 {
			r.ConfidenceScore = knowledge.QualityScore(r)
		}
		valid = append(valid, r)
	}

	unique := knowledge.Dedupe(valid)
	stats.Duplicates = len(valid) - len(unique)

	for _, r := range unique {
		if _, err := in.store.Upsert(ctx, r); err != nil {
			return stats, fmt.Errorf("failed to store record %q: %w", r.URL, err)
		}
		stats.Stored++
	}

	if in.index != nil && in.embedder != nil {
		n, err := in.embed(ctx, unique)
		stats.Embedded = n
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			in.logger.Error("failed to embed records", "embedded", n, "total", len(unique), "error", err)
		}
	}

	in.logger.Info("ingestion complete",
		"loaded", stats.Loaded,
		"invalid", stats.Invalid,
		"duplicates", stats.Duplicates,
		"stored", stats.Stored,
		"embedded", stats.Embedded,
	)
	return stats, nil
}

func (in *Ingester) embed(ctx context.Context, records []*knowledge.Record) (int, error) {
	embedded := 0
	for start := 0; start < len(records); start += embedBatchSize {
		end := min(start+embedBatchSize, len(records))
		batch := records[start:end]

		texts := make([]string, len(batch))
		for i, r := range batch {
			texts[i] = r.Text()
		}
		vectors, err := in.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return embedded, fmt.Errorf("failed to embed documents: %w", err)
		}
		if len(vectors) != len(batch) {
			return embedded, fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(batch))
		}

		for i, r := range batch {
			err := in.index.Upsert(ctx, vector.Entry{
				RecordID:   r.ID,
				Condition:  r.Condition,
				SourceType: string(r.SourceType),
				Vector:     vectors[i],
			})
			if err != nil {
				return embedded, fmt.Errorf("failed to index record %d: %w", r.ID, err)
			}
			embedded++
		}
	}
	return embedded, nil
}
