package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS record_vectors (
    record_id INTEGER PRIMARY KEY,
    condition TEXT NOT NULL DEFAULT '',
    source_type TEXT NOT NULL DEFAULT '',
    dim INTEGER NOT NULL,
    embedding BLOB NOT NULL
);`

// SQLiteIndex keeps embeddings next to the knowledge table and scans them
// with cosine similarity. Suited to the few thousand records of a local corpus.
type SQLiteIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteIndex creates the vector table if needed.
func NewSQLiteIndex(db *sql.DB, logger *slog.Logger) (*SQLiteIndex, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to create vector schema: %w", err)
	}
	return &SQLiteIndex{db: db, logger: logger.With("component", "vector", "backend", "sqlite")}, nil
}

func (s *SQLiteIndex) Upsert(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO record_vectors (record_id, condition, source_type, dim, embedding) VALUES (?, ?, ?, ?, ?)",
		e.RecordID, e.Condition, e.SourceType, len(e.Vector), encodeVector(e.Vector),
	)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT record_id, embedding FROM record_vectors WHERE dim = ?", len(query))
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to read embedding: %w", err)
		}
		matches = append(matches, Match{RecordID: id, Score: Cosine(query, decodeVector(blob))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topK(matches, k), nil
}

func (s *SQLiteIndex) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// encodeVector packs v as little-endian float32.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
