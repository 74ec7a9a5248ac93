package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("knowledge record not found")

const schema = `
CREATE TABLE IF NOT EXISTS medical_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    condition TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    symptoms TEXT NOT NULL DEFAULT '[]',
    causes TEXT NOT NULL DEFAULT '[]',
    treatments TEXT NOT NULL DEFAULT '[]',
    drugs TEXT NOT NULL DEFAULT '[]',
    side_effects TEXT NOT NULL DEFAULT '[]',
    source TEXT NOT NULL,
    source_type TEXT NOT NULL,
    url TEXT NOT NULL UNIQUE,
    date_added DATETIME,
    confidence_score REAL NOT NULL DEFAULT 0,
    umls_codes TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_medical_entries_condition ON medical_entries(condition);

CREATE VIRTUAL TABLE IF NOT EXISTS medical_fts USING fts4(
    condition,
    title,
    content,
    facts,
    tokenize=porter
);

CREATE TRIGGER IF NOT EXISTS medical_entries_ai AFTER INSERT ON medical_entries BEGIN
    INSERT INTO medical_fts(docid, condition, title, content, facts)
    VALUES (new.id, new.condition, new.title, new.content,
        new.symptoms || ' ' || new.causes || ' ' || new.treatments || ' ' || new.drugs || ' ' || new.side_effects);
END;

CREATE TRIGGER IF NOT EXISTS medical_entries_ad AFTER DELETE ON medical_entries BEGIN
    DELETE FROM medical_fts WHERE docid = old.id;
END;

CREATE TRIGGER IF NOT EXISTS medical_entries_au AFTER UPDATE ON medical_entries BEGIN
    DELETE FROM medical_fts WHERE docid = old.id;
    INSERT INTO medical_fts(docid, condition, title, content, facts)
    VALUES (new.id, new.condition, new.title, new.content,
        new.symptoms || ' ' || new.causes || ' ' || new.treatments || ' ' || new.drugs || ' ' || new.side_effects);
END;`

const columns = `id, condition, title, content, symptoms, causes, treatments, drugs, side_effects,
    source, source_type, url, date_added, confidence_score, umls_codes`

// Store persists knowledge records in SQLite with a full-text index.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates the schema if needed.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create knowledge schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "knowledge")}, nil
}

// Upsert inserts r, or replaces the record with the same URL, and sets r.ID.
func (s *Store) Upsert(ctx context.Context, r *Record) (int64, error) {
	lists, err := encodeLists(r.Symptoms, r.Causes, r.Treatments, r.Drugs, r.SideEffects, r.UMLSCodes)
	if err != nil {
		return 0, err
	}
	if r.DateAdded.IsZero() {
		r.DateAdded = time.Now().UTC()
	}

	query := `
        INSERT INTO medical_entries (condition, title, content, symptoms, causes, treatments, drugs,
            side_effects, source, source_type, url, date_added, confidence_score, umls_codes)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(url) DO UPDATE SET
            condition = excluded.condition,
            title = excluded.title,
            content = excluded.content,
            symptoms = excluded.symptoms,
            causes = excluded.causes,
            treatments = excluded.treatments,
            drugs = excluded.drugs,
            side_effects = excluded.side_effects,
            source = excluded.source,
            source_type = excluded.source_type,
            date_added = excluded.date_added,
            confidence_score = excluded.confidence_score,
            umls_codes = excluded.umls_codes
        RETURNING id`

	err = s.db.QueryRowContext(ctx, query,
		r.Condition, r.Title, r.Content, lists[0], lists[1], lists[2], lists[3], lists[4],
		r.Source, string(r.SourceType), r.URL, r.DateAdded, r.ConfidenceScore, lists[5],
	).Scan(&r.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert record: %w", err)
	}
	return r.ID, nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM medical_entries WHERE id = ?", id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return r, nil
}

// GetMany returns the records for ids, skipping ids that no longer exist.
func (s *Store) GetMany(ctx context.Context, ids []int64) (map[int64]*Record, error) {
	out := make(map[int64]*Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	records, err := s.query(ctx, "SELECT "+columns+" FROM medical_entries WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		out[r.ID] = r
	}
	return out, nil
}

// All returns every record ordered by id.
func (s *Store) All(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, "SELECT "+columns+" FROM medical_entries ORDER BY id")
}

// ByCondition returns records whose condition equals name or whose title mentions it.
func (s *Store) ByCondition(ctx context.Context, name string, limit int) ([]*Record, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `SELECT `+columns+` FROM medical_entries
        WHERE condition = ? OR lower(title) LIKE ?
        ORDER BY confidence_score DESC, id
        LIMIT ?`, name, "%"+name+"%", limit)
}

// Search runs a full-text query matching any of terms.
func (s *Store) Search(ctx context.Context, terms []string, limit int) ([]*Record, error) {
	expr := matchExpr(terms)
	if expr == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `SELECT `+prefixed("m", columns)+` FROM medical_entries m
        JOIN medical_fts f ON m.id = f.docid
        WHERE medical_fts MATCH ?
        ORDER BY m.confidence_score DESC, m.id
        LIMIT ?`, expr, limit)
}

// Conditions lists the distinct known conditions.
func (s *Store) Conditions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT condition FROM medical_entries WHERE condition != '' ORDER BY condition")
	if err != nil {
		return nil, fmt.Errorf("failed to list conditions: %w", err)
	}
	defer rows.Close()

	conditions := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}
		conditions = append(conditions, c)
	}
	return conditions, rows.Err()
}

// MedicalFacts aggregates the structured facts of every record about a condition.
func (s *Store) MedicalFacts(ctx context.Context, condition string) (Facts, error) {
	facts := Facts{Condition: strings.ToLower(strings.TrimSpace(condition))}
	records, err := s.ByCondition(ctx, condition, 0)
	if err != nil {
		return facts, err
	}
	for _, r := range records {
		facts.add(r)
	}
	return facts, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM medical_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r          Record
		sourceType string
		dateAdded  sql.NullTime
		lists      [6]string
	)
	err := sc.Scan(&r.ID, &r.Condition, &r.Title, &r.Content,
		&lists[0], &lists[1], &lists[2], &lists[3], &lists[4],
		&r.Source, &sourceType, &r.URL, &dateAdded, &r.ConfidenceScore, &lists[5])
	if err != nil {
		return nil, err
	}
	r.SourceType = SourceType(sourceType)
	if dateAdded.Valid {
		r.DateAdded = dateAdded.Time
	}
	targets := []*[]string{&r.Symptoms, &r.Causes, &r.Treatments, &r.Drugs, &r.SideEffects, &r.UMLSCodes}
	for i, dst := range targets {
		if err := json.Unmarshal([]byte(lists[i]), dst); err != nil {
			return nil, fmt.Errorf("failed to decode list column: %w", err)
		}
	}
	return &r, nil
}

func encodeLists(lists ...[]string) ([]string, error) {
	out := make([]string, len(lists))
	for i, l := range lists {
		if l == nil {
			l = []string{}
		}
		data, err := json.Marshal(l)
		if err != nil {
			return nil, fmt.Errorf("failed to encode list column: %w", err)
		}
		out[i] = string(data)
	}
	return out, nil
}

// matchExpr builds an FTS OR-query from free terms, keeping letters and digits only.
func matchExpr(terms []string) string {
	var parts []string
	seen := map[string]bool{}
	for _, t := range terms {
		for _, w := range strings.FieldsFunc(strings.ToLower(t), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			if seen[w] {
				continue
			}
			seen[w] = true
			parts = append(parts, w)
		}
	}
	return strings.Join(parts, " OR ")
}

func prefixed(alias, cols string) string {
	fields := strings.Split(cols, ",")
	for i, f := range fields {
		fields[i] = alias + "." + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}
