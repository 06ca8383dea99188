package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Record is one stored document.
type Record struct {
	Namespace string
	Kind      string
	Key       string
	Doc       json.RawMessage
}

// Decode unmarshals the document into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Doc, v); err != nil {
		return fmt.Errorf("store: decode %s/%s %s: %w", r.Namespace, r.Kind, r.Key, err)
	}
	return nil
}

// DecodeAll decodes every record into a T.
func DecodeAll[T any](records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, r := range records {
		var v T
		if err := r.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Add stores doc under (namespace, kind, key), replacing an existing document.
func (s *Store) Add(ctx context.Context, namespace, kind, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s %s: %w", kind, key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (namespace, kind, key, doc, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, kind, key) DO UPDATE SET
			doc = excluded.doc,
			updated_at = CURRENT_TIMESTAMP
	`, namespace, kind, key, string(data))
	if err != nil {
		return fmt.Errorf("store: add %s %s: %w", kind, key, err)
	}
	return nil
}

// Remove deletes a document. It returns NotFoundError when nothing matched.
func (s *Store) Remove(ctx context.Context, namespace, kind, key string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE namespace = ? AND kind = ? AND key = ?
	`, namespace, kind, key)
	if err != nil {
		return fmt.Errorf("store: remove %s %s: %w", kind, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: remove %s %s: %w", kind, key, err)
	}
	if n == 0 {
		return NotFoundError{Entity: kind, Key: key}
	}
	return nil
}

// Get returns one document by key.
func (s *Store) Get(ctx context.Context, namespace, kind, key string) (Record, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM records WHERE namespace = ? AND kind = ? AND key = ?
	`, namespace, kind, key).Scan(&doc)
	if err == sql.ErrNoRows {
		return Record{}, NotFoundError{Entity: kind, Key: key}
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: get %s %s: %w", kind, key, err)
	}
	return Record{Namespace: namespace, Kind: kind, Key: key, Doc: json.RawMessage(doc)}, nil
}

// FindAll returns every document of kind, ordered by key.
func (s *Store) FindAll(ctx context.Context, namespace, kind string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, doc FROM records WHERE namespace = ? AND kind = ? ORDER BY key
	`, namespace, kind)
	if err != nil {
		return nil, fmt.Errorf("store: find %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var key, doc string
		if err := rows.Scan(&key, &doc); err != nil {
			return nil, fmt.Errorf("store: scan %s row: %w", kind, err)
		}
		out = append(out, Record{Namespace: namespace, Kind: kind, Key: key, Doc: json.RawMessage(doc)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate %s rows: %w", kind, err)
	}
	return out, nil
}
