// Package snapshot persists the KCC corpus and its embeddings in a single
// SQLite file so the two can never drift apart, and builds that file
// incrementally from the cleaned dataset.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/kisan-ai/kcc-assistant/engine/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	pos       INTEGER PRIMARY KEY,
	text      TEXT NOT NULL,
	embedding BLOB NOT NULL
);`

// Meta describes how the stored vectors were produced.
type Meta struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// Store is an open snapshot file.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the snapshot at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("snapshot: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: init schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("snapshot: count: %w", err)
	}
	return n, nil
}

// Meta returns the stored metadata; a fresh snapshot yields the zero Meta.
func (s *Store) Meta(ctx context.Context) (Meta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return Meta{}, fmt.Errorf("snapshot: read meta: %w", err)
	}
	defer rows.Close()

	var m Meta
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Meta{}, fmt.Errorf("snapshot: read meta: %w", err)
		}
		switch k {
		case "model":
			m.Model = v
		case "dimensions":
			d, err := strconv.Atoi(v)
			if err != nil {
				return Meta{}, fmt.Errorf("snapshot: dimensions %q: %w", v, domain.ErrSnapshotCorrupt)
			}
			m.Dimensions = d
		}
	}
	if err := rows.Err(); err != nil {
		return Meta{}, fmt.Errorf("snapshot: read meta: %w", err)
	}
	return m, nil
}

// SetMeta replaces the stored metadata.
func (s *Store) SetMeta(ctx context.Context, m Meta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot: set meta: %w", err)
	}
	defer tx.Rollback()

	for k, v := range map[string]string{"model": m.Model, "dimensions": strconv.Itoa(m.Dimensions)} {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key, value) VALUES(?, ?)`, k, v); err != nil {
			return fmt.Errorf("snapshot: set meta %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot: set meta: %w", err)
	}
	return nil
}

// Append stores texts and vectors at positions start, start+1, ... in one
// transaction. start must equal the current count and every vector must
// match the stored dimensions.
func (s *Store) Append(ctx context.Context, start int64, texts []string, vecs [][]float32) error {
	if len(texts) != len(vecs) {
		return fmt.Errorf("snapshot: append: %d texts for %d vectors: %w", len(texts), len(vecs), domain.ErrCorpusMisaligned)
	}
	if len(texts) == 0 {
		return nil
	}
	m, err := s.Meta(ctx)
	if err != nil {
		return err
	}
	if m.Dimensions <= 0 {
		return errors.New("snapshot: append: dimensions not set")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot: append: %w", err)
	}
	defer tx.Rollback()

	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return fmt.Errorf("snapshot: append: %w", err)
	}
	if start != n {
		return fmt.Errorf("snapshot: append at %d, snapshot holds %d: %w", start, n, domain.ErrCorpusMisaligned)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks(pos, text, embedding) VALUES(?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("snapshot: append: %w", err)
	}
	defer stmt.Close()

	for i, v := range vecs {
		if len(v) != m.Dimensions {
			return fmt.Errorf("snapshot: append pos %d: %w", start+int64(i), &domain.DimensionError{Want: m.Dimensions, Got: len(v)})
		}
		if _, err := stmt.ExecContext(ctx, start+int64(i), texts[i], encodeVector(v)); err != nil {
			return fmt.Errorf("snapshot: append pos %d: %w", start+int64(i), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot: append commit: %w", err)
	}
	return nil
}

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
