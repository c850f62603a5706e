package snapshot

import (
	"context"
	"fmt"
	"os"

	"github.com/kisan-ai/kcc-assistant/engine/domain"
	"github.com/kisan-ai/kcc-assistant/engine/semantic"
)

// Load reads the snapshot at path into an in-memory index and corpus. The
// file must already exist; positions must be contiguous from zero and every
// vector must match the stored dimensions.
func Load(ctx context.Context, path string) (*semantic.FlatIndex, *semantic.Corpus, Meta, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, Meta{}, fmt.Errorf("snapshot: %w", err)
	}
	s, err := Open(ctx, path)
	if err != nil {
		return nil, nil, Meta{}, err
	}
	defer s.Close()
	return s.Load(ctx)
}

// Load reads every chunk of an open store.
func (s *Store) Load(ctx context.Context) (*semantic.FlatIndex, *semantic.Corpus, Meta, error) {
	m, err := s.Meta(ctx)
	if err != nil {
		return nil, nil, Meta{}, err
	}
	if m.Dimensions <= 0 {
		return nil, nil, Meta{}, fmt.Errorf("snapshot: %s: no dimensions recorded: %w", s.path, domain.ErrSnapshotCorrupt)
	}
	idx, err := semantic.NewFlatIndex(m.Dimensions)
	if err != nil {
		return nil, nil, Meta{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT pos, text, embedding FROM chunks ORDER BY pos`)
	if err != nil {
		return nil, nil, Meta{}, fmt.Errorf("snapshot: read chunks: %w", err)
	}
	defer rows.Close()

	var texts []string
	for want := int64(0); rows.Next(); want++ {
		var (
			pos  int64
			text string
			blob []byte
		)
		if err := rows.Scan(&pos, &text, &blob); err != nil {
			return nil, nil, Meta{}, fmt.Errorf("snapshot: read chunk: %w", err)
		}
		if pos != want {
			return nil, nil, Meta{}, fmt.Errorf("snapshot: expected pos %d, found %d: %w", want, pos, domain.ErrCorpusMisaligned)
		}
		if len(blob) != 4*m.Dimensions {
			return nil, nil, Meta{}, fmt.Errorf("snapshot: pos %d has %d bytes: %w", pos, len(blob), domain.ErrSnapshotCorrupt)
		}
		if err := idx.Add(decodeVector(blob)); err != nil {
			return nil, nil, Meta{}, err
		}
		texts = append(texts, text)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, Meta{}, fmt.Errorf("snapshot: read chunks: %w", err)
	}

	corpus := semantic.NewCorpus(texts)
	if corpus.Len() != idx.Len() {
		return nil, nil, Meta{}, fmt.Errorf("snapshot: %d texts, %d vectors: %w", corpus.Len(), idx.Len(), domain.ErrCorpusMisaligned)
	}
	return idx, corpus, m, nil
}

// Range returns the chunks at positions [from, to), in order.
func (s *Store) Range(ctx context.Context, from, to int64) ([]string, [][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pos, text, embedding FROM chunks WHERE pos >= ? AND pos < ? ORDER BY pos`, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: read range: %w", err)
	}
	defer rows.Close()

	var (
		texts []string
		vecs  [][]float32
	)
	for want := from; rows.Next(); want++ {
		var (
			pos  int64
			text string
			blob []byte
		)
		if err := rows.Scan(&pos, &text, &blob); err != nil {
			return nil, nil, fmt.Errorf("snapshot: read chunk: %w", err)
		}
		if pos != want {
			return nil, nil, fmt.Errorf("snapshot: expected pos %d, found %d: %w", want, pos, domain.ErrCorpusMisaligned)
		}
		texts = append(texts, text)
		vecs = append(vecs, decodeVector(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("snapshot: read range: %w", err)
	}
	if int64(len(texts)) != to-from {
		return nil, nil, fmt.Errorf("snapshot: range [%d, %d) holds %d chunks: %w", from, to, len(texts), domain.ErrCorpusMisaligned)
	}
	return texts, vecs, nil
}

// Texts returns the corpus without decoding vectors. Used when search is
// served by a remote index.
func (s *Store) Texts(ctx context.Context) (*semantic.Corpus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pos, text FROM chunks ORDER BY pos`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read texts: %w", err)
	}
	defer rows.Close()

	var texts []string
	for want := int64(0); rows.Next(); want++ {
		var (
			pos  int64
			text string
		)
		if err := rows.Scan(&pos, &text); err != nil {
			return nil, fmt.Errorf("snapshot: read text: %w", err)
		}
		if pos != want {
			return nil, fmt.Errorf("snapshot: expected pos %d, found %d: %w", want, pos, domain.ErrCorpusMisaligned)
		}
		texts = append(texts, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: read texts: %w", err)
	}
	return semantic.NewCorpus(texts), nil
}
