package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kisan-ai/kcc-assistant/engine/domain"
	"github.com/kisan-ai/kcc-assistant/engine/semantic"
	"github.com/kisan-ai/kcc-assistant/pkg/fn"
)

// ErrModelChanged means the snapshot was built with a different embedding
// model than the one configured.
var ErrModelChanged = errors.New("snapshot: embedding model changed")

// Mirror receives every appended batch. semantic.QdrantIndex satisfies it.
// Points reports how many leading positions the mirror already holds;
// Upsert must be idempotent per position.
type Mirror interface {
	Upsert(ctx context.Context, start int64, texts []string, vecs [][]float32) error
	Points(ctx context.Context) (int64, error)
}

// Builder embeds the dataset batch by batch and appends it to a Store,
// resuming after the last committed batch.
type Builder struct {
	Store     *Store
	Embedder  semantic.Embedder
	Model     string
	BatchSize int
	Mirror    Mirror // optional
	Retry     fn.RetryOpts
	Logger    *slog.Logger
}

// BuildStats summarizes a Build run.
type BuildStats struct {
	Resumed    int64
	Appended   int64
	Backfilled int64 // positions re-sent to the mirror from the snapshot
	Total      int64
	Elapsed    time.Duration
}

// Build indexes chunks[Count:]. Chunks already stored are assumed to be the
// same prefix of the dataset.
func (b *Builder) Build(ctx context.Context, chunks []string) (BuildStats, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := b.BatchSize
	if batch <= 0 {
		batch = 256
	}
	began := time.Now()

	meta, err := b.Store.Meta(ctx)
	if err != nil {
		return BuildStats{}, err
	}
	if meta.Model != "" && meta.Model != b.Model {
		return BuildStats{}, fmt.Errorf("%w: snapshot has %q, configured %q", ErrModelChanged, meta.Model, b.Model)
	}
	start, err := b.Store.Count(ctx)
	if err != nil {
		return BuildStats{}, err
	}
	if start > int64(len(chunks)) {
		return BuildStats{}, fmt.Errorf("snapshot: holds %d chunks, dataset has %d: %w", start, len(chunks), domain.ErrCorpusMisaligned)
	}
	stats := BuildStats{Resumed: start, Total: start}
	if start > 0 {
		logger.Info("resuming snapshot build", "path", b.Store.Path(), "from", start)
	}
	if b.Mirror != nil {
		n, err := b.backfill(ctx, start, batch, logger)
		stats.Backfilled = n
		if err != nil {
			return stats, err
		}
	}

	for pos := start; pos < int64(len(chunks)); pos += int64(batch) {
		end := min(pos+int64(batch), int64(len(chunks)))
		texts := chunks[pos:end]

		vecs, err := fn.Retry(ctx, b.Retry, func(ctx context.Context) fn.Result[[][]float32] {
			v, err := b.Embedder.EmbedBatch(ctx, texts)
			return fn.FromPair(v, err)
		}).Unwrap()
		if err != nil {
			return stats, fmt.Errorf("snapshot: embed batch at %d: %w", pos, err)
		}
		if len(vecs) != len(texts) {
			return stats, fmt.Errorf("snapshot: embedder returned %d vectors for %d texts: %w", len(vecs), len(texts), domain.ErrCorpusMisaligned)
		}

		if meta.Dimensions == 0 {
			meta = Meta{Model: b.Model, Dimensions: len(vecs[0])}
			if err := b.Store.SetMeta(ctx, meta); err != nil {
				return stats, err
			}
		}
		if err := b.Store.Append(ctx, pos, texts, vecs); err != nil {
			return stats, err
		}
		if b.Mirror != nil {
			if err := b.Mirror.Upsert(ctx, pos, texts, vecs); err != nil {
				return stats, fmt.Errorf("snapshot: mirror batch at %d: %w", pos, err)
			}
		}

		stats.Appended += end - pos
		stats.Total = end
		logger.Info("batch saved", "from", pos, "to", end, "total", len(chunks))
	}

	stats.Elapsed = time.Since(began)
	logger.Info("snapshot build complete", "total", stats.Total, "appended", stats.Appended, "elapsed", stats.Elapsed)
	return stats, nil
}

// backfill copies snapshot positions the mirror is missing, up to upto, so
// a mirror that fell behind (a failed upsert, or attached to an existing
// snapshot) catches up before new batches are appended.
func (b *Builder) backfill(ctx context.Context, upto int64, batch int, logger *slog.Logger) (int64, error) {
	have, err := b.Mirror.Points(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot: mirror points: %w", err)
	}
	if have > upto {
		logger.Warn("mirror holds more points than the snapshot", "mirror", have, "snapshot", upto)
		return 0, nil
	}
	if have < upto {
		logger.Info("backfilling mirror", "from", have, "to", upto)
	}

	var sent int64
	for pos := have; pos < upto; pos += int64(batch) {
		end := min(pos+int64(batch), upto)
		texts, vecs, err := b.Store.Range(ctx, pos, end)
		if err != nil {
			return sent, err
		}
		if err := b.Mirror.Upsert(ctx, pos, texts, vecs); err != nil {
			return sent, fmt.Errorf("snapshot: backfill mirror at %d: %w", pos, err)
		}
		sent += end - pos
	}
	return sent, nil
}
