package snapshot_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisan-ai/kcc-assistant/engine/domain"
	"github.com/kisan-ai/kcc-assistant/engine/snapshot"
	"github.com/kisan-ai/kcc-assistant/pkg/fn"
)

func openStore(t *testing.T) *snapshot.Store {
	t.Helper()
	s, err := snapshot.Open(context.Background(), filepath.Join(t.TempDir(), "idx", "kcc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_MetaRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	m, err := s.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Meta{}, m)

	require.NoError(t, s.SetMeta(ctx, snapshot.Meta{Model: "nomic-embed-text", Dimensions: 3}))
	m, err = s.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Meta{Model: "nomic-embed-text", Dimensions: 3}, m)
}

func TestStore_AppendAndLoad(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.SetMeta(ctx, snapshot.Meta{Model: "m", Dimensions: 2}))

	require.NoError(t, s.Append(ctx, 0, []string{"a", "b"}, [][]float32{{1, 0}, {0, 1}}))
	require.NoError(t, s.Append(ctx, 2, []string{"c"}, [][]float32{{0.5, -1.25}}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	idx, corpus, meta, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Dimensions)
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, 3, corpus.Len())

	v, ok := idx.Vector(2)
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, -1.25}, v)
	text, ok := corpus.Get(2)
	require.True(t, ok)
	assert.Equal(t, "c", text)

	hits, err := idx.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits[0].ID)
}

func TestStore_AppendRejectsGap(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.SetMeta(ctx, snapshot.Meta{Model: "m", Dimensions: 1}))

	err := s.Append(ctx, 1, []string{"a"}, [][]float32{{1}})
	assert.ErrorIs(t, err, domain.ErrCorpusMisaligned)

	n, _ := s.Count(ctx)
	assert.Zero(t, n)
}

func TestStore_AppendValidation(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	err := s.Append(ctx, 0, []string{"a"}, [][]float32{{1}})
	assert.Error(t, err, "dimensions not set")

	require.NoError(t, s.SetMeta(ctx, snapshot.Meta{Model: "m", Dimensions: 2}))
	assert.ErrorIs(t, s.Append(ctx, 0, []string{"a", "b"}, [][]float32{{1, 2}}), domain.ErrCorpusMisaligned)
	assert.ErrorIs(t, s.Append(ctx, 0, []string{"a", "b"}, [][]float32{{1, 2}, {1}}), domain.ErrDimensionMismatch)

	n, _ := s.Count(ctx)
	assert.Zero(t, n, "failed batch must roll back")
}

func TestLoad_MissingFile(t *testing.T) {
	_, _, _, err := snapshot.Load(context.Background(), filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}

func TestLoad_NoMeta(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kcc.db")
	s, err := snapshot.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, _, err = snapshot.Load(ctx, path)
	assert.ErrorIs(t, err, domain.ErrSnapshotCorrupt)
}

func TestLoad_DetectsGapAndBadBlob(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kcc.db")
	s, err := snapshot.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SetMeta(ctx, snapshot.Meta{Model: "m", Dimensions: 1}))
	require.NoError(t, s.Append(ctx, 0, []string{"a", "b"}, [][]float32{{1}, {2}}))
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE chunks SET pos = 5 WHERE pos = 1`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, _, _, err = snapshot.Load(ctx, path)
	assert.ErrorIs(t, err, domain.ErrCorpusMisaligned)

	db, err = sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE chunks SET pos = 1, embedding = x'00' WHERE pos = 5`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, _, _, err = snapshot.Load(ctx, path)
	assert.ErrorIs(t, err, domain.ErrSnapshotCorrupt)
}

func TestStore_Texts(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.SetMeta(ctx, snapshot.Meta{Model: "m", Dimensions: 1}))
	require.NoError(t, s.Append(ctx, 0, []string{"x", "y"}, [][]float32{{1}, {2}}))

	c, err := s.Texts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	got, _ := c.Get(1)
	assert.Equal(t, "y", got)
}

// --- Builder ---

type lenEmbedder struct {
	mu     sync.Mutex
	calls  int
	failAt int // call number that fails, 0 = never
}

func (e *lenEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func (e *lenEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()
	if call == e.failAt {
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

// recordingMirror keeps points by position, so repeated upserts overwrite.
type recordingMirror struct {
	starts []int64
	n      int
	points map[int64]string
	fails  int // upserts still to fail
}

func (m *recordingMirror) Upsert(_ context.Context, start int64, texts []string, _ [][]float32) error {
	if m.fails > 0 {
		m.fails--
		return errors.New("qdrant unavailable")
	}
	if m.points == nil {
		m.points = make(map[int64]string)
	}
	m.starts = append(m.starts, start)
	m.n += len(texts)
	for i, t := range texts {
		m.points[start+int64(i)] = t
	}
	return nil
}

func (m *recordingMirror) Points(context.Context) (int64, error) {
	return int64(len(m.points)), nil
}

var noRetry = fn.RetryOpts{MaxAttempts: 1}

func TestBuilder_BuildsInBatches(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mirror := &recordingMirror{}
	b := &snapshot.Builder{Store: s, Embedder: &lenEmbedder{}, Model: "m", BatchSize: 2, Mirror: mirror, Retry: noRetry}

	stats, err := b.Build(ctx, []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.Total)
	assert.EqualValues(t, 5, stats.Appended)
	assert.Equal(t, []int64{0, 2, 4}, mirror.starts)
	assert.Equal(t, 5, mirror.n)

	meta, err := s.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Meta{Model: "m", Dimensions: 2}, meta)
}

func TestBuilder_ResumesAfterFailure(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	chunks := []string{"a", "b", "c", "d", "e"}

	_, err := (&snapshot.Builder{Store: s, Embedder: &lenEmbedder{failAt: 2}, Model: "m", BatchSize: 2, Retry: noRetry}).Build(ctx, chunks)
	require.Error(t, err)
	n, _ := s.Count(ctx)
	assert.EqualValues(t, 2, n, "first batch should be committed")

	emb := &lenEmbedder{}
	stats, err := (&snapshot.Builder{Store: s, Embedder: emb, Model: "m", BatchSize: 2, Retry: noRetry}).Build(ctx, chunks)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Resumed)
	assert.EqualValues(t, 3, stats.Appended)
	assert.Equal(t, 2, emb.calls)

	_, corpus, _, err := s.Load(ctx)
	require.NoError(t, err)
	for i, want := range chunks {
		got, _ := corpus.Get(int64(i))
		assert.Equal(t, want, got)
	}
}

func TestBuilder_MirrorCatchesUpAfterFailedUpsert(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	chunks := []string{"a", "bb", "ccc", "dddd"}
	mirror := &recordingMirror{fails: 1}
	b := &snapshot.Builder{Store: s, Embedder: &lenEmbedder{}, Model: "m", BatchSize: 2, Mirror: mirror, Retry: noRetry}

	_, err := b.Build(ctx, chunks)
	require.Error(t, err)
	n, _ := s.Count(ctx)
	assert.EqualValues(t, 2, n, "batch is committed before it is mirrored")
	assert.Empty(t, mirror.points)

	stats, err := b.Build(ctx, chunks)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Backfilled)
	assert.EqualValues(t, 2, stats.Appended)
	assert.Equal(t, []int64{0, 2}, mirror.starts)
	require.Len(t, mirror.points, 4)
	for i, want := range chunks {
		assert.Equal(t, want, mirror.points[int64(i)])
	}
}

func TestBuilder_MirrorAttachedToCompleteSnapshot(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	chunks := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	emb := &lenEmbedder{}
	_, err := (&snapshot.Builder{Store: s, Embedder: emb, Model: "m", BatchSize: 2, Retry: noRetry}).Build(ctx, chunks)
	require.NoError(t, err)

	mirror := &recordingMirror{}
	stats, err := (&snapshot.Builder{Store: s, Embedder: emb, Model: "m", BatchSize: 2, Mirror: mirror, Retry: noRetry}).Build(ctx, chunks)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Appended)
	assert.EqualValues(t, 5, stats.Backfilled)
	assert.Equal(t, []int64{0, 2, 4}, mirror.starts)
	assert.Len(t, mirror.points, 5)
	assert.Equal(t, 3, emb.calls, "backfill reads stored vectors instead of re-embedding")

	stats, err = (&snapshot.Builder{Store: s, Embedder: emb, Model: "m", BatchSize: 2, Mirror: mirror, Retry: noRetry}).Build(ctx, chunks)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Backfilled, "an up-to-date mirror gets nothing")
}

func TestStore_Range(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, err := (&snapshot.Builder{Store: s, Embedder: &lenEmbedder{}, Model: "m", Retry: noRetry}).Build(ctx, []string{"a", "bb", "ccc"})
	require.NoError(t, err)

	texts, vecs, err := s.Range(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"bb", "ccc"}, texts)
	assert.Equal(t, [][]float32{{2, 1}, {3, 1}}, vecs)

	_, _, err = s.Range(ctx, 2, 5)
	assert.ErrorIs(t, err, domain.ErrCorpusMisaligned)
}

func TestBuilder_RetriesBatch(t *testing.T) {
	s := openStore(t)
	emb := &lenEmbedder{failAt: 1}
	b := &snapshot.Builder{Store: s, Embedder: emb, Model: "m", Retry: fn.RetryOpts{MaxAttempts: 2}}
	_, err := b.Build(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 2, emb.calls)
}

func TestBuilder_ModelChanged(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.SetMeta(ctx, snapshot.Meta{Model: "old", Dimensions: 2}))

	_, err := (&snapshot.Builder{Store: s, Embedder: &lenEmbedder{}, Model: "new", Retry: noRetry}).Build(ctx, []string{"a"})
	assert.ErrorIs(t, err, snapshot.ErrModelChanged)
}

func TestBuilder_SnapshotLargerThanDataset(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	b := &snapshot.Builder{Store: s, Embedder: &lenEmbedder{}, Model: "m", Retry: noRetry}
	_, err := b.Build(ctx, []string{"a", "b"})
	require.NoError(t, err)

	_, err = b.Build(ctx, []string{"a"})
	assert.ErrorIs(t, err, domain.ErrCorpusMisaligned)
}

// --- CSV ---

func TestReadChunksCSV(t *testing.T) {
	in := "id,chunk\n1,\"Q: whitefly\nA: neem oil\"\n2,Q: rust\n"
	got, err := snapshot.ReadChunksCSV(strings.NewReader(in), "chunk")
	require.NoError(t, err)
	assert.Equal(t, []string{"Q: whitefly\nA: neem oil", "Q: rust"}, got)

	_, err = snapshot.ReadChunksCSV(strings.NewReader("a,b\n1,2\n"), "chunk")
	assert.Error(t, err)
	_, err = snapshot.ReadChunksCSV(strings.NewReader(""), "chunk")
	assert.Error(t, err)
}

func TestReadChunksCSV_ShortRowReportsFileLine(t *testing.T) {
	in := `id,chunk
1,"Q: whitefly
A: neem oil"
2,"Q: rust
A: sulphur"
3
`
	_, err := snapshot.ReadChunksCSV(strings.NewReader(in), "chunk")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "csv line 6 (record 3)")
}
