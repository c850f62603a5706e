package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kisan-ai/kcc-assistant/engine/app"
	"github.com/kisan-ai/kcc-assistant/engine/semantic"
	"github.com/kisan-ai/kcc-assistant/engine/snapshot"
	"github.com/kisan-ai/kcc-assistant/pkg/fn"
	"github.com/spf13/cobra"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build and inspect the KCC vector index",
	}
	cmd.AddCommand(newIndexBuildCmd(), newIndexStatsCmd())
	return cmd
}

func newIndexBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Embed the KCC dataset into the index snapshot",
		Long:  "Embeds the dataset in batches and appends them to the snapshot. An interrupted build resumes after the last saved batch.",
		Args:  cobra.NoArgs,
		RunE:  runIndexBuild,
	}
	cmd.Flags().String("data", "", "CSV file with one record per row (default build.data)")
	cmd.Flags().String("column", "", "CSV column holding the record text (default build.column)")
	cmd.Flags().Int("batch-size", 0, "records per embedding batch (default build.batch_size)")
	cmd.Flags().Bool("mirror", false, "also upsert vectors into Qdrant")
	return cmd
}

func runIndexBuild(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("data") {
		cfg.Build.Data, _ = flags.GetString("data")
	}
	if flags.Changed("column") {
		cfg.Build.Column, _ = flags.GetString("column")
	}
	if flags.Changed("batch-size") {
		cfg.Build.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("mirror") {
		cfg.Build.Mirror, _ = flags.GetBool("mirror")
	}
	if cfg.Build.Data == "" {
		return fmt.Errorf("no dataset: set --data or build.data")
	}
	ctx := cmd.Context()

	f, err := os.Open(cfg.Build.Data)
	if err != nil {
		return err
	}
	chunks, err := snapshot.ReadChunksCSV(f, cfg.Build.Column)
	f.Close()
	if err != nil {
		return err
	}

	emb, err := app.NewEmbedder(cfg)
	if err != nil {
		return err
	}
	store, err := snapshot.Open(ctx, cfg.Index.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	b := &snapshot.Builder{
		Store:     store,
		Embedder:  emb,
		Model:     cfg.Index.EmbedModel,
		BatchSize: cfg.Build.BatchSize,
		Retry:     fn.DefaultRetry,
		Logger:    logger,
	}
	if cfg.Build.Mirror {
		q, err := openMirror(ctx, cfg.Qdrant.Addr, cfg.Qdrant.Collection, store, emb)
		if err != nil {
			return err
		}
		defer q.Close()
		b.Mirror = q
	}

	stats, err := b.Build(ctx, chunks)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d records (%d new, resumed at %d) in %s\nSnapshot: %s\n",
		stats.Total, stats.Appended, stats.Resumed, stats.Elapsed.Round(time.Millisecond), store.Path())
	if stats.Backfilled > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Mirror backfilled: %d\n", stats.Backfilled)
	}
	return nil
}

// openMirror prepares the Qdrant collection. The vector size comes from the
// snapshot, or from a probe embedding on a fresh build.
func openMirror(ctx context.Context, addr, collection string, store *snapshot.Store, emb semantic.Embedder) (*semantic.QdrantIndex, error) {
	meta, err := store.Meta(ctx)
	if err != nil {
		return nil, err
	}
	dims := meta.Dimensions
	if dims == 0 {
		probe, err := emb.Embed(ctx, "dimension probe")
		if err != nil {
			return nil, fmt.Errorf("probe embedding: %w", err)
		}
		dims = len(probe)
	}
	q, err := semantic.NewQdrantIndex(addr, collection, dims)
	if err != nil {
		return nil, err
	}
	if err := q.EnsureCollection(ctx); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func newIndexStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the snapshot's model, dimensions and record count",
		Args:  cobra.NoArgs,
		RunE:  runIndexStats,
	}
}

func runIndexStats(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if _, err := os.Stat(cfg.Index.Path); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	store, err := snapshot.Open(ctx, cfg.Index.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	meta, err := store.Meta(ctx)
	if err != nil {
		return err
	}
	n, err := store.Count(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Snapshot:   %s\n", store.Path())
	fmt.Fprintf(out, "Model:      %s\n", meta.Model)
	fmt.Fprintf(out, "Dimensions: %d\n", meta.Dimensions)
	fmt.Fprintf(out, "Records:    %d\n", n)
	return nil
}
