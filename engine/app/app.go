// Package app wires configuration into a ready-to-serve retrieval pipeline.
// All binaries start through Build so they share the same startup checks.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/kisan-ai/kcc-assistant/engine/domain"
	"github.com/kisan-ai/kcc-assistant/engine/filter"
	"github.com/kisan-ai/kcc-assistant/engine/rag"
	"github.com/kisan-ai/kcc-assistant/engine/semantic"
	"github.com/kisan-ai/kcc-assistant/engine/snapshot"
	"github.com/kisan-ai/kcc-assistant/engine/websearch"
	"github.com/kisan-ai/kcc-assistant/pkg/config"
	"github.com/kisan-ai/kcc-assistant/pkg/metrics"
	"github.com/kisan-ai/kcc-assistant/pkg/oai"
	"github.com/kisan-ai/kcc-assistant/pkg/ollama"
	"github.com/kisan-ai/kcc-assistant/pkg/resilience"
)

// App is a started pipeline and the resources behind it.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Service  *rag.Service
	Registry *metrics.Registry
	Index    semantic.Index
	Meta     snapshot.Meta

	closers []func() error
}

// Build loads the index, checks it against the embedder and assembles the
// pipeline. Any error here is a startup failure.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Registry: metrics.New()}

	emb, err := NewEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	llm, err := NewGenerator(cfg)
	if err != nil {
		return nil, err
	}

	corpus, err := a.loadIndex(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.Meta.Model != cfg.Index.EmbedModel {
		a.Close()
		return nil, fmt.Errorf("app: %w: snapshot has %q, configured %q", snapshot.ErrModelChanged, a.Meta.Model, cfg.Index.EmbedModel)
	}
	if err := semantic.CheckDimensions(ctx, emb, a.Index); err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	pm := metrics.NewPipeline(a.Registry)
	a.Registry.Gauge("kcc_index_records", "Records in the loaded KCC index").Set(int64(a.Index.Len()))

	deps := rag.Deps{
		Embedder: emb,
		Index:    a.Index,
		Corpus:   corpus,
		Filter:   filter.New(cfg.Filter.GenericPhrases),
		LLM:      llm,
		Metrics:  pm,
	}
	if cfg.WebSearch.Enabled {
		deps.Web = websearch.New(WebSearchOptions(cfg, pm.WebSearchFailure), logger.With("component", "websearch"))
	}

	a.Service, err = rag.New(deps, rag.Options{
		TopK:               cfg.Retrieval.TopK,
		RelevanceThreshold: cfg.Retrieval.RelevanceThreshold,
		SearchTimeout:      cfg.Retrieval.SearchTimeout,
		MaxWebResults:      cfg.Retrieval.MaxWebResults,
	}, logger.With("component", "rag"))
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("pipeline ready",
		"backend", cfg.Index.Backend,
		"records", a.Index.Len(),
		"dimensions", a.Index.Dimensions(),
		"embed_model", cfg.Index.EmbedModel,
		"llm", cfg.LLM.Provider+"/"+cfg.LLM.Model,
		"websearch", cfg.WebSearch.Enabled,
	)
	return a, nil
}

func (a *App) loadIndex(ctx context.Context) (*semantic.Corpus, error) {
	cfg := a.Config
	if cfg.Index.Backend != "qdrant" {
		idx, corpus, meta, err := snapshot.Load(ctx, cfg.Index.Path)
		if err != nil {
			return nil, fmt.Errorf("app: load index: %w", err)
		}
		a.Index, a.Meta = idx, meta
		return corpus, nil
	}

	// Vectors live in Qdrant; the snapshot still owns the record text.
	if _, err := os.Stat(cfg.Index.Path); err != nil {
		return nil, fmt.Errorf("app: snapshot: %w", err)
	}
	store, err := snapshot.Open(ctx, cfg.Index.Path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	meta, err := store.Meta(ctx)
	if err != nil {
		return nil, err
	}
	if meta.Dimensions <= 0 {
		return nil, fmt.Errorf("app: snapshot %s: %w", cfg.Index.Path, domain.ErrSnapshotCorrupt)
	}
	corpus, err := store.Texts(ctx)
	if err != nil {
		return nil, err
	}

	q, err := semantic.NewQdrantIndex(cfg.Qdrant.Addr, cfg.Qdrant.Collection, meta.Dimensions)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, q.Close)
	if err := q.Refresh(ctx); err != nil {
		return nil, err
	}
	if q.Len() != corpus.Len() {
		return nil, fmt.Errorf("app: qdrant holds %d points, snapshot %d records: %w", q.Len(), corpus.Len(), domain.ErrCorpusMisaligned)
	}
	a.Index, a.Meta = q, meta
	return corpus, nil
}

// Close releases connections opened by Build.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewEmbedder returns the configured embedding provider.
func NewEmbedder(cfg *config.Config) (semantic.Embedder, error) {
	switch cfg.Index.Embedder {
	case "openai":
		e, err := oai.NewEmbedder(openAIConfig(cfg), cfg.Index.EmbedModel)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "ollama":
		return ollama.NewEmbedClient(cfg.Ollama.URL, cfg.Index.EmbedModel, cfg.Index.EmbedWorkers), nil
	}
	return nil, fmt.Errorf("app: unknown embedder %q", cfg.Index.Embedder)
}

// NewGenerator returns the configured language model.
func NewGenerator(cfg *config.Config) (rag.Generator, error) {
	switch cfg.LLM.Provider {
	case "openai":
		g, err := oai.NewGenerator(openAIConfig(cfg), cfg.LLM.Model, cfg.LLM.Timeout)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "ollama":
		return ollama.NewGenerator(cfg.Ollama.URL, cfg.LLM.Model, cfg.LLM.Timeout), nil
	}
	return nil, fmt.Errorf("app: unknown llm provider %q", cfg.LLM.Provider)
}

// WebSearchOptions maps configuration onto the web search client.
func WebSearchOptions(cfg *config.Config, failures websearch.Counter) websearch.Options {
	opts := websearch.DefaultOptions()
	opts.BaseURL = cfg.WebSearch.BaseURL
	opts.Timeout = cfg.WebSearch.Timeout
	opts.Limiter = resilience.LimiterOpts{Rate: cfg.WebSearch.Rate, Burst: cfg.WebSearch.Burst}
	opts.Breaker = resilience.BreakerOpts{
		FailThreshold: cfg.WebSearch.BreakerFailures,
		Timeout:       cfg.WebSearch.BreakerTimeout,
		HalfOpenMax:   1,
	}
	opts.Failures = failures
	return opts
}

func openAIConfig(cfg *config.Config) oai.Config {
	return oai.Config{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		MaxRetries: cfg.OpenAI.MaxRetries,
	}
}
