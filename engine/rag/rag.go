// Package rag answers farmer questions through a strict three-tier chain:
// KCC records close to the question, then web results, then the language
// model's own knowledge. Every answer is written by the language model.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kisan-ai/kcc-assistant/engine/domain"
	"github.com/kisan-ai/kcc-assistant/engine/filter"
	"github.com/kisan-ai/kcc-assistant/engine/semantic"
	"github.com/kisan-ai/kcc-assistant/engine/websearch"
	"github.com/kisan-ai/kcc-assistant/pkg/fn"
	"github.com/kisan-ai/kcc-assistant/pkg/metrics"
)

// Generator is the language model. An Err result is a failed call; Ok("")
// is a valid, empty completion.
type Generator interface {
	Generate(ctx context.Context, prompt string) fn.Result[string]
}

// Corpus resolves index IDs to record text.
type Corpus interface {
	Get(id int64) (string, bool)
}

// Deps are the collaborators of a Service. Web and Metrics may be nil.
type Deps struct {
	Embedder semantic.Embedder
	Index    semantic.Index
	Corpus   Corpus
	Filter   filter.Classifier
	Web      websearch.Searcher
	LLM      Generator
	Metrics  *metrics.Pipeline
}

// Options configures the pipeline.
type Options struct {
	TopK int
	// RelevanceThreshold is an exclusive upper bound on squared L2 distance.
	RelevanceThreshold float32
	SearchTimeout      time.Duration
	MaxWebResults      int
}

// DefaultOptions returns the settings tuned for the KCC corpus.
func DefaultOptions() Options {
	return Options{
		TopK:               5,
		RelevanceThreshold: 10.0,
		SearchTimeout:      5 * time.Second,
		MaxWebResults:      3,
	}
}

// Service is the retrieval pipeline. It holds no per-query state and is safe
// for concurrent use.
type Service struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	retrieve fn.Stage[string, []domain.Match]
	web      fn.Stage[string, []websearch.Result]
	generate fn.Stage[string, string]
}

// New validates deps and builds a Service.
func New(deps Deps, opts Options, logger *slog.Logger) (*Service, error) {
	switch {
	case deps.Embedder == nil:
		return nil, errors.New("rag: embedder is required")
	case deps.Index == nil:
		return nil, errors.New("rag: index is required")
	case deps.Corpus == nil:
		return nil, errors.New("rag: corpus is required")
	case deps.LLM == nil:
		return nil, errors.New("rag: language model is required")
	}
	if opts.TopK <= 0 {
		return nil, fmt.Errorf("rag: top-k must be positive, got %d", opts.TopK)
	}
	if deps.Filter == nil {
		deps.Filter = filter.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{deps: deps, opts: opts, logger: logger}
	s.retrieve = fn.TracedStage[string, []domain.Match]("rag.retrieve", s.retrieveStage)
	s.web = fn.TracedStage[string, []websearch.Result]("rag.websearch", s.webStage)
	s.generate = fn.TracedStage[string, string]("rag.generate", deps.LLM.Generate)
	return s, nil
}

// Query answers question. Only an invalid question or a broken index is
// returned as an error; a language model failure is reported in the result
// with Source set to domain.SourceError.
func (s *Service) Query(ctx context.Context, question string) (domain.QueryResult, error) {
	start := time.Now()
	q, err := domain.NormalizeQuery(question)
	if err != nil {
		return domain.QueryResult{}, err
	}
	res := domain.QueryResult{ID: uuid.NewString(), Query: q, Context: []string{}}

	matches, err := s.retrieve(ctx, q).Unwrap()
	if err != nil {
		return domain.QueryResult{}, err
	}
	records := fn.Map(matches, func(m domain.Match) string { return m.Text })
	specific := filter.Specific(s.deps.Filter, records)

	var prompt string
	if len(specific) > 0 {
		res.Tier = domain.SourceKCC
		res.Context = specific
		prompt = buildKCCPrompt(q, specific)
	} else if results := s.web(ctx, q).UnwrapOr(nil); len(results) > 0 {
		res.Tier = domain.SourceInternet
		prompt = buildInternetPrompt(q, websearch.Format(results))
	} else {
		res.Tier = domain.SourceLLM
		prompt = buildLLMPrompt(q)
	}

	answer, err := s.generate(ctx, prompt).Unwrap()
	if err != nil {
		s.logger.Error("generation failed", "err", err, "tier", res.Tier, "query_len", len(q))
		s.deps.Metrics.GenerationFailed()
		res.Source = domain.SourceError
		res.Context = []string{}
		res.Error = fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err).Error()
	} else {
		res.Source = res.Tier
		res.Answer = answer
	}

	elapsed := time.Since(start)
	res.ElapsedMS = elapsed.Milliseconds()
	s.deps.Metrics.Answered(string(res.Source), elapsed)
	s.logger.Info("query answered",
		"id", res.ID,
		"source", res.Source,
		"hits", len(matches),
		"context", len(res.Context),
		"elapsed", elapsed,
	)
	return res, nil
}

// Retrieve returns the distinct records closer than the relevance threshold,
// nearest first, before generic records are filtered out.
func (s *Service) Retrieve(ctx context.Context, question string) ([]domain.Match, error) {
	q, err := domain.NormalizeQuery(question)
	if err != nil {
		return nil, err
	}
	return s.retrieve(ctx, q).Unwrap()
}

// retrieveStage degrades to no matches when the embedder or the search
// fails, so the question still reaches the web and model tiers. A dimension
// mismatch means the deployment is broken and is returned.
func (s *Service) retrieveStage(ctx context.Context, q string) fn.Result[[]domain.Match] {
	vec, err := s.deps.Embedder.Embed(ctx, q)
	if err != nil {
		s.logger.Warn("embedding failed, skipping KCC tier", "err", err, "query_len", len(q))
		return fn.Ok[[]domain.Match](nil)
	}

	searchCtx := ctx
	if s.opts.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, s.opts.SearchTimeout)
		defer cancel()
	}
	hits, err := s.deps.Index.Search(searchCtx, vec, s.opts.TopK)
	if errors.Is(err, domain.ErrDimensionMismatch) {
		return fn.Errf[[]domain.Match]("rag: search: %w", err)
	}
	if err != nil {
		s.logger.Warn("index search failed, skipping KCC tier", "err", err)
		return fn.Ok[[]domain.Match](nil)
	}
	return fn.Ok(s.relevant(hits))
}

// relevant keeps hits strictly under the threshold that resolve to a record,
// dropping repeated texts but keeping the first occurrence's position.
func (s *Service) relevant(hits []semantic.Hit) []domain.Match {
	seen := make(map[string]bool, len(hits))
	var out []domain.Match
	for _, h := range hits {
		if h.ID == semantic.NoMatch || !(h.Distance < s.opts.RelevanceThreshold) {
			continue
		}
		text, ok := s.deps.Corpus.Get(h.ID)
		if !ok {
			s.logger.Warn("index returned id outside corpus", "id", h.ID)
			continue
		}
		if seen[text] {
			continue
		}
		seen[text] = true
		out = append(out, domain.Match{Distance: h.Distance, ID: h.ID, Text: text})
	}
	return out
}

func (s *Service) webStage(ctx context.Context, q string) fn.Result[[]websearch.Result] {
	if s.deps.Web == nil || s.opts.MaxWebResults <= 0 {
		return fn.Ok[[]websearch.Result](nil)
	}
	return fn.Ok(s.deps.Web.Search(ctx, q, s.opts.MaxWebResults))
}
