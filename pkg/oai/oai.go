// Package oai provides embedding and completion clients for any
// OpenAI-compatible endpoint (OpenAI, vLLM, LM Studio, llama.cpp server).
package oai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/kisan-ai/kcc-assistant/pkg/fn"
)

// Config holds the endpoint and credentials.
type Config struct {
	APIKey     string
	BaseURL    string // optional
	MaxRetries int
}

func newClient(cfg Config) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return openai.NewClient(opts...)
}

// Embedder embeds text through the embeddings endpoint.
type Embedder struct {
	client openai.Client
	model  string
}

// NewEmbedder returns an Embedder. The API key is required.
func NewEmbedder(cfg Config, model string) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oai: missing api key")
	}
	return &Embedder{client: newClient(cfg), model: model}, nil
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request. Results are placed by the index the
// server reports, not by arrival order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("oai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("oai embed: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

// Generator answers prompts through the chat completions endpoint, sending
// the prompt as a single user message.
type Generator struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewGenerator returns a Generator. A positive timeout bounds every call.
func NewGenerator(cfg Config, model string, timeout time.Duration) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oai: missing api key")
	}
	return &Generator{client: newClient(cfg), model: model, timeout: timeout}, nil
}

// Model returns the chat model name.
func (g *Generator) Model() string { return g.model }

// Generate returns the first choice's content, trimmed.
func (g *Generator) Generate(ctx context.Context, prompt string) fn.Result[string] {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
	})
	if err != nil {
		return fn.Errf[string]("oai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fn.Errf[string]("oai generate: no choices returned")
	}
	return fn.Ok(strings.TrimSpace(resp.Choices[0].Message.Content))
}
