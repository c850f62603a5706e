package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kisan-ai/kcc-assistant/pkg/fn"
)

// Generator produces completions through /api/generate.
type Generator struct {
	baseURL string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewGenerator creates a completion client. A positive timeout bounds every
// Generate call.
func NewGenerator(baseURL, model string, timeout time.Duration) *Generator {
	return &Generator{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// Model returns the generation model name.
func (g *Generator) Model() string { return g.model }

type generateReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResp struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Generate sends prompt to the model and returns the trimmed completion.
// A missing response field yields Ok(""); transport, status and decode
// failures yield Err.
func (g *Generator) Generate(ctx context.Context, prompt string) fn.Result[string] {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	body, err := json.Marshal(generateReq{Model: g.model, Prompt: prompt, Stream: false})
	if err != nil {
		return fn.Errf[string]("ollama generate: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fn.Errf[string]("ollama generate: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fn.Errf[string]("ollama generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fn.Errf[string]("ollama generate: status %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}

	var out generateResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fn.Errf[string]("ollama generate decode: %w", err)
	}
	if out.Error != "" {
		return fn.Errf[string]("ollama generate: %s", out.Error)
	}
	return fn.Ok(strings.TrimSpace(out.Response))
}
