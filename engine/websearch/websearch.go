// Package websearch fetches short web snippets for questions the KCC corpus
// cannot answer. Failures never propagate: callers get nil and move on.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kisan-ai/kcc-assistant/pkg/fn"
	"github.com/kisan-ai/kcc-assistant/pkg/resilience"
)

// Result is one web snippet.
type Result struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Link  string `json:"href"`
}

// Searcher is what the retrieval pipeline needs from web search.
type Searcher interface {
	Search(ctx context.Context, query string, max int) []Result
}

// Counter is incremented once per failed search.
type Counter interface {
	Inc()
}

// Options configures the DuckDuckGo client.
type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Breaker   resilience.BreakerOpts
	Limiter   resilience.LimiterOpts
	Failures  Counter // optional
}

// DefaultOptions returns settings suitable for the public endpoint.
func DefaultOptions() Options {
	return Options{
		BaseURL:   "https://api.duckduckgo.com",
		UserAgent: "kcc-assistant/1.0",
		Timeout:   5 * time.Second,
		Breaker:   resilience.DefaultBreakerOpts,
		Limiter:   resilience.LimiterOpts{Rate: 1, Burst: 10},
	}
}

// Client queries the DuckDuckGo Instant Answer API.
type Client struct {
	opts    Options
	http    *http.Client
	breaker *resilience.Breaker
	limiter *resilience.Limiter
	logger  *slog.Logger
}

// New creates a Client.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Breaker.OnStateChange == nil {
		opts.Breaker.OnStateChange = func(from, to resilience.State) {
			logger.Warn("web search circuit changed", "from", from.String(), "to", to.String())
		}
	}
	return &Client{
		opts:    opts,
		http:    &http.Client{},
		breaker: resilience.NewBreaker(opts.Breaker),
		limiter: resilience.NewLimiter(opts.Limiter),
		logger:  logger,
	}
}

// Search returns up to max results, or nil when nothing was found or the
// search failed for any reason.
func (c *Client) Search(ctx context.Context, query string, max int) []Result {
	if max <= 0 || strings.TrimSpace(query) == "" {
		return nil
	}
	var res fn.Result[[]Result]
	err := c.limiter.Call(ctx, func(ctx context.Context) error {
		res = resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[[]Result] {
			v, err := c.fetch(ctx, query)
			return fn.FromPair(v, err)
		})
		return res.Error()
	})
	if err != nil {
		if unavailable(err) {
			c.logger.Info("web search skipped", "err", err)
		} else {
			c.logger.Warn("web search failed", "err", err, "query_len", len(query))
		}
		if c.opts.Failures != nil {
			c.opts.Failures.Inc()
		}
		return nil
	}
	results := res.UnwrapOr(nil)
	if len(results) > max {
		results = results[:max]
	}
	if len(results) == 0 {
		return nil
	}
	return results
}

type instantAnswer struct {
	Heading       string  `json:"Heading"`
	AbstractText  string  `json:"AbstractText"`
	AbstractURL   string  `json:"AbstractURL"`
	RelatedTopics []topic `json:"RelatedTopics"`
}

type topic struct {
	Text     string  `json:"Text"`
	FirstURL string  `json:"FirstURL"`
	Name     string  `json:"Name"`
	Topics   []topic `json:"Topics"`
}

func (c *Client) fetch(ctx context.Context, query string) ([]Result, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("websearch: new request: %w", err)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websearch: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("websearch: status %d", resp.StatusCode)
	}

	var ia instantAnswer
	if err := json.NewDecoder(resp.Body).Decode(&ia); err != nil {
		return nil, fmt.Errorf("websearch: decode: %w", err)
	}
	return ia.results(), nil
}

func (ia instantAnswer) results() []Result {
	var out []Result
	if body := strings.TrimSpace(ia.AbstractText); body != "" {
		out = append(out, Result{Title: ia.Heading, Body: body, Link: ia.AbstractURL})
	}
	var walk func([]topic)
	walk = func(ts []topic) {
		for _, t := range ts {
			if len(t.Topics) > 0 {
				walk(t.Topics)
				continue
			}
			text := strings.TrimSpace(t.Text)
			if text == "" {
				continue
			}
			title := text
			if head, _, ok := strings.Cut(text, " - "); ok {
				title = head
			}
			out = append(out, Result{Title: title, Body: text, Link: t.FirstURL})
		}
	}
	walk(ia.RelatedTopics)
	return out
}

// Format renders results as "title\nbody\nLink: href" blocks separated by a
// blank line.
func Format(results []Result) string {
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = r.Title + "\n" + r.Body + "\nLink: " + r.Link
	}
	return strings.Join(blocks, "\n\n")
}

// unavailable reports whether err came from the breaker or the limiter
// rather than the remote service.
func unavailable(err error) bool {
	return errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrRateLimited)
}
