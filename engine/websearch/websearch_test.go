package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kisan-ai/kcc-assistant/pkg/resilience"
)

type countingCounter struct{ n atomic.Int64 }

func (c *countingCounter) Inc() { c.n.Add(1) }

const sampleAnswer = `{
  "Heading": "Whitefly",
  "AbstractText": "Whiteflies are sap-sucking insects.",
  "AbstractURL": "https://en.wikipedia.org/wiki/Whitefly",
  "RelatedTopics": [
    {"Text": "Bemisia tabaci - A species of whitefly.", "FirstURL": "https://duckduckgo.com/Bemisia_tabaci"},
    {"Name": "Control", "Topics": [
      {"Text": "Neem oil - A vegetable oil pesticide.", "FirstURL": "https://duckduckgo.com/Neem_oil"},
      {"Text": "", "FirstURL": "https://duckduckgo.com/empty"}
    ]},
    {"Text": "Yellow sticky traps", "FirstURL": "https://duckduckgo.com/Traps"}
  ]
}`

func testOptions(url string) Options {
	opts := DefaultOptions()
	opts.BaseURL = url
	opts.Timeout = time.Second
	opts.Limiter = resilience.LimiterOpts{}
	return opts
}

func TestSearch_ParsesInstantAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("q") != "whitefly control" || q.Get("format") != "json" || q.Get("no_html") != "1" {
			t.Errorf("unexpected query %v", q)
		}
		fmt.Fprint(w, sampleAnswer)
	}))
	defer srv.Close()

	c := New(testOptions(srv.URL), nil)
	got := c.Search(context.Background(), "whitefly control", 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d: %v", len(got), got)
	}
	if got[0].Title != "Whitefly" || got[0].Link != "https://en.wikipedia.org/wiki/Whitefly" {
		t.Errorf("abstract should come first, got %+v", got[0])
	}
	if got[1].Title != "Bemisia tabaci" || got[1].Body != "Bemisia tabaci - A species of whitefly." {
		t.Errorf("unexpected topic %+v", got[1])
	}
	if got[2].Title != "Neem oil" {
		t.Errorf("nested topics should be flattened, got %+v", got[2])
	}
}

func TestSearch_AllResultsWhenUnderMax(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, sampleAnswer)
	}))
	defer srv.Close()

	got := New(testOptions(srv.URL), nil).Search(context.Background(), "whitefly", 10)
	if len(got) != 4 {
		t.Fatalf("expected 4 results, got %d", len(got))
	}
	if got[3].Title != "Yellow sticky traps" {
		t.Errorf("text without separator should be its own title, got %+v", got[3])
	}
}

func TestSearch_EmptyAnswerIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"Heading":"","AbstractText":"","RelatedTopics":[]}`)
	}))
	defer srv.Close()

	failures := &countingCounter{}
	opts := testOptions(srv.URL)
	opts.Failures = failures
	if got := New(opts, nil).Search(context.Background(), "zzz", 3); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	if failures.n.Load() != 0 {
		t.Error("no results is not a failure")
	}
}

func TestSearch_FailuresReturnNil(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }},
		{"decode", func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "<html>") }},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			failures := &countingCounter{}
			opts := testOptions(srv.URL)
			opts.Timeout = 100 * time.Millisecond
			opts.Failures = failures
			if got := New(opts, nil).Search(context.Background(), "q", 3); got != nil {
				t.Fatalf("expected nil, got %v", got)
			}
			if failures.n.Load() != 1 {
				t.Errorf("expected 1 failure, got %d", failures.n.Load())
			}
		})
	}
}

func TestSearch_UnreachableHost(t *testing.T) {
	if got := New(testOptions("http://127.0.0.1:1"), nil).Search(context.Background(), "q", 3); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestSearch_BreakerOpens(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.Breaker = resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Minute, HalfOpenMax: 1}
	c := New(opts, nil)
	for i := 0; i < 5; i++ {
		c.Search(context.Background(), "q", 3)
	}
	if hits.Load() != 2 {
		t.Errorf("expected breaker to stop calls after 2 failures, server saw %d", hits.Load())
	}
}

func TestSearch_RateLimited(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, sampleAnswer)
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.Limiter = resilience.LimiterOpts{Rate: 0.001, Burst: 1}
	c := New(opts, nil)
	if c.Search(context.Background(), "q", 3) == nil {
		t.Fatal("first call should pass")
	}
	if c.Search(context.Background(), "q", 3) != nil {
		t.Fatal("second call should be rate limited")
	}
	if hits.Load() != 1 {
		t.Errorf("server saw %d requests, want 1", hits.Load())
	}
}

func TestSearch_DefaultLimiterAdmitsConcurrentBurst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, sampleAnswer)
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.BaseURL = srv.URL
	opts.Timeout = time.Second
	failures := &countingCounter{}
	opts.Failures = failures
	c := New(opts, nil)

	const n = 8
	var wg sync.WaitGroup
	var ok atomic.Int64
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Search(context.Background(), "whitefly", 3) != nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != n {
		t.Errorf("%d of %d concurrent searches answered", ok.Load(), n)
	}
	if failures.n.Load() != 0 {
		t.Errorf("failures = %d, want 0", failures.n.Load())
	}
}

func TestSearch_RateLimitedCountsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, sampleAnswer)
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.Limiter = resilience.LimiterOpts{Rate: 0.001, Burst: 1}
	failures := &countingCounter{}
	opts.Failures = failures
	c := New(opts, nil)
	c.Search(context.Background(), "q", 3)
	if c.Search(context.Background(), "q", 3) != nil {
		t.Fatal("second call should be rate limited")
	}
	if failures.n.Load() != 1 {
		t.Errorf("failures = %d, want 1", failures.n.Load())
	}
}

func TestSearch_NoQueryOrMax(t *testing.T) {
	c := New(testOptions("http://127.0.0.1:1"), nil)
	if c.Search(context.Background(), "  ", 3) != nil || c.Search(context.Background(), "q", 0) != nil {
		t.Fatal("expected nil")
	}
}

func TestFormat(t *testing.T) {
	got := Format([]Result{
		{Title: "A", Body: "first", Link: "https://a"},
		{Title: "B", Body: "second", Link: "https://b"},
	})
	want := "A\nfirst\nLink: https://a\n\nB\nsecond\nLink: https://b"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
	if Format(nil) != "" {
		t.Error("Format(nil) should be empty")
	}
}
