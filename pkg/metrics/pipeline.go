package metrics

import "time"

// Pipeline is the metric set of the query pipeline. A nil *Pipeline is
// valid and records nothing.
type Pipeline struct {
	reg              *Registry
	Duration         *Histogram
	WebSearchFailure *Counter
	LLMFailure       *Counter
}

// NewPipeline registers the pipeline metrics on r.
func NewPipeline(r *Registry) *Pipeline {
	return &Pipeline{
		reg:              r,
		Duration:         r.Histogram("kcc_query_duration_seconds", "End-to-end query latency", nil),
		WebSearchFailure: r.Counter("kcc_websearch_failures_total", "Web searches that failed or were skipped by the breaker or limiter"),
		LLMFailure:       r.Counter("kcc_llm_failures_total", "Language model calls that returned an error"),
	}
}

// Answered records one finished query under its source label.
func (p *Pipeline) Answered(source string, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.reg.Counter(WithLabels("kcc_queries_total", "source", source), "Answered queries by source").Inc()
	p.Duration.Observe(elapsed.Seconds())
}

// GenerationFailed records a language model failure.
func (p *Pipeline) GenerationFailed() {
	if p == nil {
		return
	}
	p.LLMFailure.Inc()
}
