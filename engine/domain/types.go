// Package domain defines the core types, sentinel errors and query validation
// shared by the KCC retrieval pipeline and its front-ends.
package domain

import (
	"fmt"
	"strings"
)

// Source tags which fallback tier produced an answer.
type Source string

const (
	SourceKCC      Source = "KCC"
	SourceInternet Source = "Internet + LLM"
	SourceLLM      Source = "LLM"
	SourceError    Source = "Error"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceKCC, SourceInternet, SourceLLM, SourceError:
		return true
	}
	return false
}

// Match pairs a corpus record with its distance from the query vector.
type Match struct {
	Distance float32
	ID       int64
	Text     string
}

// QueryResult is the structured answer returned for one query.
// Context is only populated when Source is SourceKCC.
type QueryResult struct {
	ID        string   `json:"id"`
	Query     string   `json:"query"`
	Source    Source   `json:"source"`
	Context   []string `json:"context"`
	Answer    string   `json:"answer"`
	Tier      Source   `json:"tier,omitempty"`
	Error     string   `json:"error,omitempty"`
	ElapsedMS int64    `json:"elapsed_ms"`
}

// Failed reports whether the language model call behind the answer failed.
func (r QueryResult) Failed() bool { return r.Source == SourceError }

// FormatRecord renders a question/answer pair the way corpus records are stored.
func FormatRecord(question, answer string) string {
	return fmt.Sprintf("Q: %s\nA: %s", question, answer)
}

// SplitRecord is the inverse of FormatRecord. ok is false when text does not
// follow the record layout.
func SplitRecord(text string) (question, answer string, ok bool) {
	q, a, found := strings.Cut(text, "\nA: ")
	if !found || !strings.HasPrefix(q, "Q: ") {
		return "", "", false
	}
	return strings.TrimPrefix(q, "Q: "), a, true
}
