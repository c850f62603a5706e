// Package filter drops KCC records that carry no actionable advice, such as
// call-centre boilerplate about weather queries or "information given".
package filter

import (
	"strings"

	"github.com/kisan-ai/kcc-assistant/pkg/fn"
)

// DefaultPhrases mark a record as generic.
var DefaultPhrases = []string{
	"given necessary information",
	"farmer asked query",
	"query on weather",
	"information regarding",
}

// Classifier decides whether a record is too generic to answer from.
type Classifier interface {
	IsGeneric(text string) bool
}

// Filter is a case-insensitive substring classifier. It is immutable and
// safe for concurrent use.
type Filter struct {
	phrases []string
}

// New returns a Filter for phrases. Phrases are trimmed and lower-cased;
// blanks are ignored.
func New(phrases []string) *Filter {
	f := &Filter{}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			f.phrases = append(f.phrases, p)
		}
	}
	return f
}

// Default returns a Filter over DefaultPhrases.
func Default() *Filter { return New(DefaultPhrases) }

// Phrases returns a copy of the normalized phrase list.
func (f *Filter) Phrases() []string {
	return append([]string(nil), f.phrases...)
}

func (f *Filter) IsGeneric(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range f.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Specific returns the texts c does not classify as generic, in order.
func Specific(c Classifier, texts []string) []string {
	return fn.Filter(texts, func(t string) bool { return !c.IsGeneric(t) })
}
