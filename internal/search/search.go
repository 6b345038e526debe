// Package search defines the web-search tool offered to analysis backends.
package search

import (
	"context"
	"fmt"
	"strings"
)

// Searcher runs a web search query.
type Searcher interface {
	Search(ctx context.Context, query string) (*Results, error)
}

// Results is a search response. Answer is a short synthesized answer when
// the provider returns one.
type Results struct {
	Query  string `json:"query"`
	Answer string `json:"answer,omitempty"`
	Hits   []Hit  `json:"results"`
}

type Hit struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Summary renders r as plain text for a model that cannot take structured
// tool output.
func (r *Results) Summary() string {
	var b strings.Builder
	if r.Answer != "" {
		fmt.Fprintf(&b, "Answer: %s\n\n", r.Answer)
	}
	for i, h := range r.Hits {
		fmt.Fprintf(&b, "%d. %s (%s)\n%s\n", i+1, h.Title, h.URL, h.Content)
	}
	if b.Len() == 0 {
		return "No results."
	}
	return strings.TrimRight(b.String(), "\n")
}
