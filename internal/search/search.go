// Package search tokenizes node text into postings for the lexical
// full-text index and renders result snippets.
package search

import (
	"errors"
	"sort"
	"strings"
	"unicode"

	"kgindex/internal/graph"
)

// NameWeight is the score multiplier for a term found in a node name.
const NameWeight = 3

// ErrInvalidTopK is returned when a search asks for zero or fewer results.
var ErrInvalidTopK = errors.New("top_k must be positive")

// Hit is one ranked search result.
type Hit struct {
	NodeID  string  `json:"node_id"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Posting records how often a term occurs in one node's name and body.
type Posting struct {
	Term   string
	NodeID string
	NameTF int
	BodyTF int
}

// Score is the weighted term frequency of the posting.
func (p Posting) Score() int {
	return NameWeight*p.NameTF + p.BodyTF
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "if": true, "in": true, "into": true, "is": true, "it": true,
	"its": true, "no": true, "not": true, "of": true, "on": true, "or": true,
	"such": true, "that": true, "the": true, "their": true, "then": true,
	"there": true, "these": true, "they": true, "this": true, "to": true,
	"was": true, "were": true, "will": true, "with": true, "which": true,
	"when": true, "can": true, "all": true, "any": true, "we": true, "you": true,
}

func splitter(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// Tokenize lower-cases s, splits it on non-alphanumeric runes and drops stop words.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), splitter)
	out := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}

// QueryTerms returns the unique tokens of a query in first-seen order.
func QueryTerms(q string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, t := range Tokenize(q) {
		if !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}
	return terms
}

// BuildPostings indexes the name and excerpt of every node.
// The result is sorted by term then node id.
func BuildPostings(nodes []graph.Node) []Posting {
	var out []Posting
	for _, n := range nodes {
		counts := make(map[string]*Posting)
		get := func(term string) *Posting {
			p, ok := counts[term]
			if !ok {
				p = &Posting{Term: term, NodeID: n.ID}
				counts[term] = p
			}
			return p
		}
		for _, t := range Tokenize(n.Name) {
			get(t).NameTF++
		}
		for _, t := range Tokenize(n.ContentExcerpt) {
			get(t).BodyTF++
		}
		for _, p := range counts {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Term != out[j].Term {
			return out[i].Term < out[j].Term
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Snippet returns up to width runes of text around the first occurrence of
// any term, with ellipses marking truncation. Without a match it returns
// the head of text.
func Snippet(text string, terms []string, width int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if width <= 0 || len(runes) <= width {
		return text
	}
	lower := []rune(strings.ToLower(text))
	at := -1
	for _, term := range terms {
		if i := runeIndex(lower, []rune(term)); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	start := 0
	if at > 0 {
		start = at - width/4
		if start < 0 {
			start = 0
		}
	}
	end := start + width
	if end > len(runes) {
		end = len(runes)
		start = end - width
	}
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(strings.TrimSpace(string(runes[start:end])))
	if end < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}

func runeIndex(hay, needle []rune) int {
	if len(needle) == 0 {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(hay); i++ {
		for j := range needle {
			if hay[i+j] != needle[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}
