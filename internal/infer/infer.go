// Package infer proposes typed, confidence-scored edges between nodes with a
// registry of independent detectors and merges their candidates.
package infer

import (
	"sort"
	"strings"

	"kgindex/internal/graph"
)

// CandidateEdge is an edge proposed by a detector.
type CandidateEdge struct {
	Edge     graph.Edge
	Detector string
}

// CorpusIndex gives detectors read-only access to the lower-cased full text
// of every node.
type CorpusIndex struct {
	text map[string]string
}

// NewCorpusIndex builds an index from node id to full document text.
func NewCorpusIndex(texts map[string]string) *CorpusIndex {
	idx := &CorpusIndex{text: make(map[string]string, len(texts))}
	for id, t := range texts {
		idx.text[id] = strings.ToLower(t)
	}
	return idx
}

// Text returns the lower-cased text of a node, or "".
func (c *CorpusIndex) Text(id string) string {
	if c == nil {
		return ""
	}
	return c.text[id]
}

// Detector implements one heuristic relationship rule.
type Detector interface {
	Name() string
	Detect(nodes []graph.Node, corpus *CorpusIndex) []CandidateEdge
}

// DetectorFunc adapts a function into a Detector.
type DetectorFunc struct {
	Label string
	Fn    func(nodes []graph.Node, corpus *CorpusIndex) []CandidateEdge
}

func (d DetectorFunc) Name() string { return d.Label }

func (d DetectorFunc) Detect(nodes []graph.Node, corpus *CorpusIndex) []CandidateEdge {
	return d.Fn(nodes, corpus)
}

// Registry runs detectors in registration order.
type Registry struct {
	detectors []Detector
}

// NewRegistry creates a registry with the given detectors.
func NewRegistry(detectors ...Detector) *Registry {
	return &Registry{detectors: detectors}
}

// DefaultRegistry registers the built-in detectors.
func DefaultRegistry(th Thresholds) *Registry {
	return NewRegistry(
		Demonstrates(th),
		PairsWith(th),
		Prevents(th),
		Explains(th),
		Uses(th),
		RelatesTo(th),
		Supersedes(th),
	)
}

// Candidates runs every detector sequentially and returns their raw output.
func (r *Registry) Candidates(nodes []graph.Node, corpus *CorpusIndex) []CandidateEdge {
	sorted := append([]graph.Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	var out []CandidateEdge
	for _, d := range r.detectors {
		for _, c := range d.Detect(sorted, corpus) {
			if c.Detector == "" {
				c.Detector = d.Name()
			}
			out = append(out, c)
		}
	}
	return out
}

// Run detects and merges edges.
func (r *Registry) Run(nodes []graph.Node, corpus *CorpusIndex) []graph.Edge {
	return Merge(r.Candidates(nodes, corpus))
}

// Merge deduplicates candidates by (source, target, type). A later
// candidate replaces an earlier one only with strictly higher confidence.
// Self-loops are dropped. The result is sorted by key.
func Merge(candidates []CandidateEdge) []graph.Edge {
	best := make(map[graph.EdgeKey]graph.Edge, len(candidates))
	for _, c := range candidates {
		e := c.Edge
		if e.SourceID == e.TargetID {
			continue
		}
		e.Confidence = clamp(e.Confidence)
		k := e.Key()
		if prev, ok := best[k]; ok && prev.Confidence >= e.Confidence {
			continue
		}
		props := make(map[string]any, len(e.Properties)+1)
		for pk, pv := range e.Properties {
			props[pk] = pv
		}
		props["detector"] = c.Detector
		e.Properties = props
		best[k] = e
	}
	out := make([]graph.Edge, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func byType(nodes []graph.Node, t graph.NodeType) []graph.Node {
	var out []graph.Node
	for _, n := range nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func candidate(label string, src, dst graph.Node, rel graph.RelationshipType, conf float64, evidence string) CandidateEdge {
	return CandidateEdge{
		Detector: label,
		Edge: graph.Edge{
			SourceID:   src.ID,
			TargetID:   dst.ID,
			Type:       rel,
			Confidence: conf,
			Evidence:   evidence,
		},
	}
}
