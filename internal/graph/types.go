// Package graph provides the core types of the knowledge graph: typed nodes
// extracted from corpus documents, confidence-scored edges between them and
// the version record of a committed generation.
package graph

import (
	"fmt"
	"time"
)

// NodeType represents the type of a node.
type NodeType string

const (
	TypeVulnerability      NodeType = "Vulnerability"
	TypeTemplate           NodeType = "Template"
	TypeDeepDive           NodeType = "DeepDive"
	TypeIntegration        NodeType = "Integration"
	TypeVulnerableContract NodeType = "VulnerableContract"
	TypePattern            NodeType = "Pattern"
	TypeProtocolVersion    NodeType = "ProtocolVersion"
)

// NodeTypes lists every known node type.
var NodeTypes = []NodeType{
	TypeVulnerability,
	TypeTemplate,
	TypeDeepDive,
	TypeIntegration,
	TypeVulnerableContract,
	TypePattern,
	TypeProtocolVersion,
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Collection is the knowledge base a node was extracted from.
type Collection string

const (
	CollectionAction   Collection = "Action"
	CollectionResearch Collection = "Research"
)

// RelationshipType represents the type of relationship between nodes.
type RelationshipType string

const (
	RelDemonstrates RelationshipType = "DEMONSTRATES" // VulnerableContract -> Vulnerability
	RelPairsWith    RelationshipType = "PAIRS_WITH"   // DeepDive <-> Integration
	RelPrevents     RelationshipType = "PREVENTS"     // Template/VulnerableContract -> Vulnerability
	RelExplains     RelationshipType = "EXPLAINS"     // DeepDive -> Vulnerability
	RelUses         RelationshipType = "USES"         // Integration -> Template
	RelRelatesTo    RelationshipType = "RELATES_TO"   // any <-> any, shared domain keywords
	RelSupersedes   RelationshipType = "SUPERSEDES"   // ProtocolVersion -> older ProtocolVersion
)

// RelationshipTypes lists every known relationship type.
var RelationshipTypes = []RelationshipType{
	RelDemonstrates,
	RelPairsWith,
	RelPrevents,
	RelExplains,
	RelUses,
	RelRelatesTo,
	RelSupersedes,
}

// Valid reports whether r is a known relationship type.
func (r RelationshipType) Valid() bool {
	for _, known := range RelationshipTypes {
		if r == known {
			return true
		}
	}
	return false
}

// Direction selects which edges of a node are returned by a related query.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// ParseDirection parses a direction, defaulting to both when s is empty.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "":
		return DirectionBoth, nil
	case DirectionOut, DirectionIn, DirectionBoth:
		return Direction(s), nil
	}
	return "", fmt.Errorf("invalid direction %q (want out, in or both)", s)
}

// Node represents an entity extracted from a corpus document.
type Node struct {
	ID             string         `json:"id"`
	Type           NodeType       `json:"type"`
	Name           string         `json:"name"`
	Collection     Collection     `json:"source_collection"`
	FilePath       string         `json:"file_path"`
	Attributes     map[string]any `json:"attributes"`
	ContentExcerpt string         `json:"content_excerpt"`
}

// Attr returns the string form of a scalar attribute, or "".
func (n *Node) Attr(key string) string {
	if n.Attributes == nil {
		return ""
	}
	switch v := n.Attributes[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// AttrList returns a list attribute as strings. Scalars become one-element lists.
func (n *Node) AttrList(key string) []string {
	if n.Attributes == nil {
		return nil
	}
	switch v := n.Attributes[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// EdgeKey identifies an edge. At most one edge exists per key.
type EdgeKey struct {
	SourceID string           `json:"source_id"`
	TargetID string           `json:"target_id"`
	Type     RelationshipType `json:"relationship_type"`
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", k.SourceID, k.Type, k.TargetID)
}

// Less orders keys by source, target, then type.
func (k EdgeKey) Less(o EdgeKey) bool {
	if k.SourceID != o.SourceID {
		return k.SourceID < o.SourceID
	}
	if k.TargetID != o.TargetID {
		return k.TargetID < o.TargetID
	}
	return k.Type < o.Type
}

// Edge represents a typed, confidence-scored relationship between two nodes.
type Edge struct {
	SourceID   string           `json:"source_id"`
	TargetID   string           `json:"target_id"`
	Type       RelationshipType `json:"relationship_type"`
	Confidence float64          `json:"confidence"`
	Evidence   string           `json:"evidence"`
	Properties map[string]any   `json:"properties,omitempty"`
}

// Key returns the (source, target, type) triple of the edge.
func (e Edge) Key() EdgeKey {
	return EdgeKey{SourceID: e.SourceID, TargetID: e.TargetID, Type: e.Type}
}

// VersionRecord describes the committed generation. It is persisted as version.json.
type VersionRecord struct {
	Version        string    `json:"version"`
	CorpusChecksum string    `json:"corpus_checksum"`
	NodeCount      int       `json:"node_count"`
	EdgeCount      int       `json:"edge_count"`
	LastRebuild    time.Time `json:"last_rebuild"`
}

// InitialVersion is the version of the first committed generation.
const InitialVersion = "1.0.0"
