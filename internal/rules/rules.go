// Package rules maps corpus paths to node types via ordered path glob rules.
package rules

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"kgindex/internal/graph"
)

// FileName is the optional rules file at the corpus root.
const FileName = "kgindex.rules.yaml"

// TypeRule assigns a node type and collection to paths matching any of its globs.
// Globs are matched against the lower-cased, slash-separated relative path.
type TypeRule struct {
	Type       graph.NodeType   `yaml:"type"`
	Collection graph.Collection `yaml:"collection"`
	Paths      []string         `yaml:"paths"`
}

// RulesConfig is the on-disk rules document.
type RulesConfig struct {
	Rules []TypeRule `yaml:"rules"`
}

// Matcher resolves paths to the first matching rule.
type Matcher struct {
	rules []TypeRule
}

// Defaults follow the knowledge base layout conventions. Order matters: the
// first matching rule wins, so the narrower vulnerable-contract globs come
// before the template globs.
var Defaults = []TypeRule{
	{Type: graph.TypeProtocolVersion, Collection: graph.CollectionResearch, Paths: []string{"**/protocol-versions/**"}},
	{Type: graph.TypeVulnerableContract, Collection: graph.CollectionResearch, Paths: []string{"**/not-so-smart*/**/*.sol", "**/vulnerable*/**/*.sol"}},
	{Type: graph.TypeTemplate, Collection: graph.CollectionAction, Paths: []string{"**/*contract-templates*/**/*.sol", "**/templates/**/*.sol"}},
	{Type: graph.TypeVulnerability, Collection: graph.CollectionAction, Paths: []string{"**/*attack-prevention*/**/*.md"}},
	{Type: graph.TypeDeepDive, Collection: graph.CollectionResearch, Paths: []string{"**/*deep-dive*.md", "**/*deepdive*.md"}},
	{Type: graph.TypeIntegration, Collection: graph.CollectionResearch, Paths: []string{"**/*integration*.md"}},
	{Type: graph.TypePattern, Collection: graph.CollectionAction, Paths: []string{"**/*patterns*/**/*.md", "**/*pattern-catalog*.md"}},
}

// NewMatcher creates a matcher from rules.
func NewMatcher(rules []TypeRule) *Matcher {
	return &Matcher{rules: rules}
}

// Default returns a matcher over Defaults.
func Default() *Matcher {
	return NewMatcher(Defaults)
}

// Load reads rules from a YAML file.
func Load(path string) (*Matcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return parse(data)
}

// LoadOrDefault reads rules from path, falling back to Defaults when the file does not exist.
func LoadOrDefault(path string) (*Matcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Matcher, error) {
	var cfg RulesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	for i, r := range cfg.Rules {
		if !r.Type.Valid() {
			return nil, fmt.Errorf("rule %d: unknown node type %q", i, r.Type)
		}
		for _, p := range r.Paths {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("rule %d: invalid glob %q", i, p)
			}
		}
	}
	return NewMatcher(cfg.Rules), nil
}

// Match returns the first rule whose globs match path.
func (m *Matcher) Match(path string) (TypeRule, bool) {
	path = strings.ToLower(strings.TrimPrefix(path, "./"))
	for _, r := range m.rules {
		for _, pattern := range r.Paths {
			ok, err := doublestar.Match(pattern, path)
			if err != nil {
				continue
			}
			if ok {
				return r, true
			}
		}
	}
	return TypeRule{}, false
}

// Rules returns the configured rules in match order.
func (m *Matcher) Rules() []TypeRule {
	return m.rules
}
