// Package extract turns corpus files into typed graph nodes.
//
// Extraction is a pure function of a file's path and content. The node type
// comes from path rules; headers, front matter and import statements fill in
// the attributes.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"kgindex/internal/cas"
	"kgindex/internal/corpus"
	"kgindex/internal/graph"
	"kgindex/internal/logger"
	"kgindex/internal/rules"
	"kgindex/internal/vocab"
)

// DefaultExcerptRunes is the default content excerpt length.
const DefaultExcerptRunes = 2000

// ErrBinary is wrapped by warnings for files that are not valid UTF-8 text.
var ErrBinary = errors.New("binary or invalid UTF-8 content")

// Warning reports a file that was skipped because its content is malformed.
type Warning struct {
	Path string
	Err  error
}

func (w *Warning) Error() string {
	return fmt.Sprintf("extract %s: %v", w.Path, w.Err)
}

func (w *Warning) Unwrap() error {
	return w.Err
}

// Extractor builds nodes from files.
type Extractor struct {
	Rules        *rules.Matcher
	ExcerptRunes int
}

// New creates an extractor with the given rules, or the default rules when nil.
func New(m *rules.Matcher) *Extractor {
	if m == nil {
		m = rules.Default()
	}
	return &Extractor{Rules: m, ExcerptRunes: DefaultExcerptRunes}
}

// Extract parses a single file. Files that match no rule yield no nodes and
// no error. Malformed files yield no nodes and a *Warning.
func (x *Extractor) Extract(filePath string, content []byte) (nodes []graph.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			nodes = nil
			err = &Warning{Path: filePath, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	rule, ok := x.rules().Match(filePath)
	if !ok {
		return nil, nil
	}
	if !utf8.Valid(content) || bytes.IndexByte(content, 0) >= 0 {
		return nil, &Warning{Path: filePath, Err: ErrBinary}
	}

	fm, body, err := splitFrontMatter(content)
	if err != nil {
		return nil, &Warning{Path: filePath, Err: err}
	}
	headers := scanHeaders(body)

	id, err := cas.NodeIDHex(string(rule.Type), filePath)
	if err != nil {
		return nil, &Warning{Path: filePath, Err: err}
	}
	n := graph.Node{
		ID:         id,
		Type:       rule.Type,
		FilePath:   filePath,
		Collection: collectionFor(filePath, rule.Collection),
		Attributes: make(map[string]any),
	}
	for k, v := range fm {
		if av, ok := attrValue(v); ok {
			n.Attributes[k] = av
		}
	}
	for k, v := range headers {
		if _, set := n.Attributes[k]; !set {
			n.Attributes[k] = v
		}
	}
	n.Attributes["lines"] = countLines(content)

	n.Name = x.name(rule.Type, filePath, fm, body)
	text := string(body)

	switch rule.Type {
	case graph.TypeVulnerability:
		vulnerabilityAttrs(&n)
	case graph.TypeTemplate:
		solidityAttrs(&n, text)
		if n.Attr("token_standard") == "" {
			std := vocab.TokenStandard(n.Name)
			if std == "" {
				std = vocab.TokenStandard(strings.Join(n.AttrList("imports"), " "))
			}
			if std == "" {
				std = vocab.TokenStandard(text)
			}
			if std != "" {
				n.Attributes["token_standard"] = std
			}
		}
	case graph.TypeVulnerableContract:
		solidityAttrs(&n, text)
		if dir := path.Base(path.Dir(filePath)); dir != "." && dir != "/" {
			n.Attributes["vulnerability_type"] = dir
		}
	case graph.TypeDeepDive, graph.TypeIntegration:
		if n.Attr("protocol") == "" {
			n.Attributes["protocol"] = protocolFromStem(stem(filePath))
		}
	case graph.TypeProtocolVersion:
		if n.Attr("protocol_family") == "" {
			n.Attributes["protocol_family"] = familyFromPath(filePath)
		}
		if n.Attr("version") == "" {
			if v := versionFromStem(stem(filePath)); v != "" {
				n.Attributes["version"] = v
			}
		}
	}

	for _, key := range []string{"loss_amount", "loss"} {
		raw, ok := n.Attributes[key].(string)
		if !ok {
			continue
		}
		delete(n.Attributes, key)
		if usd, ok := ParseLoss(raw); ok {
			n.Attributes["loss_amount"] = usd
		}
	}
	if kw, ok := n.Attributes["keywords"].(string); ok {
		n.Attributes["keywords"] = lowerSet(splitList(kw))
	}
	if domains := vocab.Domains(n.Name + " " + filePath); len(domains) > 0 {
		n.Attributes["domains"] = domains
	}

	n.ContentExcerpt = excerpt(text, x.excerptRunes())
	return []graph.Node{n}, nil
}

// ExtractAll extracts every file with at most workers goroutines. Per-file
// failures become warnings. The nodes are sorted by id so the result does
// not depend on scheduling.
func (x *Extractor) ExtractAll(ctx context.Context, files []corpus.File, workers int) ([]graph.Node, []*Warning, error) {
	if workers <= 0 {
		workers = 1
	}
	slots := make([][]graph.Node, len(files))
	warns := make([]*Warning, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f := files[i]
			nodes, err := x.Extract(f.Path, f.Content)
			if err != nil {
				var w *Warning
				if !errors.As(err, &w) {
					w = &Warning{Path: f.Path, Err: err}
				}
				warns[i] = w
				return nil
			}
			slots[i] = nodes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var nodes []graph.Node
	for _, s := range slots {
		nodes = append(nodes, s...)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	var warnings []*Warning
	for _, w := range warns {
		if w != nil {
			logger.Warn("skipping malformed file", "path", w.Path, "error", w.Err)
			warnings = append(warnings, w)
		}
	}
	return nodes, warnings, nil
}

func (x *Extractor) rules() *rules.Matcher {
	if x.Rules == nil {
		return rules.Default()
	}
	return x.Rules
}

func (x *Extractor) excerptRunes() int {
	if x.ExcerptRunes <= 0 {
		return DefaultExcerptRunes
	}
	return x.ExcerptRunes
}

func (x *Extractor) name(t graph.NodeType, filePath string, fm map[string]any, body []byte) string {
	switch t {
	case graph.TypeTemplate, graph.TypeVulnerableContract:
		return path.Base(filePath)
	case graph.TypeVulnerability:
		return titleCase(vocab.Slug(stem(filePath)))
	}
	for _, key := range []string{"name", "title"} {
		if s, ok := fm[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	if h := firstHeading(body); h != "" {
		return h
	}
	return titleCase(vocab.Slug(stem(filePath)))
}

func vulnerabilityAttrs(n *graph.Node) {
	slug := vocab.Slug(stem(n.FilePath))
	n.Attributes["slug"] = slug
	var keywords []string
	switch v := n.Attributes["keywords"].(type) {
	case []string:
		keywords = v
	case string:
		keywords = splitList(v)
	}
	if cat, ok := vocab.CategoryFor(slug); ok {
		n.Attributes["category"] = cat
		keywords = append(keywords, vocab.VulnerabilityKeywords[cat]...)
	} else {
		keywords = append(keywords, strings.ReplaceAll(slug, "_", " "))
	}
	n.Attributes["keywords"] = lowerSet(keywords)
	if sev := n.Attr("severity"); sev != "" {
		n.Attributes["severity"] = capitalize(sev)
	}
}

func solidityAttrs(n *graph.Node, src string) {
	if imports := solidityImports(src); len(imports) > 0 {
		n.Attributes["imports"] = imports
	}
	if v := solidityVersion(src); v != "" {
		n.Attributes["solidity_version"] = v
	}
}

// collectionFor prefers an explicit knowledge-base segment in the path over the rule default.
func collectionFor(filePath string, def graph.Collection) graph.Collection {
	lower := strings.ToLower(filePath)
	switch {
	case strings.Contains(lower, "knowledge-base-research"):
		return graph.CollectionResearch
	case strings.Contains(lower, "knowledge-base-action"):
		return graph.CollectionAction
	}
	if def == "" {
		return graph.CollectionResearch
	}
	return def
}

func stem(filePath string) string {
	base := path.Base(filePath)
	return strings.TrimSuffix(base, path.Ext(base))
}

var protocolSuffixes = []string{"deep-dive", "deepdive", "deep_dive", "integration-guide", "integration", "guide"}

// protocolFromStem turns "08-uniswap-v2-deep-dive" into "Uniswap V2".
func protocolFromStem(s string) string {
	slug := vocab.Slug(s)
	for _, suf := range protocolSuffixes {
		suf = strings.ReplaceAll(suf, "-", "_")
		if strings.HasSuffix(slug, "_"+suf) {
			slug = strings.TrimSuffix(slug, "_"+suf)
			break
		}
	}
	return titleCase(slug)
}

// familyFromPath names a protocol family after the directory holding the
// version file, or the stem without its version when the file sits directly
// under protocol-versions.
func familyFromPath(filePath string) string {
	dir := path.Base(path.Dir(filePath))
	if !strings.EqualFold(dir, "protocol-versions") && dir != "." {
		return titleCase(vocab.Slug(dir))
	}
	s := vocab.Slug(stem(filePath))
	if v := versionFromStem(stem(filePath)); v != "" {
		s = strings.TrimSuffix(s, "_v"+strings.ReplaceAll(v, ".", "_"))
	}
	return titleCase(s)
}

// versionFromStem finds a "v3" or "v1.2" token in a file stem.
func versionFromStem(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == '-' || r == '_' || r == ' ' })
	for i := len(fields) - 1; i >= 0; i-- {
		f := fields[i]
		if len(f) > 1 && f[0] == 'v' && unicode.IsDigit(rune(f[1])) {
			return f[1:]
		}
	}
	return ""
}

// capitalize upper-cases the first rune and lower-cases the rest.
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError && size <= 1 {
		return strings.ToLower(s)
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

func titleCase(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		if len(w) > 1 && w[0] == 'v' && unicode.IsDigit(rune(w[1])) {
			words[i] = "V" + w[1:]
			continue
		}
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func lowerSet(items []string) []string {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// attrValue narrows a front matter value to a scalar or a string list.
func attrValue(v any) (any, bool) {
	switch t := v.(type) {
	case string, bool, int, int64, float64:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case int, int64, float64, bool:
				out = append(out, fmt.Sprint(s))
			}
		}
		return out, true
	case nil:
		return nil, false
	default:
		return fmt.Sprint(t), true
	}
}

func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := bytes.Count(content, []byte{'\n'})
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

func excerpt(text string, limit int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}
