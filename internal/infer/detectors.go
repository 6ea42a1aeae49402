package infer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/coreos/go-semver/semver"

	"kgindex/internal/graph"
	"kgindex/internal/vocab"
)

// Detector names.
const (
	NameDemonstrates = "demonstrates"
	NamePairsWith    = "pairs_with"
	NamePrevents     = "prevents"
	NameExplains     = "explains"
	NameUses         = "uses"
	NameRelatesTo    = "relates_to"
	NameSupersedes   = "supersedes"
)

// vulnerabilityKeywords returns a vulnerability node's keyword set, falling
// back to the built-in table for its category.
func vulnerabilityKeywords(v graph.Node) []string {
	if kws := v.AttrList("keywords"); len(kws) > 0 {
		return kws
	}
	if cat := v.Attr("category"); cat != "" {
		return vocab.VulnerabilityKeywords[cat]
	}
	return []string{strings.ReplaceAll(v.Attr("slug"), "_", " ")}
}

func vulnerabilitySlug(v graph.Node) string {
	if s := v.Attr("slug"); s != "" {
		return s
	}
	return vocab.Slug(v.Name)
}

// Demonstrates links a vulnerable contract to the vulnerability named in its
// file name. The vulnerability slug is an exact match; any other keyword of
// the vulnerability, or a match on the containing directory, is partial.
func Demonstrates(th Thresholds) Detector {
	return DetectorFunc{Label: NameDemonstrates, Fn: func(nodes []graph.Node, _ *CorpusIndex) []CandidateEdge {
		var out []CandidateEdge
		vulns := byType(nodes, graph.TypeVulnerability)
		for _, vc := range byType(nodes, graph.TypeVulnerableContract) {
			file := vocab.NormalizeProtocol(vc.Name)
			dir := vocab.NormalizeProtocol(vc.Attr("vulnerability_type"))
			for _, v := range vulns {
				slug := vocab.NormalizeProtocol(vulnerabilitySlug(v))
				if slug != "" && strings.Contains(file, slug) {
					out = append(out, candidate(NameDemonstrates, vc, v, graph.RelDemonstrates, th.DemonstratesExact,
						fmt.Sprintf("file name %q contains %q", vc.Name, vulnerabilitySlug(v))))
					continue
				}
				if kw, ok := partialMatch(file, dir, vulnerabilityKeywords(v)); ok {
					out = append(out, candidate(NameDemonstrates, vc, v, graph.RelDemonstrates, th.DemonstratesPartial,
						fmt.Sprintf("file name %q matches keyword %q", vc.Name, kw)))
				}
			}
		}
		return out
	}}
}

func partialMatch(file, dir string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		k := vocab.NormalizeProtocol(kw)
		if len(k) < 3 {
			continue
		}
		if strings.Contains(file, k) || (dir != "" && strings.Contains(dir, k)) {
			return kw, true
		}
	}
	return "", false
}

// PairsWith links deep-dives and integration guides about the same protocol
// in both directions.
func PairsWith(th Thresholds) Detector {
	return DetectorFunc{Label: NamePairsWith, Fn: func(nodes []graph.Node, _ *CorpusIndex) []CandidateEdge {
		var out []CandidateEdge
		integrations := byType(nodes, graph.TypeIntegration)
		for _, d := range byType(nodes, graph.TypeDeepDive) {
			key := vocab.NormalizeProtocol(d.Attr("protocol"))
			if key == "" {
				continue
			}
			for _, i := range integrations {
				if vocab.NormalizeProtocol(i.Attr("protocol")) != key {
					continue
				}
				evidence := "shared protocol " + key
				out = append(out,
					candidate(NamePairsWith, d, i, graph.RelPairsWith, th.PairsWith, evidence),
					candidate(NamePairsWith, i, d, graph.RelPairsWith, th.PairsWith, evidence))
			}
		}
		return out
	}}
}

// Prevents links templates and contracts to the vulnerabilities their
// protective imports mitigate.
func Prevents(th Thresholds) Detector {
	return DetectorFunc{Label: NamePrevents, Fn: func(nodes []graph.Node, _ *CorpusIndex) []CandidateEdge {
		byCategory := make(map[string][]graph.Node)
		for _, v := range byType(nodes, graph.TypeVulnerability) {
			cat := v.Attr("category")
			if cat == "" {
				cat, _ = vocab.CategoryFor(vulnerabilitySlug(v))
			}
			if cat != "" {
				byCategory[cat] = append(byCategory[cat], v)
			}
		}
		var out []CandidateEdge
		for _, n := range nodes {
			if n.Type != graph.TypeTemplate && n.Type != graph.TypeVulnerableContract {
				continue
			}
			for _, imp := range n.AttrList("imports") {
				cat, ok := vocab.PreventionImports[imp]
				if !ok {
					continue
				}
				for _, v := range byCategory[cat] {
					c := candidate(NamePrevents, n, v, graph.RelPrevents, th.Prevents, "imports "+imp)
					c.Edge.Properties = map[string]any{"import": imp}
					out = append(out, c)
				}
			}
		}
		return out
	}}
}

// Explains links a deep-dive to each vulnerability whose keywords its
// excerpt mentions at least ExplainsMinMentions times.
func Explains(th Thresholds) Detector {
	return DetectorFunc{Label: NameExplains, Fn: func(nodes []graph.Node, _ *CorpusIndex) []CandidateEdge {
		var out []CandidateEdge
		vulns := byType(nodes, graph.TypeVulnerability)
		for _, d := range byType(nodes, graph.TypeDeepDive) {
			for _, v := range vulns {
				mentions := 0
				for _, kw := range vulnerabilityKeywords(v) {
					mentions += vocab.CountMentions(d.ContentExcerpt, kw)
				}
				conf, ok := th.explains(mentions)
				if !ok {
					continue
				}
				c := candidate(NameExplains, d, v, graph.RelExplains, conf,
					fmt.Sprintf("%d keyword mentions of %s", mentions, v.Name))
				c.Edge.Properties = map[string]any{"mentions": mentions}
				out = append(out, c)
			}
		}
		return out
	}}
}

// Uses links an integration guide to templates whose token standard it mentions.
func Uses(th Thresholds) Detector {
	return DetectorFunc{Label: NameUses, Fn: func(nodes []graph.Node, corpus *CorpusIndex) []CandidateEdge {
		var out []CandidateEdge
		templates := byType(nodes, graph.TypeTemplate)
		for _, i := range byType(nodes, graph.TypeIntegration) {
			text := nodeText(i, corpus)
			for _, t := range templates {
				std := t.Attr("token_standard")
				if std == "" {
					continue
				}
				if !mentionsStandard(text, std) {
					continue
				}
				out = append(out, candidate(NameUses, i, t, graph.RelUses, th.Uses, "mentions "+std))
			}
		}
		return out
	}}
}

func mentionsStandard(text, std string) bool {
	std = strings.ToLower(std)
	if strings.Contains(text, std) {
		return true
	}
	if strings.HasPrefix(std, "erc") {
		return strings.Contains(text, "erc-"+strings.TrimPrefix(std, "erc"))
	}
	return false
}

// RelatesTo links any two nodes sharing at least RelatesMinShared domain
// vocabulary keywords. The edge points from the smaller id to the larger.
func RelatesTo(th Thresholds) Detector {
	return DetectorFunc{Label: NameRelatesTo, Fn: func(nodes []graph.Node, corpus *CorpusIndex) []CandidateEdge {
		terms := make([]map[string]bool, len(nodes))
		for i, n := range nodes {
			set := make(map[string]bool)
			for _, t := range vocab.DomainTerms(nodeText(n, corpus)) {
				set[t] = true
			}
			terms[i] = set
		}
		var out []CandidateEdge
		for i := range nodes {
			if len(terms[i]) < th.RelatesMinShared {
				continue
			}
			for j := i + 1; j < len(nodes); j++ {
				var shared []string
				for t := range terms[i] {
					if terms[j][t] {
						shared = append(shared, t)
					}
				}
				conf, ok := th.relates(len(shared))
				if !ok {
					continue
				}
				sort.Strings(shared)
				src, dst := nodes[i], nodes[j]
				if dst.ID < src.ID {
					src, dst = dst, src
				}
				c := candidate(NameRelatesTo, src, dst, graph.RelRelatesTo, conf,
					"shared keywords: "+strings.Join(shared, ", "))
				c.Edge.Properties = map[string]any{"shared_keywords": len(shared)}
				out = append(out, c)
			}
		}
		return out
	}}
}

// Supersedes links each protocol version to the one it replaces. An explicit
// supersedes attribute wins; otherwise versions of the same family are
// chained newest to oldest.
func Supersedes(th Thresholds) Detector {
	return DetectorFunc{Label: NameSupersedes, Fn: func(nodes []graph.Node, _ *CorpusIndex) []CandidateEdge {
		versions := byType(nodes, graph.TypeProtocolVersion)
		byLabel := make(map[string]graph.Node)
		families := make(map[string][]graph.Node)
		for _, v := range versions {
			fam := vocab.NormalizeProtocol(v.Attr("protocol_family"))
			byLabel[vocab.NormalizeProtocol(v.Name)] = v
			if fam != "" && v.Attr("version") != "" {
				byLabel[fam+vocab.NormalizeProtocol("v"+v.Attr("version"))] = v
				families[fam] = append(families[fam], v)
			}
		}

		var out []CandidateEdge
		explicit := make(map[string]bool)
		for _, v := range versions {
			target := v.Attr("supersedes")
			if target == "" {
				continue
			}
			older, ok := byLabel[vocab.NormalizeProtocol(target)]
			if !ok || older.ID == v.ID {
				continue
			}
			explicit[v.ID] = true
			out = append(out, candidate(NameSupersedes, v, older, graph.RelSupersedes, th.Supersedes, "declares supersedes "+target))
		}

		fams := make([]string, 0, len(families))
		for f := range families {
			fams = append(fams, f)
		}
		sort.Strings(fams)
		for _, f := range fams {
			chain := families[f]
			sort.SliceStable(chain, func(i, j int) bool {
				return compareVersions(chain[i].Attr("version"), chain[j].Attr("version")) > 0
			})
			for i := 0; i+1 < len(chain); i++ {
				newer, older := chain[i], chain[i+1]
				if explicit[newer.ID] || compareVersions(newer.Attr("version"), older.Attr("version")) == 0 {
					continue
				}
				out = append(out, candidate(NameSupersedes, newer, older, graph.RelSupersedes, th.Supersedes,
					fmt.Sprintf("%s %s follows %s", newer.Attr("protocol_family"), newer.Attr("version"), older.Attr("version"))))
			}
		}
		return out
	}}
}

// compareVersions orders loose version strings such as "3", "v2.1" or
// "1.0.0" numerically, falling back to string order.
func compareVersions(a, b string) int {
	va, errA := looseSemver(a)
	vb, errB := looseSemver(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(*vb)
}

func looseSemver(s string) (*semver.Version, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v")
	parts := strings.Split(s, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return semver.NewVersion(strings.Join(parts[:3], "."))
}

func nodeText(n graph.Node, corpus *CorpusIndex) string {
	if t := corpus.Text(n.ID); t != "" {
		return t
	}
	return strings.ToLower(n.Name + "\n" + n.ContentExcerpt)
}
