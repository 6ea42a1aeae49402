package extract

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"kgindex/internal/vocab"
)

var frontMatterDelim = []byte("---")

// splitFrontMatter separates a leading YAML front matter block from the body.
// A document without front matter returns a nil map.
func splitFrontMatter(content []byte) (map[string]any, []byte, error) {
	trimmed := bytes.TrimPrefix(content, []byte("\ufeff"))
	if !bytes.HasPrefix(trimmed, frontMatterDelim) {
		return nil, content, nil
	}
	rest := trimmed[len(frontMatterDelim):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 || len(bytes.TrimSpace(rest[:nl])) != 0 {
		return nil, content, nil
	}
	rest = rest[nl+1:]

	end := -1
	off := 0
	for off <= len(rest) {
		line := rest[off:]
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		if bytes.Equal(bytes.TrimRight(line, " \r\t"), frontMatterDelim) {
			end = off
			break
		}
		if off+len(line) >= len(rest) {
			break
		}
		off += len(line) + 1
	}
	if end < 0 {
		return nil, nil, fmt.Errorf("unterminated front matter")
	}

	fm := make(map[string]any)
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return nil, nil, fmt.Errorf("parsing front matter: %w", err)
	}
	body := rest[end:]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	return normalizeKeys(fm), body, nil
}

func normalizeKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[attrKey(k)] = v
	}
	return out
}

var keySep = regexp.MustCompile(`[^a-z0-9]+`)

func attrKey(k string) string {
	return strings.Trim(keySep.ReplaceAllString(strings.ToLower(k), "_"), "_")
}

// headerKeys are the "Key: value" lines recognised in document bodies.
var headerKeys = map[string]string{
	"severity":        "severity",
	"loss":            "loss",
	"losses":          "loss",
	"total_loss":      "loss",
	"amount_lost":     "loss",
	"keywords":        "keywords",
	"protocol":        "protocol",
	"protocol_family": "protocol_family",
	"family":          "protocol_family",
	"version":         "version",
	"release_date":    "release_date",
	"released":        "release_date",
	"supersedes":      "supersedes",
	"token_standard":  "token_standard",
	"standard":        "token_standard",
	"category":        "category",
	"date":            "date",
}

var headerLine = regexp.MustCompile(`^\s*(?:[-*>]\s+)?\**([A-Za-z][A-Za-z _-]{1,30}?)\**\s*:\s*\**\s*(.+?)\s*$`)

const headerScanLines = 60

// scanHeaders collects recognised "Key: value" and "**Key**: value" lines
// from the top of the body. The first occurrence of a key wins.
func scanHeaders(body []byte) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for n := 0; sc.Scan() && n < headerScanLines; n++ {
		m := headerLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		key, ok := headerKeys[attrKey(m[1])]
		if !ok {
			continue
		}
		if _, seen := out[key]; seen {
			continue
		}
		out[key] = strings.Trim(m[2], "*` ")
	}
	return out
}

var lossRe = regexp.MustCompile(`(?i)\$\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s*(k|m|b|thousand|million|billion|mn|bn)?\b`)

// ParseLoss parses an exploit loss such as "$60M", "$1.2 billion" or
// "$600,000" into US dollars.
func ParseLoss(s string) (float64, bool) {
	m := lossRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(m[2]) {
	case "k", "thousand":
		v *= 1e3
	case "m", "mn", "million":
		v *= 1e6
	case "b", "bn", "billion":
		v *= 1e9
	}
	return v, true
}

var (
	// import "p"; import "p" as X; import * as X from "p"; import {A, B as C} from "p";
	importRe = regexp.MustCompile(`(?m)^\s*import\s+(?:\{([^}]*)\}\s*from\s*|\*\s*as\s+\w+\s+from\s*)?["']([^"']+)["']`)
	pragmaRe = regexp.MustCompile(`(?m)^\s*pragma\s+solidity\s+([^;]+);`)
	// Base contracts of "contract Vault is ReentrancyGuard, Ownable {".
	inheritsRe = regexp.MustCompile(`\bcontract\s+\w+\s+is\s+([^{]+)\{`)
	modifierRe = regexp.MustCompile(`\bnonReentrant\b`)
)

// solidityImports returns the sorted, unique imported symbol names. Named
// imports contribute each symbol; path imports contribute the file stem.
func solidityImports(src string) []string {
	set := make(map[string]bool)
	for _, m := range importRe.FindAllStringSubmatch(src, -1) {
		if strings.TrimSpace(m[1]) != "" {
			for _, sym := range strings.Split(m[1], ",") {
				sym = strings.TrimSpace(sym)
				if i := strings.Index(sym, " as "); i >= 0 {
					sym = strings.TrimSpace(sym[:i])
				}
				if sym != "" {
					set[sym] = true
				}
			}
			continue
		}
		set[strings.TrimSuffix(path.Base(m[2]), ".sol")] = true
	}
	// Inherited guards count as imports even when pulled in transitively.
	for _, m := range inheritsRe.FindAllStringSubmatch(src, -1) {
		for _, base := range strings.Split(m[1], ",") {
			base = strings.TrimSpace(base)
			if i := strings.IndexAny(base, " ("); i >= 0 {
				base = base[:i]
			}
			if _, ok := vocab.PreventionImports[base]; ok {
				set[base] = true
			}
		}
	}
	if modifierRe.MatchString(src) {
		set["nonReentrant"] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func solidityVersion(src string) string {
	m := pragmaRe.FindStringSubmatch(src)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

var headingRe = regexp.MustCompile(`(?m)^#\s+(.+?)\s*#*\s*$`)

func firstHeading(body []byte) string {
	m := headingRe.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(string(m[1]))
}

// splitList turns "a, b; c" into ["a","b","c"].
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == '|' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
