// Package vocab holds the static vocabularies shared by extraction and
// inference: vulnerability keyword sets, protective imports, token
// standards and domain keywords.
package vocab

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// VulnerabilityKeywords maps a vulnerability category to its canonical
// keyword set. The first keyword is the exact form; the rest are synonyms.
var VulnerabilityKeywords = map[string][]string{
	"reentrancy":       {"reentrancy", "reentrant", "call.value", "external call"},
	"access_control":   {"access control", "ownable", "onlyowner", "permission", "authorization"},
	"integer_overflow": {"integer overflow", "overflow", "underflow", "safemath", "arithmetic"},
	"frontrunning":     {"frontrunning", "frontrun", "mev", "sandwich", "mempool"},
	"flash_loan":       {"flash loan", "flash attack", "price manipulation"},
	"dos":              {"denial of service", "dos", "gas limit", "block gas"},
	"delegatecall":     {"delegatecall", "proxy", "upgradeable"},
	"timestamp":        {"timestamp dependence", "block.timestamp", "timestamp"},
	"tx_origin":        {"tx.origin", "transaction origin"},
	"unchecked":        {"unchecked return", "unchecked", "return value", "call return"},
	"oracle":           {"oracle manipulation", "oracle", "stale price", "price feed"},
}

// Categories returns the vulnerability categories in sorted order.
func Categories() []string {
	out := make([]string, 0, len(VulnerabilityKeywords))
	for c := range VulnerabilityKeywords {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// CategoryFor resolves a vulnerability slug such as "reentrancy" or
// "flash_loan_attacks" to its category. The longest category contained in
// the slug wins so "integer_overflow" beats "overflow"-like prefixes.
func CategoryFor(slug string) (string, bool) {
	slug = Slug(slug)
	best := ""
	for _, c := range Categories() {
		if strings.Contains(slug, c) && len(c) > len(best) {
			best = c
		}
	}
	return best, best != ""
}

// PreventionImports maps protective import names to the vulnerability
// category they mitigate.
var PreventionImports = map[string]string{
	"ReentrancyGuard": "reentrancy",
	"nonReentrant":    "reentrancy",
	"Ownable":         "access_control",
	"AccessControl":   "access_control",
	"SafeMath":        "integer_overflow",
	"Pausable":        "dos",
	"SafeERC20":       "unchecked",
}

var tokenStandardRe = regexp.MustCompile(`(?i)\berc-?(1155|721|20)`)

// TokenStandard returns the first token standard mentioned in s, or "".
func TokenStandard(s string) string {
	m := tokenStandardRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return "ERC" + m[1]
}

// DomainKeywords maps a domain to the keywords that signal it.
var DomainKeywords = map[string][]string{
	"DeFi":       {"defi", "swap", "amm", "dex", "liquidity", "yield", "lending", "stablecoin", "vault"},
	"NFT":        {"nft", "erc721", "erc1155", "marketplace", "collectible"},
	"Gaming":     {"game", "gaming", "vrf", "random", "achievement"},
	"Governance": {"governance", "dao", "vote", "proposal", "multisig", "timelock"},
	"Oracle":     {"oracle", "price feed", "chainlink", "automation"},
	"Staking":    {"staking", "stake", "rewards", "validator"},
}

// Domains returns the sorted domains whose keywords occur as whole words in text.
func Domains(text string) []string {
	var out []string
	for domain, kws := range DomainKeywords {
		for _, kw := range kws {
			if CountMentions(text, kw) > 0 {
				out = append(out, domain)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// DomainTerms returns the sorted set of domain vocabulary keywords that
// occur as whole words in text.
func DomainTerms(text string) []string {
	seen := make(map[string]bool)
	for _, kws := range DomainKeywords {
		for _, kw := range kws {
			if !seen[kw] && CountMentions(text, kw) > 0 {
				seen[kw] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for kw := range seen {
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}

var (
	mentionMu sync.Mutex
	mentionRe = make(map[string]*regexp.Regexp)
)

func mentionPattern(keyword string) *regexp.Regexp {
	mentionMu.Lock()
	defer mentionMu.Unlock()
	if re, ok := mentionRe[keyword]; ok {
		return re
	}
	// Phrases match across any run of whitespace, case-insensitively, and only at word boundaries.
	parts := strings.Fields(keyword)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re := regexp.MustCompile(`(?i)(?:^|[^a-z0-9_])(` + strings.Join(parts, `\s+`) + `)(?:$|[^a-z0-9_])`)
	mentionRe[keyword] = re
	return re
}

// CountMentions counts whole-word, case-insensitive occurrences of keyword in text.
func CountMentions(text, keyword string) int {
	if strings.TrimSpace(keyword) == "" {
		return 0
	}
	re := mentionPattern(keyword)
	count := 0
	for len(text) > 0 {
		loc := re.FindStringSubmatchIndex(text)
		if loc == nil {
			break
		}
		count++
		// Resume at the end of the keyword so a shared separator can start the next match.
		text = text[loc[3]:]
	}
	return count
}

var slugSep = regexp.MustCompile(`[^a-z0-9]+`)
var numericPrefix = regexp.MustCompile(`^[0-9]+[-_ ]+`)

// Slug lower-cases s, drops a numeric ordering prefix ("03-") and joins
// words with underscores.
func Slug(s string) string {
	s = numericPrefix.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "")
	return strings.Trim(slugSep.ReplaceAllString(s, "_"), "_")
}

// NormalizeProtocol lower-cases s and strips everything but letters and digits.
func NormalizeProtocol(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
