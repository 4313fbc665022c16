package policy

import "regexp"

type redactionRule struct {
	kind    string
	pattern *regexp.Regexp
	mask    string
}

// Rules run in order; cards before phones so long digit runs are classified
// as cards.
var redactionRules = []redactionRule{
	{kind: "token", pattern: regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`), mask: "[REDACTED_TOKEN]"},
	{kind: "email", pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), mask: "[REDACTED_EMAIL]"},
	{kind: "card", pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), mask: "[REDACTED_CARD]"},
	{kind: "phone", pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), mask: "[REDACTED_PHONE]"},
}

// Redact masks PII and bearer-style tokens in input and returns the kinds
// that matched, in rule order.
func Redact(input string) (string, []string) {
	out := input
	var kinds []string
	for _, r := range redactionRules {
		next := r.pattern.ReplaceAllString(out, r.mask)
		if next != out {
			kinds = append(kinds, r.kind)
			out = next
		}
	}
	return out, kinds
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out, kinds := Redact(input)
	return out, len(kinds) > 0
}
