// Package redact implements deterministic, pattern-based PII redaction.
//
// The pipeline is an ordered table of independent rules, each pairing a
// recognizer with a fixed replacement token. Rules apply in table order and
// are not mutually exclusive: a later rule may further rewrite text already
// replaced by an earlier rule's token. That behaviour is compatibility
// policy and must not change, so the table order below is load-bearing.
package redact

import "regexp"

// Rule pairs a recognizer with its replacement token.
type Rule struct {
	Type        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Finding describes one detected PII span.
type Finding struct {
	Type        string
	Value       string
	Start       int
	End         int
	Replacement string
}

// rules is the fixed pipeline, applied top to bottom. All recognizers are
// case-insensitive.
var rules = []Rule{
	{
		Type:        "EMAIL",
		Pattern:     regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`),
		Replacement: "[EMAIL]",
	},
	{
		Type:        "PHONE",
		Pattern:     regexp.MustCompile(`(?i)\b\+?1?[-.\s]?\(?(\d{3})\)?[-.\s]?(\d{3})[-.\s]?(\d{4})\b`),
		Replacement: "[PHONE]",
	},
	{
		Type:        "CREDIT_CARD",
		Pattern:     regexp.MustCompile(`(?i)\b\d{4}[-\s]?(\d{4}[-\s]?){2}\d{4}\b`),
		Replacement: "[CREDIT_CARD]",
	},
	{
		Type:        "SSN",
		Pattern:     regexp.MustCompile(`(?i)\b\d{3}-\d{2}-\d{4}\b`),
		Replacement: "[SSN]",
	},
	{
		Type:        "IP_ADDRESS",
		Pattern:     regexp.MustCompile(`(?i)\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
		Replacement: "[IP_ADDRESS]",
	},
	{
		Type:        "NAME",
		Pattern:     regexp.MustCompile(`(?i)\b(Name|name)\s*[:\-]\s*([A-Z][a-z]+ [A-Z][a-z]+)`),
		Replacement: "${1}: [NAME]",
	},
	{
		Type:        "DOB",
		Pattern:     regexp.MustCompile(`(?i)\b(\d{1,2}[/\-]\d{1,2}[/\-]\d{4}|\d{4}[/\-]\d{1,2}[/\-]\d{1,2})\b`),
		Replacement: "[DOB]",
	},
	{
		Type:        "BANK_ACCOUNT",
		Pattern:     regexp.MustCompile(`(?i)\b\d{8,12}\b`),
		Replacement: "[BANK_ACCOUNT]",
	},
	{
		Type:        "LICENSE_PLATE",
		Pattern:     regexp.MustCompile(`(?i)\b[A-Z]{1,3}\d{3,4}[A-Z]{0,3}\b`),
		Replacement: "[LICENSE_PLATE]",
	},
}

// sensitiveIndicators flag secret-like key/value pairs for callers that want
// to refuse storage outright instead of redacting.
var sensitiveIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password[:\s]+[^\s]+`),
	regexp.MustCompile(`(?i)api[-_\s]?key[:\s]+[^\s]+`),
	regexp.MustCompile(`(?i)token[:\s]+[^\s]+`),
	regexp.MustCompile(`(?i)secret[:\s]+[^\s]+`),
}

// Redact replaces every PII match with its rule's token. It is a pure
// function of the input and the fixed rule table; applying it repeatedly is
// stable once all patterns are exhausted.
func Redact(text string) string {
	result := text
	for _, r := range rules {
		result = r.Pattern.ReplaceAllString(result, r.Replacement)
	}
	return result
}

// Detect scans without modifying and returns findings in rule order, then
// match order within a rule. Offsets refer to the input text.
func Detect(text string) []Finding {
	var found []Finding
	for _, r := range rules {
		for _, loc := range r.Pattern.FindAllStringIndex(text, -1) {
			found = append(found, Finding{
				Type:        r.Type,
				Value:       text[loc[0]:loc[1]],
				Start:       loc[0],
				End:         loc[1],
				Replacement: r.Replacement,
			})
		}
	}
	return found
}

// ValidateSensitiveContext reports whether text contains secret-like
// key/value pairs (password, api key, token, secret).
func ValidateSensitiveContext(text string) bool {
	for _, ind := range sensitiveIndicators {
		if ind.MatchString(text) {
			return true
		}
	}
	return false
}

// Rules exposes the pipeline in its documented application order.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}
