// Package generation implements the generation state machine
// (spec.md §4.E): prompt fingerprinting and classification of
// inbound messages into one of seven terminal outcomes.
package generation

import (
	"regexp"
	"strings"
)

// fingerprintLength is how many normalized characters are compared
// for equality, per spec.md §4.E.
const fingerprintLength = 120

// providerFlags strips every parameter flag Midjourney accepts on a
// prompt, plus the SPEC_FULL.md superset (--stop, --chaos, --style,
// --repeat) drawn from original_source's option-string builder.
var providerFlags = regexp.MustCompile(
	`--(?:v|ar|seed|q|stop|chaos|style|repeat)\s+[^\s-]\S*|--niji(?:\s+[^\s-]\S*)?\b`,
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Fingerprint normalizes a prompt for matching: strip provider flags,
// lowercase, collapse whitespace. Callers match a fingerprint against
// message content with Matches (or two fingerprints with Equal), never
// against the raw prompt text.
func Fingerprint(prompt string) string {
	stripped := providerFlags.ReplaceAllString(prompt, "")
	lower := strings.ToLower(stripped)
	collapsed := strings.TrimSpace(whitespaceRun.ReplaceAllString(lower, " "))
	return collapsed
}

// Equal reports whether two already-normalized fingerprints match on
// their first fingerprintLength characters.
func Equal(a, b string) bool {
	return truncate(a) == truncate(b)
}

// Matches reports whether content contains the fingerprint's
// normalized prefix, the comparison the classifier uses against
// incoming message content.
func Matches(content, fingerprint string) bool {
	normContent := Fingerprint(content)
	fp := truncate(fingerprint)
	if fp == "" {
		return false
	}
	return strings.Contains(normContent, fp)
}

func truncate(s string) string {
	if len(s) <= fingerprintLength {
		return s
	}
	return s[:fingerprintLength]
}
