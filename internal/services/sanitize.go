// Package services – error-text sanitization.
//
// Dispatch and provider errors are persisted raw for operators, but anything
// leaving through a read path is scrubbed first: runs of six or more digits
// (phone numbers, account ids) are masked and the text is truncated to a
// bounded length.
package services

import (
	"regexp"
	"unicode/utf8"
)

// maxErrorLen bounds sanitized error text returned by read paths.
const maxErrorLen = 300

var digitRunRE = regexp.MustCompile(`\d{6,}`)

// SanitizeError scrubs digit runs >= 6 chars and truncates. Empty input
// passes through.
func SanitizeError(s string) string {
	if s == "" {
		return s
	}
	out := digitRunRE.ReplaceAllString(s, "[digits]")
	if len(out) > maxErrorLen {
		// Never cut through a multibyte rune.
		cut := maxErrorLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "…"
	}
	return out
}
