package util

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const maxHeaderValue = 512

// SanitizeInput prepares a client-supplied header value for the audit
// trail: control characters are dropped and the value is capped in length.
// Encoding for display is left to the consumer.
func SanitizeInput(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if runes := []rune(s); len(runes) > maxHeaderValue {
		s = string(runes[:maxHeaderValue])
	}
	return s
}

// =========================
// Suspicious Pattern Detector
// =========================
//
// The patterns are a secondary signal for the audit trail only. Queries are
// parameterized and output is encoded; nothing is rejected on a match.

var suspiciousPatterns = map[string]*regexp.Regexp{
	"sql_injection":      regexp.MustCompile(`(?i)('|")\s*(or|and)\s+[\w'"]+\s*=|union\s+select|;\s*drop\s+table|--\s*$|/\*.*\*/`),
	"script_injection":   regexp.MustCompile(`(?i)<\s*script|javascript:|on(error|load|click)\s*=`),
	"template_injection": regexp.MustCompile(`\{\{.*\}\}|\$\{.*\}`),
	"path_traversal":     regexp.MustCompile(`\.\./|\.\.\\`),
}

// DetectSuspicious returns the names of the patterns the value matches
func DetectSuspicious(s string) []string {
	if s == "" {
		return nil
	}
	var hits []string
	for name, re := range suspiciousPatterns {
		if re.MatchString(s) {
			hits = append(hits, name)
		}
	}
	sort.Strings(hits)
	return hits
}
