// Package sanitize implements the two sanitization passes the gateway applies:
// a content-security pass over inbound message text before backend dispatch,
// and a secret-redaction pass over every error message before it reaches a
// caller. Both pattern sets live here so they stay documented and testable in
// one place.
package sanitize

import (
	"regexp"
	"strings"
)

// Placeholder replaces text that became empty after the content-security pass
// so downstream schemas keep a non-empty text block.
const Placeholder = "[Content was sanitized and removed for security]"

// RedactionMarker replaces secret-bearing fragments in caller-visible messages.
const RedactionMarker = "[REDACTED]"

// contentPatterns strips known XSS/HTML-injection vectors from message text.
// The pass is conservative: it removes the matched fragment and leaves the
// rest of the text intact.
var contentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`),
	regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe\s*>`),
	regexp.MustCompile(`(?is)<object\b[^>]*>.*?</object\s*>`),
	regexp.MustCompile(`(?is)<embed\b[^>]*/?>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html[^,]*,`),
	regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`),
	regexp.MustCompile(`(?i)expression\s*\(`),
}

// secretPatterns redact credentials and PII from caller-visible error text.
var secretPatterns = []*regexp.Regexp{
	// Bearer tokens and api-key style assignments.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`(?i)(api[-_]?key|x-api-key|apikey)\s*[:=]\s*\S+`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9\-_]{10,}\b`),
	// URLs that could leak backend hostnames.
	regexp.MustCompile(`https?://[^\s"']+`),
	// Email addresses.
	regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	// Credit-card / SSN shaped digit runs.
	regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// Long opaque tokens.
	regexp.MustCompile(`\b[A-Za-z0-9\-_]{20,}\b`),
}

// Content applies the content-security pass to a text block. When the result
// is empty (either because the input was empty or everything was stripped),
// the fixed placeholder is substituted so the block stays schema-valid.
func Content(text string) string {
	out := text
	for _, re := range contentPatterns {
		out = re.ReplaceAllString(out, "")
	}
	if strings.TrimSpace(out) == "" {
		return Placeholder
	}
	return out
}

// ContentChanged reports whether the content pass would alter text.
func ContentChanged(text string) bool {
	return Content(text) != text
}

// Redact replaces secret-bearing fragments in a caller-visible message with
// the redaction marker. Applied to every error message before mapping.
func Redact(message string) string {
	out := message
	for _, re := range secretPatterns {
		out = re.ReplaceAllString(out, RedactionMarker)
	}
	return out
}
