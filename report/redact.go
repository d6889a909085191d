package report

import (
	"regexp"
	"strings"
)

// Marker replaces every credential-shaped token in worker output.
const Marker = "[REDACTED]"

// secretPrefixes are well-known key prefixes. A token starting with one of
// these is redacted wholesale.
var secretPrefixes = regexp.MustCompile(
	`(?i)\b(sk-[A-Za-z0-9_-]+|ghp_[A-Za-z0-9]+|gho_[A-Za-z0-9]+|github_pat_[A-Za-z0-9_]+|xox[bp]-[A-Za-z0-9-]+|AKIA[A-Z0-9]{12,}|AIza[A-Za-z0-9_-]{10,}|eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_.-]+)`)

// sensitiveKeys are assignment-key stems whose values are always scrubbed,
// whether written key=value, key: value or key="value". The match allows
// prefixes and suffixes so access_token and DB_PASSWORD are caught too.
var sensitiveKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"access_key", "private_key", "auth", "credential",
}

var sensitiveAssignment = regexp.MustCompile(
	`(?i)([A-Za-z0-9_.-]*(?:` + strings.Join(sensitiveKeys, "|") + `)[A-Za-z0-9_]*)(\s*[=:]\s*)("[^"]*"|'[^']*'|\S+)`)

// Redact deterministically replaces credential-shaped substrings with the
// redaction marker. It must run on every worker's raw output before any disk
// write or human-visible emission, never after.
func Redact(s string) string {
	s = secretPrefixes.ReplaceAllString(s, Marker)
	s = sensitiveAssignment.ReplaceAllString(s, "${1}${2}"+Marker)
	return s
}
