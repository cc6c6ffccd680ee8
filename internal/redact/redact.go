// Package redact holds the process-wide sensitive-key policy: which
// config keys may never reach durable storage, and which log fields must
// be masked before they reach any sink.
package redact

import (
	"regexp"
	"strings"
)

// Placeholder replaces masked values in log output.
const Placeholder = "[REDACTED]"

// logPatterns match log field names by case-insensitive substring. The
// bare "token" and "secret" entries also cover auth_token, bearer_token,
// api_secret and friends.
var logPatterns = []string{
	"api_key",
	"api_secret",
	"token",
	"password",
	"secret",
	"authorization",
	"signature",
}

// KeySet is the set of config keys filtered from snapshots. Membership is
// case-insensitive and exact.
type KeySet map[string]struct{}

func NewKeySet(keys ...string) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		s[k] = struct{}{}
	}
	return s
}

// DefaultKeySet returns the keys stripped from persisted config maps.
// Loaded once at startup and injected where needed; never consulted as
// ambient state by the store itself.
func DefaultKeySet() KeySet {
	return NewKeySet(
		"api_key",
		"api_secret",
		"token",
		"password",
		"secret",
		"private_key",
		"auth_token",
		"bearer_token",
	)
}

// With returns a copy of the set extended with additional keys.
func (s KeySet) With(keys ...string) KeySet {
	out := make(KeySet, len(s)+len(keys))
	for k := range s {
		out[k] = struct{}{}
	}
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out[k] = struct{}{}
	}
	return out
}

func (s KeySet) Contains(key string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// FilterMap returns a deep copy of m with every key in the set removed,
// descending into nested maps and slices so a sensitive key cannot hide
// one level down. The input map is never mutated.
func (s KeySet) FilterMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s.Contains(k) {
			continue
		}
		out[k] = s.filterValue(v)
	}
	return out
}

func (s KeySet) filterValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return s.FilterMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.filterValue(item)
		}
		return out
	default:
		return v
	}
}

// SensitiveField reports whether a log field name must be masked.
func SensitiveField(name string) bool {
	name = strings.ToLower(name)
	for _, p := range logPatterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// scrubPattern finds key=value and key: value pairs whose key matches a
// sensitive pattern, in free-form text such as error strings and echoed
// payloads. The value is matched to the next whitespace.
var scrubPattern = regexp.MustCompile(`(?i)([\w.-]*(?:` + strings.Join(logPatterns, "|") + `)[\w.-]*"?\s*[=:]\s*)("[^"]*"|\S+)`)

// Scrub masks values following sensitive keys inside a string.
func Scrub(s string) string {
	if s == "" {
		return s
	}
	return scrubPattern.ReplaceAllString(s, "${1}"+Placeholder)
}

// Fields returns a copy of fields with sensitive values replaced by the
// placeholder. Non-sensitive values pass through untouched.
func Fields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return fields
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if SensitiveField(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = v
	}
	return out
}
