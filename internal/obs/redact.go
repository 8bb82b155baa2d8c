package obs

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"component": {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"chain":     {},
	"protocol":  {},
	"user":      {},
}

// IsAllowlisted reports whether a log key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys exempt from redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the value unless the key is allowlisted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskURL redacts query parameters and userinfo from an RPC/WS endpoint URL,
// keeping only scheme and host so logs never leak API keys embedded in the URL.
func MaskURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}
	schemeSplit := strings.SplitN(trimmed, "://", 2)
	if len(schemeSplit) != 2 {
		return RedactedValue
	}
	hostPart := schemeSplit[1]
	if idx := strings.IndexAny(hostPart, "/?"); idx >= 0 {
		hostPart = hostPart[:idx]
	}
	if idx := strings.LastIndex(hostPart, "@"); idx >= 0 {
		hostPart = hostPart[idx+1:]
	}
	return schemeSplit[0] + "://" + hostPart + "/..."
}
