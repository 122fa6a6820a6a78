package utils

import (
	"net/url"
	"strings"
	"unicode"
)

// SanitizeString removes control characters and surrounding whitespace
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// TruncateString truncates a string to max length
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// MaskSensitive masks all but the first visibleChars characters
func MaskSensitive(s string, visibleChars int) string {
	if len(s) <= visibleChars {
		return strings.Repeat("*", len(s))
	}
	return s[:visibleChars] + strings.Repeat("*", len(s)-visibleChars)
}

// RedactURL hides credentials and the stream key (last path element) of a
// publishing URL so it can be logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return MaskSensitive(raw, 4)
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	if u.Scheme == "rtmp" || u.Scheme == "rtmps" {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) > 1 {
			parts[len(parts)-1] = MaskSensitive(parts[len(parts)-1], 2)
			u.Path = "/" + strings.Join(parts, "/")
		}
	}
	u.RawQuery = ""
	return u.String()
}
