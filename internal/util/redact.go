package util

import (
	"html"
	"strings"
	"unicode/utf8"
)

// MaxUserAgentLength bounds user agent strings stored with sessions and audit rows.
const MaxUserAgentLength = 256

// sensitiveKeyMarkers are metadata key fragments whose values never leave the process.
var sensitiveKeyMarkers = []string{"token", "secret", "password", "otp", "code", "aadhaar", "pan", "digilockerid", "verifier"}

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// TruncateUserAgent trims a user agent to MaxUserAgentLength runes.
func TruncateUserAgent(ua string) string {
	ua = strings.TrimSpace(ua)
	if utf8.RuneCountInString(ua) <= MaxUserAgentLength {
		return ua
	}
	return string([]rune(ua)[:MaxUserAgentLength])
}

// MaskPhone keeps the country code and the last four digits: +91******3210.
func MaskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	prefix := ""
	rest := phone
	if strings.HasPrefix(phone, "+") && len(phone) > 7 {
		prefix = phone[:3]
		rest = phone[3:]
	}
	if len(rest) <= 4 {
		return prefix + rest
	}
	return prefix + strings.Repeat("*", len(rest)-4) + rest[len(rest)-4:]
}

// RedactMetadata returns a copy of metadata that is safe for logs and the audit trail:
// token-like keys are dropped and phone-like values are masked.
func RedactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(metadata) == 0 {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		if isSensitiveKey(k) {
			continue
		}
		if s, ok := v.(string); ok && (strings.Contains(strings.ToLower(k), "phone") || looksLikePhone(s)) {
			out[k] = MaskPhone(s)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

func looksLikePhone(s string) bool {
	if !strings.HasPrefix(s, "+") || len(s) < 11 || len(s) > 16 {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
