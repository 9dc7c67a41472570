package otp

import (
	"regexp"
	"strings"
)

var (
	indianMobile = regexp.MustCompile(`^\+91[6-9][0-9]{9}$`)
	codeShape    = regexp.MustCompile(`^[0-9]{6}$`)
)

// NormalizePhone trims surrounding whitespace and accepts only E.164 Indian mobile numbers.
// Formatting the number is left to the client.
func NormalizePhone(raw string) (string, bool) {
	phone := strings.TrimSpace(raw)
	if !indianMobile.MatchString(phone) {
		return "", false
	}
	return phone, true
}

// ValidCodeShape reports whether code is exactly six ASCII digits.
func ValidCodeShape(code string) bool {
	return codeShape.MatchString(code)
}
