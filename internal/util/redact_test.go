package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskPhone(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "indian mobile", input: "+919876543210", want: "+91******3210"},
		{name: "no plus", input: "9876543210", want: "******3210"},
		{name: "short", input: "123", want: "***"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MaskPhone(tc.input))
		})
	}
}

func TestRedactMetadata(t *testing.T) {
	in := map[string]interface{}{
		"phone":         "+919876543210",
		"access_token":  "secret-value",
		"refreshToken":  "abc",
		"digilockerid":  "DL-123",
		"reason":        "bad state",
		"remaining":     3,
		"contact":       "+919812345678",
		"otp":           "123456",
	}

	out := RedactMetadata(in)

	assert.Equal(t, "+91******3210", out["phone"])
	assert.Equal(t, "+91******5678", out["contact"])
	assert.Equal(t, "bad state", out["reason"])
	assert.Equal(t, 3, out["remaining"])
	for _, k := range []string{"access_token", "refreshToken", "digilockerid", "otp"} {
		assert.NotContains(t, out, k)
	}
	// input untouched
	assert.Equal(t, "+919876543210", in["phone"])
}

func TestTruncateUserAgent(t *testing.T) {
	long := strings.Repeat("a", MaxUserAgentLength+10)
	assert.Len(t, []rune(TruncateUserAgent(long)), MaxUserAgentLength)
	assert.Equal(t, "curl/8.0", TruncateUserAgent("  curl/8.0 "))
}
