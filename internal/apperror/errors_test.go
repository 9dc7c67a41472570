package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
		kind   Kind
	}{
		{InvalidPhoneFormat(), http.StatusBadRequest, KindValidation},
		{RateLimitExceeded(60), http.StatusTooManyRequests, KindRateLimit},
		{MaxAttemptsExceeded(), http.StatusBadRequest, KindRateLimit},
		{OtpExpired(), http.StatusBadRequest, KindValidation},
		{OtpVerificationFailed(2), http.StatusBadRequest, KindValidation},
		{StateMismatch(), http.StatusForbidden, KindSecurity},
		{VerificationFailed(), http.StatusBadRequest, KindUpstream},
		{ProviderUnavailable(), http.StatusServiceUnavailable, KindUpstream},
		{AgeRestrictionViolation(17), http.StatusForbidden, KindSecurity},
		{RefreshTokenInvalid(), http.StatusForbidden, KindSecurity},
		{Unauthorized(), http.StatusUnauthorized, KindUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.err.Code, func(t *testing.T) {
			assert.Equal(t, tc.status, tc.err.Status)
			assert.Equal(t, tc.kind, tc.err.Kind)
			assert.NotEmpty(t, tc.err.Message)
			assert.NotEmpty(t, tc.err.MessageHi)
		})
	}
}

func TestAgeRestrictionMeta(t *testing.T) {
	err := AgeRestrictionViolation(17)
	assert.Equal(t, 17, err.Meta["providedAge"])
	assert.Equal(t, 18, err.Meta["requiredAge"])
}

func TestFrom(t *testing.T) {
	wrapped := fmt.Errorf("consume: %w", OtpExpired())
	got := From(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, CodeOtpExpired, got.Code)
	assert.True(t, HasCode(wrapped, CodeOtpExpired))
	assert.True(t, errors.Is(wrapped, OtpExpired()))

	raw := errors.New("scylla: timeout")
	internal := From(raw)
	assert.Equal(t, CodeInternal, internal.Code)
	assert.ErrorIs(t, internal, raw)
	assert.NotContains(t, internal.Message, "scylla")

	assert.Nil(t, From(nil))
}
