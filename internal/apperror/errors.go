// Package apperror defines the typed, bilingual errors returned across the identity flows.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindSecurity     Kind = "security"
	KindRateLimit    Kind = "rate_limit"
	KindUpstream     Kind = "upstream"
	KindUnauthorized Kind = "unauthorized"
	KindInternal     Kind = "internal"
)

// Machine-readable error codes exposed to clients.
const (
	CodeInvalidPhoneFormat      = "InvalidPhoneFormat"
	CodeRateLimitExceeded       = "RateLimitExceeded"
	CodeMaxAttemptsExceeded     = "MaxAttemptsExceeded"
	CodeOtpExpired              = "OtpExpired"
	CodeOtpVerificationFailed   = "OtpVerificationFailed"
	CodeStateMismatch           = "StateMismatch"
	CodeVerificationFailed      = "VerificationFailed"
	CodeProviderUnavailable     = "ProviderUnavailable"
	CodeAgeRestrictionViolation = "AgeRestrictionViolation"
	CodeAgeVerificationRequired = "AgeVerificationRequired"
	CodeConsentRequired         = "ConsentRequired"
	CodeRefreshTokenInvalid     = "RefreshTokenInvalid"
	CodeUnauthorized            = "Unauthorized"
	CodeInvalidRequest          = "InvalidRequest"
	CodeInternal                = "InternalError"
)

// Error is safe to serialise: Err is kept for logs and never leaves the process.
type Error struct {
	Kind      Kind
	Code      string
	Status    int
	Message   string
	MessageHi string
	Meta      map[string]interface{}
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so errors.Is(err, apperror.OtpExpired()) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithCause attaches an underlying error for logging.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) WithMeta(key string, value interface{}) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]interface{})
	}
	e.Meta[key] = value
	return e
}

func newError(kind Kind, code string, status int, en, hi string) *Error {
	return &Error{Kind: kind, Code: code, Status: status, Message: en, MessageHi: hi}
}

func InvalidPhoneFormat() *Error {
	return newError(KindValidation, CodeInvalidPhoneFormat, http.StatusBadRequest,
		"Please enter a valid Indian mobile number",
		"कृपया एक मान्य भारतीय मोबाइल नंबर दर्ज करें")
}

func RateLimitExceeded(retryAfterSeconds int) *Error {
	return newError(KindRateLimit, CodeRateLimitExceeded, http.StatusTooManyRequests,
		"Too many OTP requests. Please try again later",
		"बहुत अधिक OTP अनुरोध। कृपया बाद में पुनः प्रयास करें").
		WithMeta("retryAfterSeconds", retryAfterSeconds)
}

func MaxAttemptsExceeded() *Error {
	return newError(KindRateLimit, CodeMaxAttemptsExceeded, http.StatusBadRequest,
		"Maximum attempts exceeded. Please request a new OTP later",
		"अधिकतम प्रयास पूरे हो गए। कृपया बाद में नया OTP मांगें").
		WithMeta("remainingAttempts", 0)
}

func OtpExpired() *Error {
	return newError(KindValidation, CodeOtpExpired, http.StatusBadRequest,
		"OTP has expired or was not requested. Please request a new one",
		"OTP की समय सीमा समाप्त हो गई है। कृपया नया OTP मांगें")
}

func OtpVerificationFailed(remainingAttempts int) *Error {
	return newError(KindValidation, CodeOtpVerificationFailed, http.StatusBadRequest,
		"Invalid OTP. Please try again",
		"अमान्य OTP। कृपया पुनः प्रयास करें").
		WithMeta("remainingAttempts", remainingAttempts)
}

func StateMismatch() *Error {
	return newError(KindSecurity, CodeStateMismatch, http.StatusForbidden,
		"Verification session is invalid or has expired",
		"सत्यापन सत्र अमान्य है या समाप्त हो गया है")
}

func VerificationFailed() *Error {
	return newError(KindUpstream, CodeVerificationFailed, http.StatusBadRequest,
		"Verification could not be completed. Please try again",
		"सत्यापन पूरा नहीं हो सका। कृपया पुनः प्रयास करें")
}

func ProviderUnavailable() *Error {
	return newError(KindUpstream, CodeProviderUnavailable, http.StatusServiceUnavailable,
		"Verification service is temporarily unavailable",
		"सत्यापन सेवा अस्थायी रूप से उपलब्ध नहीं है")
}

func AgeRestrictionViolation(providedAge int) *Error {
	return newError(KindSecurity, CodeAgeRestrictionViolation, http.StatusForbidden,
		"You must be at least 18 years old to use this service",
		"इस सेवा का उपयोग करने के लिए आपकी आयु कम से कम 18 वर्ष होनी चाहिए").
		WithMeta("providedAge", providedAge).
		WithMeta("requiredAge", 18)
}

func AgeVerificationRequired() *Error {
	return newError(KindSecurity, CodeAgeVerificationRequired, http.StatusForbidden,
		"Please verify your age to continue",
		"जारी रखने के लिए कृपया अपनी आयु सत्यापित करें")
}

func ConsentRequired() *Error {
	return newError(KindSecurity, CodeConsentRequired, http.StatusForbidden,
		"Please accept the terms and privacy policy to continue",
		"जारी रखने के लिए कृपया नियम और गोपनीयता नीति स्वीकार करें")
}

func RefreshTokenInvalid() *Error {
	return newError(KindSecurity, CodeRefreshTokenInvalid, http.StatusForbidden,
		"Session has expired. Please log in again",
		"सत्र समाप्त हो गया है। कृपया फिर से लॉग इन करें")
}

func Unauthorized() *Error {
	return newError(KindUnauthorized, CodeUnauthorized, http.StatusUnauthorized,
		"Authentication required",
		"प्रमाणीकरण आवश्यक है")
}

func InvalidRequest(field string) *Error {
	e := newError(KindValidation, CodeInvalidRequest, http.StatusBadRequest,
		"Invalid request",
		"अमान्य अनुरोध")
	if field != "" {
		e.WithMeta("field", field)
	}
	return e
}

func Internal(err error) *Error {
	return newError(KindInternal, CodeInternal, http.StatusInternalServerError,
		"Something went wrong. Please try again",
		"कुछ गलत हो गया। कृपया पुनः प्रयास करें").
		WithCause(err)
}

// From converts any error into an *Error, mapping unknown errors to Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}
