// Package otp issues and consumes phone OTP challenges.
package otp

import (
	"context"
	"errors"
)

// ErrProviderUnavailable marks a transport failure or timeout talking to an OTP provider.
// A rejected code is not an error; Confirm reports it as false.
var ErrProviderUnavailable = errors.New("otp provider unavailable")

// Provider delivers codes and confirms them. The reference returned by SendCode is opaque to the ledger.
type Provider interface {
	Name() string
	SendCode(ctx context.Context, phone string) (ref string, err error)
	Confirm(ctx context.Context, ref, code string) (bool, error)
}
