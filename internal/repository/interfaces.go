// Package repository declares the storage contracts of the identity flows.
// Every write that protects an invariant is a compare-and-set in the backing store.
package repository

import (
	"context"
	"errors"
	"time"

	"identity-service/internal/models"
)

var (
	ErrNotFound = errors.New("repository: not found")
	ErrConflict = errors.New("repository: conflict")
)

type UserRepository interface {
	// CreateWithPhone inserts the user unless the phone hash is already claimed,
	// in which case the owning user is returned with created=false.
	CreateWithPhone(ctx context.Context, user *models.User) (existing *models.User, created bool, err error)
	GetByID(ctx context.Context, userID string) (*models.User, error)
	GetByPhoneHash(ctx context.Context, phoneHash string) (*models.User, error)

	// MarkTierVerified sets the tier timestamp only if it is still null.
	MarkTierVerified(ctx context.Context, userID string, tier models.Tier, at time.Time) (bool, error)
	// RaiseVerificationLevel sets the level only if the stored level is lower.
	RaiseVerificationLevel(ctx context.Context, userID string, level int) (bool, error)
	StoreDigiLockerToken(ctx context.Context, userID string, sealed *models.SealedCredential) error

	// LatchAgeVerified flips is_age_verified from false to true exactly once.
	LatchAgeVerified(ctx context.Context, userID string, dateOfBirth, at time.Time) (bool, error)
	UpdateConsent(ctx context.Context, userID, version string, at time.Time) error
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
}

type OTPRepository interface {
	Create(ctx context.Context, req *models.OTPRequest) error
	// Latest returns the most recently created request for the phone hash.
	Latest(ctx context.Context, phoneHash string) (*models.OTPRequest, error)
	// ReserveAttempt bumps attempt_count from expected to expected+1 on an unused row.
	ReserveAttempt(ctx context.Context, phoneHash, otpID string, expected int) (bool, error)
	Reissue(ctx context.Context, phoneHash, otpID, providerRef string, expiresAt time.Time) (bool, error)
	MarkUsed(ctx context.Context, phoneHash, otpID string, at time.Time) (bool, error)
	// MarkExpired flags an unused request whose expiry is at or before now.
	MarkExpired(ctx context.Context, phoneHash, otpID string, now time.Time) (bool, error)
	// ExpiringIn lists requests whose expiry falls in the hour bucket starting at bucket.
	ExpiringIn(ctx context.Context, bucket time.Time) ([]models.OTPExpiryRef, error)
}

type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, userID, sessionID string) (*models.Session, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Session, error)
	// RevokeAll flags every session of the user. Rows are never deleted.
	RevokeAll(ctx context.Context, userID string, at time.Time) (int, error)
}

type AuditRepository interface {
	Insert(ctx context.Context, event *models.AuditEvent) error
}

// StateStore keeps pending OAuth states. Claim is atomic: at most one caller receives a given state.
type StateStore interface {
	Save(ctx context.Context, state *models.OAuthState, ttl time.Duration) error
	Claim(ctx context.Context, state string) (*models.OAuthState, error)
}

// RateLimiter is a sliding-window counter over event timestamps.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}

// OTPCodeStore holds hashed codes of the self-hosted OTP provider.
type OTPCodeStore interface {
	Put(ctx context.Context, ref, codeHash string, ttl time.Duration) error
	Get(ctx context.Context, ref string) (string, error)
	Delete(ctx context.Context, ref string) error
}
