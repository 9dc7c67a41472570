package models

import "time"

const DefaultMaxAttempts = 5

// OTPRequest is one issued challenge. It is retired by flipping IsUsed or IsExpired, never deleted.
type OTPRequest struct {
	PhoneHash    string     `db:"phone_hash"`
	OTPID        string     `db:"otp_id"` // timeuuid, newest first
	Provider     string     `db:"provider"`
	ProviderRef  string     `db:"provider_ref"`
	AttemptCount int        `db:"attempt_count"`
	MaxAttempts  int        `db:"max_attempts"`
	ExpiresAt    time.Time  `db:"expires_at"`
	IsUsed       bool       `db:"is_used"`
	UsedAt       *time.Time `db:"used_at"`
	IsExpired    bool       `db:"is_expired"`
	IPAddress    string     `db:"ip_address"`
	UserAgent    string     `db:"user_agent"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// IsLive reports whether the request is unused, unflagged and unexpired at now.
func (r *OTPRequest) IsLive(now time.Time) bool {
	return !r.IsUsed && !r.IsExpired && now.Before(r.ExpiresAt)
}

func (r *OTPRequest) RemainingAttempts() int {
	if rem := r.MaxAttempts - r.AttemptCount; rem > 0 {
		return rem
	}
	return 0
}

// OTPExpiryRef points at a request whose expiry falls in a sweep bucket.
type OTPExpiryRef struct {
	PhoneHash string
	OTPID     string
	ExpiresAt time.Time
}
