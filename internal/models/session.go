package models

import "time"

// Session holds refresh-token custody for one device login.
type Session struct {
	UserID           string     `db:"user_id"`
	SessionID        string     `db:"session_id"`
	RefreshTokenHash string     `db:"refresh_token_hash"`
	DeviceInfo       string     `db:"device_info"`
	IPAddress        string     `db:"ip_address"`
	UserAgent        string     `db:"user_agent"`
	ExpiresAt        time.Time  `db:"expires_at"`
	IsRevoked        bool       `db:"is_revoked"`
	RevokedAt        *time.Time `db:"revoked_at"`
	CreatedAt        time.Time  `db:"created_at"`
}

func (s *Session) IsActive(now time.Time) bool {
	return !s.IsRevoked && now.Before(s.ExpiresAt)
}

// DeviceContext describes the client a token pair is minted for.
type DeviceContext struct {
	DeviceInfo string
	IPAddress  string
	UserAgent  string
}
