package models

import "time"

// OAuthState binds a DigiLocker authorization request to its callback. It is keyed by the state value itself.
type OAuthState struct {
	State        string    `json:"-"`
	UserID       string    `json:"userId"`
	SessionID    string    `json:"sessionId"`
	CodeVerifier string    `json:"codeVerifier"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}
