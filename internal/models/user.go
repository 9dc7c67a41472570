package models

import "time"

// Verification levels. The level is the count of completed tier timestamps.
const (
	LevelUnverified = 0
	LevelBronze     = 1
	LevelSilver     = 2
	LevelGold       = 3
)

type User struct {
	UserBucket     int    `db:"user_bucket"`
	UserID         string `db:"user_id"`
	PhoneHash      string `db:"phone_hash"`
	PhoneEncrypted []byte `db:"phone_encrypted"`
	PhoneMasked    string `db:"phone_masked"`

	VerificationLevel int        `db:"verification_level"`
	IsPhoneVerified   bool       `db:"is_phone_verified"`
	PhoneVerifiedAt   *time.Time `db:"phone_verified_at"`

	// Envelope-encrypted DigiLocker access token. Never the plaintext, never the ID document.
	DigiLockerToken      []byte     `db:"digilocker_token"`
	DigiLockerTokenIV    []byte     `db:"digilocker_token_iv"`
	DigiLockerTokenTag   []byte     `db:"digilocker_token_tag"`
	DigiLockerTokenKey   []byte     `db:"digilocker_token_key"`
	DigiLockerKeyID      string     `db:"digilocker_key_id"`
	DigiLockerVerifiedAt *time.Time `db:"digilocker_verified_at"`

	VideoSelfieVerifiedAt *time.Time `db:"video_selfie_verified_at"`

	DateOfBirth   *time.Time `db:"date_of_birth"`
	IsAgeVerified bool       `db:"is_age_verified"`
	AgeVerifiedAt *time.Time `db:"age_verified_at"`

	ConsentVersion  string     `db:"consent_version"`
	ConsentAgreedAt *time.Time `db:"consent_agreed_at"`

	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	LastLoginAt *time.Time `db:"last_login_at"`
}

// CompletedTiers counts the non-null tier timestamps.
func (u *User) CompletedTiers() int {
	n := 0
	for _, ts := range []*time.Time{u.PhoneVerifiedAt, u.DigiLockerVerifiedAt, u.VideoSelfieVerifiedAt} {
		if ts != nil {
			n++
		}
	}
	return n
}

// HasConsent reports whether the user accepted any consent version.
func (u *User) HasConsent() bool {
	return u.ConsentAgreedAt != nil && u.ConsentVersion != ""
}

// PhoneIndex enforces phone uniqueness and resolves a phone hash to its user.
type PhoneIndex struct {
	PhoneHash  string    `db:"phone_hash"`
	UserID     string    `db:"user_id"`
	UserBucket int       `db:"user_bucket"`
	CreatedAt  time.Time `db:"created_at"`
}

// Tier identifies one independent identity proof.
type Tier int

const (
	TierPhone        Tier = iota + 1 // Bronze
	TierGovernmentID                 // Silver
	TierLiveness                     // Gold
)

func (t Tier) String() string {
	switch t {
	case TierPhone:
		return "phone"
	case TierGovernmentID:
		return "government_id"
	case TierLiveness:
		return "liveness"
	default:
		return "unknown"
	}
}

// VerifiedAt returns the completion timestamp of the tier.
func (u *User) VerifiedAt(t Tier) *time.Time {
	switch t {
	case TierPhone:
		return u.PhoneVerifiedAt
	case TierGovernmentID:
		return u.DigiLockerVerifiedAt
	case TierLiveness:
		return u.VideoSelfieVerifiedAt
	default:
		return nil
	}
}

// SealedCredential is the persisted form of an envelope-encrypted secret.
type SealedCredential struct {
	Ciphertext   []byte
	IV           []byte
	Tag          []byte
	EncryptedKey []byte
	KeyID        string
}
