package models

import "time"

type AuditEventType string

const (
	EventOTPSent               AuditEventType = "OTP_SENT"
	EventOTPVerified           AuditEventType = "OTP_VERIFIED"
	EventOTPFailed             AuditEventType = "OTP_FAILED"
	EventTierUpgraded          AuditEventType = "TIER_UPGRADED"
	EventDigiLockerFailed      AuditEventType = "DIGILOCKER_FAILED"
	EventStateMismatch         AuditEventType = "STATE_MISMATCH"
	EventAgeVerified           AuditEventType = "AGE_VERIFIED"
	EventAgeVerificationFailed AuditEventType = "AGE_VERIFICATION_FAILED"
	EventConsentRecorded       AuditEventType = "CONSENT_RECORDED"
	EventRefreshTokenInvalid   AuditEventType = "REFRESH_TOKEN_INVALID"
	EventLogout                AuditEventType = "LOGOUT"
	EventLivenessFailed        AuditEventType = "LIVENESS_FAILED"
)

// AuditEvent is an append-only audit row. Metadata is redacted before it is stored.
type AuditEvent struct {
	EventBucket int                    `db:"event_bucket" json:"-"`
	EventDate   string                 `db:"event_date" json:"eventDate"`
	EventID     string                 `db:"event_id" json:"eventId"`
	EventType   AuditEventType         `db:"event_type" json:"eventType"`
	UserID      string                 `db:"user_id" json:"userId,omitempty"`
	EntityType  string                 `db:"entity_type" json:"entityType"`
	EntityID    string                 `db:"entity_id" json:"entityId,omitempty"`
	Action      string                 `db:"action" json:"action"`
	Metadata    map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	IPAddress   string                 `db:"ip_address" json:"ipAddress,omitempty"`
	UserAgent   string                 `db:"user_agent" json:"userAgent,omitempty"`
	CreatedAt   time.Time              `db:"created_at" json:"createdAt"`
}
