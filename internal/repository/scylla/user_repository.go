package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const userColumns = `user_bucket, user_id, phone_hash, phone_encrypted, phone_masked,
	verification_level, is_phone_verified, phone_verified_at,
	digilocker_token, digilocker_token_iv, digilocker_token_tag, digilocker_token_key, digilocker_key_id,
	digilocker_verified_at, video_selfie_verified_at,
	date_of_birth, is_age_verified, age_verified_at,
	consent_version, consent_agreed_at, created_at, updated_at, last_login_at`

var tierColumns = map[models.Tier]string{
	models.TierPhone:        "phone_verified_at",
	models.TierGovernmentID: "digilocker_verified_at",
	models.TierLiveness:     "video_selfie_verified_at",
}

type UserRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
	logger    *zap.Logger
}

var _ repository.UserRepository = (*UserRepository)(nil)

func NewUserRepository(client *ScyllaClient, bm *bucketing.BucketingManager, logger *zap.Logger) *UserRepository {
	return &UserRepository{client: client, bucketing: bm, logger: logger}
}

func (r *UserRepository) CreateWithPhone(ctx context.Context, user *models.User) (*models.User, bool, error) {
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	now := time.Now().UTC()
	user.UserBucket = r.bucketing.GetUserBucket(user.UserID)
	user.CreatedAt = now
	user.UpdatedAt = now

	applied, current, err := r.client.CAS(ctx, `
		INSERT INTO phone_to_user (phone_hash, user_id, user_bucket, created_at)
		VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		user.PhoneHash, user.UserID, user.UserBucket, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim phone: %w", err)
	}

	if !applied {
		ownerID := uuidString(current["user_id"])
		existing, err := r.GetByID(ctx, ownerID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, err
		}
		// Index written but user row missing: finish the interrupted creation under the indexed id.
		r.logger.Warn("Repairing user row for claimed phone", zap.String("user_id", ownerID))
		user.UserID = ownerID
		user.UserBucket = r.bucketing.GetUserBucket(ownerID)
	}

	userApplied, _, err := r.client.CAS(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		userValues(user)...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	if !userApplied {
		// A concurrent repair won; read what it wrote.
		existing, err := r.GetByID(ctx, user.UserID)
		return existing, false, err
	}

	r.logger.Info("User created",
		zap.String("user_id", user.UserID),
		zap.Int("user_bucket", user.UserBucket))
	return user, true, nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*models.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, repository.ErrNotFound
	}

	row := newUserRow()
	err := r.client.Query(ctx, `SELECT `+userColumns+` FROM users WHERE user_bucket = ? AND user_id = ?`,
		r.bucketing.GetUserBucket(userID), userID).Scan(row.dest()...)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return row.user(), nil
}

func (r *UserRepository) GetByPhoneHash(ctx context.Context, phoneHash string) (*models.User, error) {
	var userID string
	err := r.client.Query(ctx, `SELECT user_id FROM phone_to_user WHERE phone_hash = ?`, phoneHash).Scan(&userID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve phone: %w", err)
	}
	return r.GetByID(ctx, userID)
}

func (r *UserRepository) MarkTierVerified(ctx context.Context, userID string, tier models.Tier, at time.Time) (bool, error) {
	column, ok := tierColumns[tier]
	if !ok {
		return false, fmt.Errorf("unknown tier %d", tier)
	}

	stmt := `UPDATE users SET ` + column + ` = ?, updated_at = ?`
	values := []interface{}{at.UTC(), time.Now().UTC()}
	if tier == models.TierPhone {
		stmt += `, is_phone_verified = true`
	}
	stmt += ` WHERE user_bucket = ? AND user_id = ? IF ` + column + ` = null`
	values = append(values, r.bucketing.GetUserBucket(userID), userID)

	applied, _, err := r.client.CAS(ctx, stmt, values...)
	if err != nil {
		return false, fmt.Errorf("failed to mark tier %s: %w", tier, err)
	}
	return applied, nil
}

// Callers must have read the user first: a condition on a missing row never applies.
func (r *UserRepository) RaiseVerificationLevel(ctx context.Context, userID string, level int) (bool, error) {
	applied, _, err := r.client.CAS(ctx, `
		UPDATE users SET verification_level = ?, updated_at = ?
		WHERE user_bucket = ? AND user_id = ? IF verification_level < ?`,
		level, time.Now().UTC(), r.bucketing.GetUserBucket(userID), userID, level)
	if err != nil {
		return false, fmt.Errorf("failed to raise verification level: %w", err)
	}
	return applied, nil
}

func (r *UserRepository) StoreDigiLockerToken(ctx context.Context, userID string, sealed *models.SealedCredential) error {
	err := r.client.Query(ctx, `
		UPDATE users SET digilocker_token = ?, digilocker_token_iv = ?, digilocker_token_tag = ?,
			digilocker_token_key = ?, digilocker_key_id = ?, updated_at = ?
		WHERE user_bucket = ? AND user_id = ?`,
		sealed.Ciphertext, sealed.IV, sealed.Tag, sealed.EncryptedKey, sealed.KeyID, time.Now().UTC(),
		r.bucketing.GetUserBucket(userID), userID).Exec()
	if err != nil {
		return fmt.Errorf("failed to store digilocker token: %w", err)
	}
	return nil
}

func (r *UserRepository) LatchAgeVerified(ctx context.Context, userID string, dateOfBirth, at time.Time) (bool, error) {
	applied, _, err := r.client.CAS(ctx, `
		UPDATE users SET is_age_verified = true, age_verified_at = ?, date_of_birth = ?, updated_at = ?
		WHERE user_bucket = ? AND user_id = ? IF is_age_verified = false`,
		at.UTC(), dateOfBirth, time.Now().UTC(), r.bucketing.GetUserBucket(userID), userID)
	if err != nil {
		return false, fmt.Errorf("failed to latch age verification: %w", err)
	}
	return applied, nil
}

func (r *UserRepository) UpdateConsent(ctx context.Context, userID, version string, at time.Time) error {
	err := r.client.Query(ctx, `
		UPDATE users SET consent_version = ?, consent_agreed_at = ?, updated_at = ?
		WHERE user_bucket = ? AND user_id = ?`,
		version, at.UTC(), time.Now().UTC(), r.bucketing.GetUserBucket(userID), userID).Exec()
	if err != nil {
		return fmt.Errorf("failed to update consent: %w", err)
	}
	return nil
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	err := r.client.Query(ctx, `UPDATE users SET last_login_at = ? WHERE user_bucket = ? AND user_id = ?`,
		at.UTC(), r.bucketing.GetUserBucket(userID), userID).Exec()
	if err != nil {
		util.Warn("Failed to update last login", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

func userValues(u *models.User) []interface{} {
	return []interface{}{
		u.UserBucket, u.UserID, u.PhoneHash, u.PhoneEncrypted, u.PhoneMasked,
		u.VerificationLevel, u.IsPhoneVerified, nullableTime(u.PhoneVerifiedAt),
		u.DigiLockerToken, u.DigiLockerTokenIV, u.DigiLockerTokenTag, u.DigiLockerTokenKey, u.DigiLockerKeyID,
		nullableTime(u.DigiLockerVerifiedAt), nullableTime(u.VideoSelfieVerifiedAt),
		nullableTime(u.DateOfBirth), u.IsAgeVerified, nullableTime(u.AgeVerifiedAt),
		u.ConsentVersion, nullableTime(u.ConsentAgreedAt), u.CreatedAt, u.UpdatedAt, nullableTime(u.LastLoginAt),
	}
}

// userRow scans nullable timestamps as zero values and converts them afterwards.
type userRow struct {
	u                                                             models.User
	phoneVerifiedAt, digiLockerAt, selfieAt, dob, ageAt, consentAt time.Time
	lastLoginAt                                                   time.Time
}

func newUserRow() *userRow { return &userRow{} }

func (r *userRow) dest() []interface{} {
	u := &r.u
	return []interface{}{
		&u.UserBucket, &u.UserID, &u.PhoneHash, &u.PhoneEncrypted, &u.PhoneMasked,
		&u.VerificationLevel, &u.IsPhoneVerified, &r.phoneVerifiedAt,
		&u.DigiLockerToken, &u.DigiLockerTokenIV, &u.DigiLockerTokenTag, &u.DigiLockerTokenKey, &u.DigiLockerKeyID,
		&r.digiLockerAt, &r.selfieAt,
		&r.dob, &u.IsAgeVerified, &r.ageAt,
		&u.ConsentVersion, &r.consentAt, &u.CreatedAt, &u.UpdatedAt, &r.lastLoginAt,
	}
}

func (r *userRow) user() *models.User {
	u := r.u
	u.PhoneVerifiedAt = timePtr(r.phoneVerifiedAt)
	u.DigiLockerVerifiedAt = timePtr(r.digiLockerAt)
	u.VideoSelfieVerifiedAt = timePtr(r.selfieAt)
	u.DateOfBirth = timePtr(r.dob)
	u.AgeVerifiedAt = timePtr(r.ageAt)
	u.ConsentAgreedAt = timePtr(r.consentAt)
	u.LastLoginAt = timePtr(r.lastLoginAt)
	return &u
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func uuidString(v interface{}) string {
	switch id := v.(type) {
	case gocql.UUID:
		return id.String()
	case string:
		return id
	case fmt.Stringer:
		return id.String()
	default:
		return ""
	}
}
