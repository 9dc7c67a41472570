package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/models"
	"identity-service/internal/repository"
)

const otpColumns = `phone_hash, otp_id, provider, provider_ref, attempt_count, max_attempts,
	expires_at, is_used, used_at, is_expired, ip_address, user_agent, created_at, updated_at`

// OTPRepository stores challenges newest-first per phone hash. Every state flip is a lightweight transaction.
type OTPRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

var _ repository.OTPRepository = (*OTPRepository)(nil)

func NewOTPRepository(client *ScyllaClient, logger *zap.Logger) *OTPRepository {
	return &OTPRepository{client: client, logger: logger}
}

func (r *OTPRepository) Create(ctx context.Context, req *models.OTPRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.OTPID == "" {
		req.OTPID = gocql.UUIDFromTime(req.CreatedAt).String()
	}
	req.UpdatedAt = req.CreatedAt

	applied, _, err := r.client.CAS(ctx, `
		INSERT INTO otp_requests (`+otpColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		req.PhoneHash, req.OTPID, req.Provider, req.ProviderRef, req.AttemptCount, req.MaxAttempts,
		req.ExpiresAt.UTC(), req.IsUsed, nullableTime(req.UsedAt), req.IsExpired,
		req.IPAddress, req.UserAgent, req.CreatedAt.UTC(), req.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create otp request: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}

	if err := r.enqueueExpiry(ctx, req.PhoneHash, req.OTPID, req.ExpiresAt); err != nil {
		// The sweeper misses this row; Latest still treats it as expired by time.
		r.logger.Warn("Failed to enqueue otp expiry", zap.String("otp_id", req.OTPID), zap.Error(err))
	}
	return nil
}

// Latest reads at LOCAL_SERIAL so it observes in-flight conditional updates.
func (r *OTPRepository) Latest(ctx context.Context, phoneHash string) (*models.OTPRequest, error) {
	req := &models.OTPRequest{}
	var usedAt time.Time

	err := r.client.Query(ctx, `SELECT `+otpColumns+` FROM otp_requests WHERE phone_hash = ? LIMIT 1`, phoneHash).
		Consistency(gocql.Consistency(gocql.LocalSerial)).
		Scan(&req.PhoneHash, &req.OTPID, &req.Provider, &req.ProviderRef, &req.AttemptCount, &req.MaxAttempts,
			&req.ExpiresAt, &req.IsUsed, &usedAt, &req.IsExpired, &req.IPAddress, &req.UserAgent,
			&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest otp request: %w", err)
	}
	req.UsedAt = timePtr(usedAt)
	return req, nil
}

func (r *OTPRepository) ReserveAttempt(ctx context.Context, phoneHash, otpID string, expected int) (bool, error) {
	applied, _, err := r.client.CAS(ctx, `
		UPDATE otp_requests SET attempt_count = ?, updated_at = ?
		WHERE phone_hash = ? AND otp_id = ? IF attempt_count = ? AND is_used = false`,
		expected+1, time.Now().UTC(), phoneHash, otpID, expected)
	if err != nil {
		return false, fmt.Errorf("failed to reserve otp attempt: %w", err)
	}
	return applied, nil
}

func (r *OTPRepository) Reissue(ctx context.Context, phoneHash, otpID, providerRef string, expiresAt time.Time) (bool, error) {
	applied, _, err := r.client.CAS(ctx, `
		UPDATE otp_requests SET provider_ref = ?, expires_at = ?, updated_at = ?
		WHERE phone_hash = ? AND otp_id = ? IF is_used = false`,
		providerRef, expiresAt.UTC(), time.Now().UTC(), phoneHash, otpID)
	if err != nil {
		return false, fmt.Errorf("failed to reissue otp: %w", err)
	}
	if applied {
		if err := r.enqueueExpiry(ctx, phoneHash, otpID, expiresAt); err != nil {
			r.logger.Warn("Failed to enqueue otp expiry", zap.String("otp_id", otpID), zap.Error(err))
		}
	}
	return applied, nil
}

func (r *OTPRepository) MarkUsed(ctx context.Context, phoneHash, otpID string, at time.Time) (bool, error) {
	applied, _, err := r.client.CAS(ctx, `
		UPDATE otp_requests SET is_used = true, used_at = ?, updated_at = ?
		WHERE phone_hash = ? AND otp_id = ? IF is_used = false`,
		at.UTC(), time.Now().UTC(), phoneHash, otpID)
	if err != nil {
		return false, fmt.Errorf("failed to mark otp used: %w", err)
	}
	return applied, nil
}

func (r *OTPRepository) MarkExpired(ctx context.Context, phoneHash, otpID string, now time.Time) (bool, error) {
	applied, _, err := r.client.CAS(ctx, `
		UPDATE otp_requests SET is_expired = true, updated_at = ?
		WHERE phone_hash = ? AND otp_id = ? IF is_used = false AND is_expired = false AND expires_at <= ?`,
		time.Now().UTC(), phoneHash, otpID, now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark otp expired: %w", err)
	}
	return applied, nil
}

func (r *OTPRepository) ExpiringIn(ctx context.Context, bucket time.Time) ([]models.OTPExpiryRef, error) {
	iter := r.client.Query(ctx, `
		SELECT phone_hash, otp_id, expires_at FROM otp_expiry_queue WHERE expiry_hour = ?`,
		bucket.UTC().Truncate(time.Hour)).Iter()

	var (
		refs []models.OTPExpiryRef
		ref  models.OTPExpiryRef
	)
	for iter.Scan(&ref.PhoneHash, &ref.OTPID, &ref.ExpiresAt) {
		refs = append(refs, ref)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list expiring otp requests: %w", err)
	}
	return refs, nil
}

func (r *OTPRepository) enqueueExpiry(ctx context.Context, phoneHash, otpID string, expiresAt time.Time) error {
	return r.client.Query(ctx, `
		INSERT INTO otp_expiry_queue (expiry_hour, expires_at, phone_hash, otp_id) VALUES (?, ?, ?, ?)`,
		expiresAt.UTC().Truncate(time.Hour), expiresAt.UTC(), phoneHash, otpID).Exec()
}
