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

const sessionColumns = `user_id, session_id, refresh_token_hash, device_info, ip_address, user_agent,
	expires_at, is_revoked, revoked_at, created_at`

type SessionRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

var _ repository.SessionRepository = (*SessionRepository)(nil)

func NewSessionRepository(client *ScyllaClient, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{client: client, logger: logger}
}

func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	err := r.client.Query(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.UserID, s.SessionID, s.RefreshTokenHash, s.DeviceInfo, s.IPAddress, s.UserAgent,
		s.ExpiresAt.UTC(), s.IsRevoked, nullableTime(s.RevokedAt), s.CreatedAt.UTC()).Exec()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	iter := r.client.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND session_id = ?`,
		userID, sessionID).Iter()
	sessions, err := scanSessions(iter)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, repository.ErrNotFound
	}
	return sessions[0], nil
}

func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	iter := r.client.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = ?`, userID).Iter()
	return scanSessions(iter)
}

func (r *SessionRepository) RevokeAll(ctx context.Context, userID string, at time.Time) (int, error) {
	sessions, err := r.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, s := range sessions {
		if s.IsRevoked {
			continue
		}
		batch.Query(`UPDATE sessions SET is_revoked = true, revoked_at = ? WHERE user_id = ? AND session_id = ?`,
			at.UTC(), userID, s.SessionID)
	}
	if batch.Size() == 0 {
		return 0, nil
	}
	// Single partition, so the unlogged batch is atomic.
	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}

	r.logger.Info("Sessions revoked", zap.String("user_id", userID), zap.Int("count", batch.Size()))
	return batch.Size(), nil
}

func scanSessions(iter *gocql.Iter) ([]*models.Session, error) {
	var out []*models.Session
	for {
		s := &models.Session{}
		var revokedAt time.Time
		if !iter.Scan(&s.UserID, &s.SessionID, &s.RefreshTokenHash, &s.DeviceInfo, &s.IPAddress, &s.UserAgent,
			&s.ExpiresAt, &s.IsRevoked, &revokedAt, &s.CreatedAt) {
			break
		}
		s.RevokedAt = timePtr(revokedAt)
		out = append(out, s)
	}
	if err := iter.Close(); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return out, nil
}
