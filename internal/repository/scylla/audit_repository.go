package scylla

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"identity-service/internal/models"
	"identity-service/internal/repository"
)

// AuditRepository appends rows to audit_log, partitioned by (event_bucket, event_date).
type AuditRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

var _ repository.AuditRepository = (*AuditRepository)(nil)

func NewAuditRepository(client *ScyllaClient, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{client: client, logger: logger}
}

func (r *AuditRepository) Insert(ctx context.Context, e *models.AuditEvent) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}

	err = r.client.Query(ctx, `
		INSERT INTO audit_log (event_bucket, event_date, created_at, event_id, event_type, user_id,
			entity_type, entity_id, action, metadata, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventBucket, e.EventDate, e.CreatedAt.UTC(), e.EventID, string(e.EventType), e.UserID,
		e.EntityType, e.EntityID, e.Action, string(metadata), e.IPAddress, e.UserAgent).Exec()
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}
