// Package audit writes the append-only audit trail and streams it to secondary sinks.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

// Sink receives a copy of every stored event. Sink failures never fail the recorded operation.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event *models.AuditEvent) error
}

type Event struct {
	Type       models.AuditEventType
	UserID     string
	EntityType string
	EntityID   string
	Action     string
	Metadata   map[string]interface{}
	IPAddress  string
	UserAgent  string
}

type Recorder struct {
	repo        repository.AuditRepository
	bucketing   *bucketing.BucketingManager
	sinks       []Sink
	sinkTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

func NewRecorder(repo repository.AuditRepository, bm *bucketing.BucketingManager, sinkTimeout time.Duration, logger *zap.Logger, sinks ...Sink) *Recorder {
	if sinkTimeout <= 0 {
		sinkTimeout = 2 * time.Second
	}
	return &Recorder{
		repo:        repo,
		bucketing:   bm,
		sinks:       sinks,
		sinkTimeout: sinkTimeout,
		now:         time.Now,
		logger:      logger,
	}
}

func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record stores exactly one audit row and returns once it is durable.
// Callers fail the request when it returns an error.
func (r *Recorder) Record(ctx context.Context, e Event) error {
	now := r.now().UTC()
	eventID := uuid.New().String()

	event := &models.AuditEvent{
		EventBucket: r.bucketing.GetEventBucket(eventID),
		EventDate:   r.bucketing.GetDateBucket(now),
		EventID:     eventID,
		EventType:   e.Type,
		UserID:      e.UserID,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Action:      e.Action,
		Metadata:    util.RedactMetadata(e.Metadata),
		IPAddress:   e.IPAddress,
		UserAgent:   util.TruncateUserAgent(e.UserAgent),
		CreatedAt:   now,
	}

	if err := r.repo.Insert(ctx, event); err != nil {
		r.logger.Error("Failed to write audit event",
			zap.String("event_type", string(e.Type)),
			zap.String("user_id", e.UserID),
			zap.Error(err))
		return fmt.Errorf("audit insert: %w", err)
	}

	r.fanOut(ctx, event)
	return nil
}

func (r *Recorder) fanOut(ctx context.Context, event *models.AuditEvent) {
	if len(r.sinks) == 0 {
		return
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sinkTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range r.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Publish(sctx, event); err != nil {
				r.logger.Warn("Audit sink publish failed",
					zap.String("sink", sink.Name()),
					zap.String("event_id", event.EventID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
