package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/config"
	"identity-service/internal/models"
	"identity-service/internal/repository/memory"
)

type recordingSink struct {
	name   string
	mu     sync.Mutex
	events []*models.AuditEvent
	err    error
	delay  time.Duration
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(ctx context.Context, e *models.AuditEvent) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func newBuckets() *bucketing.BucketingManager {
	cfg := &config.Config{}
	cfg.Bucketing.UserBuckets = 16
	cfg.Bucketing.EventBuckets = 8
	return bucketing.NewBucketingManager(cfg)
}

type failingRepo struct{}

func (failingRepo) Insert(context.Context, *models.AuditEvent) error { return errors.New("scylla down") }

func TestRecordRedactsAndStores(t *testing.T) {
	store := memory.NewAuditStore()
	sink := &recordingSink{name: "test"}
	now := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("IST", 19800))
	r := NewRecorder(store, newBuckets(), time.Second, zap.NewNop(), sink).WithClock(func() time.Time { return now })

	err := r.Record(context.Background(), Event{
		Type:       models.EventOTPSent,
		EntityType: "otp_request",
		Action:     "send",
		Metadata: map[string]interface{}{
			"phone":        "+919876543210",
			"refreshToken": "secret",
			"attempt":      2,
		},
		IPAddress: "10.0.0.1",
	})
	require.NoError(t, err)

	events := store.Events()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, models.EventOTPSent, e.EventType)
	assert.Equal(t, "2026-03-01", e.EventDate)
	assert.Equal(t, now.UTC(), e.CreatedAt)
	assert.NotEmpty(t, e.EventID)
	assert.GreaterOrEqual(t, e.EventBucket, 0)
	assert.Less(t, e.EventBucket, 8)
	assert.Equal(t, "+91******3210", e.Metadata["phone"])
	assert.NotContains(t, e.Metadata, "refreshToken")
	assert.Equal(t, 2, e.Metadata["attempt"])

	require.Len(t, sink.events, 1)
	assert.Equal(t, e.EventID, sink.events[0].EventID)
}

func TestRecordIgnoresSinkFailures(t *testing.T) {
	store := memory.NewAuditStore()
	broken := &recordingSink{name: "broken", err: errors.New("broker unreachable")}
	slow := &recordingSink{name: "slow", delay: time.Second}
	healthy := &recordingSink{name: "healthy"}
	r := NewRecorder(store, newBuckets(), 50*time.Millisecond, zap.NewNop(), broken, slow, healthy)

	start := time.Now()
	require.NoError(t, r.Record(context.Background(), Event{Type: models.EventLogout, UserID: "u1"}))
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	assert.Equal(t, 1, store.Count(models.EventLogout))
	assert.Len(t, healthy.events, 1)
	assert.Empty(t, slow.events)
}

func TestRecordSurfacesStoreFailure(t *testing.T) {
	sink := &recordingSink{name: "test"}
	r := NewRecorder(failingRepo{}, newBuckets(), time.Second, zap.NewNop(), sink)

	err := r.Record(context.Background(), Event{Type: models.EventStateMismatch})
	assert.Error(t, err)
	assert.Empty(t, sink.events, "sinks only see stored events")
}

type fakeProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

func (p *fakeProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.topic, p.key, p.value, p.headers = topic, key, value, headers
	return nil
}

type fakeColumnar struct {
	query string
	args  []interface{}
	execs []string
}

func (c *fakeColumnar) Exec(_ context.Context, query string, _ ...interface{}) error {
	c.execs = append(c.execs, query)
	return nil
}

func (c *fakeColumnar) AsyncInsert(_ context.Context, query string, _ bool, args ...interface{}) error {
	c.query, c.args = query, args
	return nil
}

type fakeIndexer struct {
	index string
	id    string
	doc   interface{}
}

func (i *fakeIndexer) IndexDocument(_ context.Context, index, id string, doc interface{}) error {
	i.index, i.id, i.doc = index, id, doc
	return nil
}

func TestSinks(t *testing.T) {
	event := &models.AuditEvent{
		EventID:   "evt-1",
		EventType: models.EventTierUpgraded,
		UserID:    "user-1",
		Action:    "upgrade",
		Metadata:  map[string]interface{}{"level": 2},
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	ctx := context.Background()

	t.Run("kafka", func(t *testing.T) {
		p := &fakeProducer{}
		require.NoError(t, NewKafkaSink(p, "identity.audit").Publish(ctx, event))
		assert.Equal(t, "identity.audit", p.topic)
		assert.Equal(t, []byte("user-1"), p.key)
		assert.Equal(t, "TIER_UPGRADED", p.headers["event_type"])

		var decoded models.AuditEvent
		require.NoError(t, json.Unmarshal(p.value, &decoded))
		assert.Equal(t, "evt-1", decoded.EventID)
	})

	t.Run("clickhouse", func(t *testing.T) {
		c := &fakeColumnar{}
		sink := NewClickHouseSink(c, "audit_events")
		require.NoError(t, sink.EnsureTable(ctx))
		require.NoError(t, sink.Publish(ctx, event))
		assert.Contains(t, c.execs[0], "CREATE TABLE IF NOT EXISTS audit_events")
		assert.Contains(t, c.query, "INSERT INTO audit_events")
		require.Len(t, c.args, 9)
		assert.Equal(t, `{"level":2}`, c.args[6])
	})

	t.Run("elasticsearch", func(t *testing.T) {
		i := &fakeIndexer{}
		require.NoError(t, NewElasticsearchSink(i, "identity-audit").Publish(ctx, event))
		assert.Equal(t, "identity-audit", i.index)
		assert.Equal(t, "evt-1", i.id)
	})
}
