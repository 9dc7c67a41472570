package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"identity-service/internal/models"
)

type messageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink streams events keyed by user so a user's events stay ordered within a partition.
type KafkaSink struct {
	producer messageProducer
	topic    string
}

func NewKafkaSink(producer messageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, event *models.AuditEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	key := event.UserID
	if key == "" {
		key = event.EventID
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(key), value, map[string]string{
		"event_type": string(event.EventType),
		"event_id":   event.EventID,
	})
}

type columnarInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	AsyncInsert(ctx context.Context, query string, wait bool, args ...interface{}) error
}

// ClickHouseSink appends events to a MergeTree table for analytics.
type ClickHouseSink struct {
	db    columnarInserter
	table string
}

func NewClickHouseSink(db columnarInserter, table string) *ClickHouseSink {
	return &ClickHouseSink{db: db, table: table}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	return s.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			event_id    String,
			event_type  LowCardinality(String),
			user_id     String,
			entity_type LowCardinality(String),
			entity_id   String,
			action      LowCardinality(String),
			metadata    String,
			ip_address  String,
			created_at  DateTime64(3, 'UTC')
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(created_at)
		ORDER BY (event_type, created_at)`, s.table))
}

func (s *ClickHouseSink) Publish(ctx context.Context, event *models.AuditEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	return s.db.AsyncInsert(ctx, fmt.Sprintf(`
		INSERT INTO %s (event_id, event_type, user_id, entity_type, entity_id, action, metadata, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table), false,
		event.EventID, string(event.EventType), event.UserID, event.EntityType, event.EntityID,
		event.Action, string(metadata), event.IPAddress, event.CreatedAt)
}

type documentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes events by id, so a retried publish overwrites rather than duplicates.
type ElasticsearchSink struct {
	es    documentIndexer
	index string
}

func NewElasticsearchSink(es documentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Publish(ctx context.Context, event *models.AuditEvent) error {
	return s.es.IndexDocument(ctx, s.index, event.EventID, event)
}
