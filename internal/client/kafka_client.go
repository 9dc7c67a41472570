package client

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"identity-service/internal/config"
)

// messageWriter is the part of kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	Writer  messageWriter
	brokers []string
	logger  *zap.Logger
}

func NewKafkaProducer(cfg *config.Config, logger *zap.Logger) (*KafkaProducer, error) {
	kafkaConfig := cfg.Kafka
	if len(kafkaConfig.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(kafkaConfig.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchSize:              100,
		BatchBytes:             1048576,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: cfg.IsDevelopment(),
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to write kafka messages",
					zap.Error(err),
					zap.Int("message_count", len(messages)),
				)
			}
		},
	}

	logger.Info("Kafka producer initialized", zap.Strings("brokers", kafkaConfig.Brokers))

	return &KafkaProducer{Writer: writer, brokers: kafkaConfig.Brokers, logger: logger}, nil
}

// NewKafkaProducerWithWriter builds a producer over any writer.
func NewKafkaProducerWithWriter(w messageWriter, logger *zap.Logger) *KafkaProducer {
	return &KafkaProducer{Writer: w, logger: logger}
}

func (p *KafkaProducer) Close() error {
	if p.Writer != nil {
		if err := p.Writer.Close(); err != nil {
			p.logger.Error("failed to close Kafka producer", zap.Error(err))
			return err
		}
		p.logger.Info("Kafka producer closed")
	}
	return nil
}

func (p *KafkaProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// HealthCheck dials the first broker and lists partitions.
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	dialer := &kafka.Dialer{Timeout: 5 * time.Second, DualStack: true}

	conn, err := dialer.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read Kafka partitions: %w", err)
	}
	return nil
}
