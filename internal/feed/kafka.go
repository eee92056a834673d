package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"material-market/internal/models"
)

type KafkaConfig struct {
	Brokers   []string
	Topic     string
	FillTopic string
	GroupID   string
	Batch     BatchConfig
	Retry     RetryConfig
}

// KafkaPublisher writes change events keyed by material, so one material's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer    *kafka.Writer
	topic     string
	fillTopic string
}

func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic:     cfg.Topic,
		fillTopic: cfg.FillTopic,
	}
}

func (p *KafkaPublisher) send(ctx context.Context, topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev ChangeEvent) error {
	return p.send(ctx, p.topic, ev.Material, ev)
}

// RecordFill writes f to the fill topic when one is configured.
func (p *KafkaPublisher) RecordFill(ctx context.Context, f *models.Fill) error {
	if p.fillTopic == "" {
		return nil
	}
	return p.send(ctx, p.fillTopic, f.Material, f)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaSource reads change events as a consumer group member. Offsets are
// committed only after every record in a batch has a final disposition;
// failed records are retried in place until they succeed or the source
// stops, in which case the batch is left uncommitted for redelivery.
type KafkaSource struct {
	reader *kafka.Reader
	batch  BatchConfig
	retry  *RetryPolicy
	logger *zap.Logger
}

func NewKafkaSource(cfg KafkaConfig, logger *zap.Logger) *KafkaSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			GroupID: cfg.GroupID,
			Topic:   cfg.Topic,
		}),
		batch:  cfg.Batch.normalized(),
		retry:  NewRetryPolicy(cfg.Retry),
		logger: logger,
	}
}

func (s *KafkaSource) fetchBatch(ctx context.Context) ([]kafka.Message, error) {
	first, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	msgs := []kafka.Message{first}

	waitCtx, cancel := context.WithTimeout(ctx, s.batch.Wait)
	defer cancel()
	for len(msgs) < s.batch.Size {
		m, err := s.reader.FetchMessage(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return msgs, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *KafkaSource) Run(ctx context.Context, c *Consumer) error {
	for {
		msgs, err := s.fetchBatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch change events: %w", err)
		}

		records := make([]Record, len(msgs))
		for i, m := range msgs {
			records[i] = Record{
				ID:   fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset),
				Data: m.Value,
			}
		}

		if pending := processWithRetry(ctx, c, records, s.retry, s.logger); len(pending) > 0 {
			s.logger.Warn("leaving change events uncommitted", zap.Int("count", len(pending)))
			return nil
		}
		if err := s.reader.CommitMessages(context.WithoutCancel(ctx), msgs...); err != nil {
			return fmt.Errorf("commit offsets: %w", err)
		}
	}
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
