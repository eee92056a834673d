package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"material-market/internal/models"
)

const (
	RoutingOrderChanged = "order.changed"
	RoutingFillExecuted = "fill.executed"
)

type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
	Batch    BatchConfig
	// Retry bounds the in-process retries of Failed records before they are
	// requeued. A zero or unbounded config falls back to DefaultRetryConfig.
	Retry RetryConfig
}

func (c AMQPConfig) deadLetterExchange() string {
	return c.Exchange + ".dlx"
}

func (c AMQPConfig) deadLetterQueue() string {
	return c.Queue + ".dlq"
}

func dialChannel(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return conn, ch, nil
}

func declareExchange(ch *amqp.Channel, name, kind string) error {
	return ch.ExchangeDeclare(
		name,
		kind,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}

// AMQPPublisher publishes change events and executed fills to a topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	mu       sync.Mutex
	logger   *zap.Logger
}

func NewAMQPPublisher(cfg AMQPConfig, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, ch, err := dialChannel(cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := declareExchange(ch, cfg.Exchange, "topic"); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, channel: ch, exchange: cfg.Exchange, logger: logger}, nil
}

func (p *AMQPPublisher) publish(routingKey, messageID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	// amqp.Channel is not safe for concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.Publish(
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	p.logger.Debug("event published", zap.String("routing_key", routingKey), zap.String("message_id", messageID))
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev ChangeEvent) error {
	return p.publish(RoutingOrderChanged, ev.EventID, ev)
}

// RecordFill publishes f under fill.executed.
func (p *AMQPPublisher) RecordFill(ctx context.Context, f *models.Fill) error {
	return p.publish(RoutingFillExecuted, f.ID, f)
}

func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// AMQPSource consumes order.changed from a durable queue with manual acks.
// Failed records are retried with backoff, then requeued; malformed ones are
// rejected into the dead-letter exchange.
type AMQPSource struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     AMQPConfig
	retry   *RetryPolicy
	logger  *zap.Logger
}

func NewAMQPSource(cfg AMQPConfig, logger *zap.Logger) (*AMQPSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Batch = cfg.Batch.normalized()
	if cfg.Prefetch < cfg.Batch.Size {
		cfg.Prefetch = cfg.Batch.Size
	}
	if cfg.Retry == (RetryConfig{}) || cfg.Retry.MaxRetries < 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	conn, ch, err := dialChannel(cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := setupTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPSource{conn: conn, channel: ch, cfg: cfg, retry: NewRetryPolicy(cfg.Retry), logger: logger}, nil
}

func setupTopology(ch *amqp.Channel, cfg AMQPConfig) error {
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return err
	}
	if err := declareExchange(ch, cfg.Exchange, "topic"); err != nil {
		return err
	}
	if err := declareExchange(ch, cfg.deadLetterExchange(), "direct"); err != nil {
		return err
	}

	_, err := ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    cfg.deadLetterExchange(),
			"x-dead-letter-routing-key": cfg.deadLetterQueue(),
		},
	)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(cfg.Queue, RoutingOrderChanged, cfg.Exchange, false, nil); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(cfg.deadLetterQueue(), true, false, false, false, nil); err != nil {
		return err
	}
	return ch.QueueBind(cfg.deadLetterQueue(), cfg.deadLetterQueue(), cfg.deadLetterExchange(), false, nil)
}

func (s *AMQPSource) Run(ctx context.Context, c *Consumer) error {
	msgs, err := s.channel.Consume(
		s.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.cfg.Queue, err)
	}
	s.logger.Info("amqp source started", zap.String("queue", s.cfg.Queue))

	for {
		batch, ok := gather(ctx, msgs, s.cfg.Batch)
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("queue %s closed", s.cfg.Queue)
		}

		records := make([]Record, len(batch))
		for i, d := range batch {
			records[i] = Record{ID: d.MessageId, Data: d.Body}
		}
		// In-flight batches finish even during shutdown so acks are accurate.
		res := c.ProcessBatch(context.WithoutCancel(ctx), records)
		// Backoff stops at shutdown; whatever still fails is requeued.
		res = retryFailed(ctx, c, res, s.retry, s.logger)
		settleDeliveries(batch, res, s.logger)
	}
}

// settleDeliveries acknowledges each delivery according to its record's
// disposition.
func settleDeliveries(batch []amqp.Delivery, res BatchResult, logger *zap.Logger) {
	for i, d := range batch {
		var err error
		switch res.Results[i].Disposition {
		case Failed:
			err = d.Nack(false, true)
		case Malformed:
			err = d.Nack(false, false)
		default:
			err = d.Ack(false)
		}
		if err != nil {
			logger.Warn("failed to settle delivery", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		}
	}
}

func (s *AMQPSource) Close() {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
