package feed

import (
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// DLQHandler drains the dead-letter queue of change events that could not
// be decoded, logging each so it can be inspected.
type DLQHandler struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *zap.Logger
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewDLQHandler connects to the dead-letter queue that NewAMQPSource declares.
func NewDLQHandler(cfg AMQPConfig, logger *zap.Logger) (*DLQHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, ch, err := dialChannel(cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := declareExchange(ch, cfg.deadLetterExchange(), "direct"); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(cfg.deadLetterQueue(), true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.QueueBind(cfg.deadLetterQueue(), cfg.deadLetterQueue(), cfg.deadLetterExchange(), false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &DLQHandler{
		conn:    conn,
		channel: ch,
		queue:   cfg.deadLetterQueue(),
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start begins consuming messages from the DLQ.
func (d *DLQHandler) Start() error {
	msgs, err := d.channel.Consume(
		d.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	d.wg.Add(1)
	go d.processDLQMessages(msgs)

	d.logger.Info("dlq handler started", zap.String("queue", d.queue))
	return nil
}

func (d *DLQHandler) processDLQMessages(msgs <-chan amqp.Delivery) {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				d.logger.Warn("dlq channel closed")
				return
			}
			d.handleDLQMessage(msg)
		}
	}
}

func (d *DLQHandler) handleDLQMessage(msg amqp.Delivery) {
	fields := []zap.Field{
		zap.String("message_id", msg.MessageId),
		zap.ByteString("body", msg.Body),
	}
	if ev, _, err := DecodeEvent(msg.Body); err != nil {
		fields = append(fields, zap.String("event_id", ev.EventID), zap.Error(err))
	}
	d.logger.Warn("dead-lettered change event", fields...)

	// Logged; acking removes it so the queue does not grow without bound.
	if err := msg.Ack(false); err != nil {
		d.logger.Warn("failed to ack dlq message", zap.Error(err))
	}
}

// Stop gracefully shuts down the DLQ handler.
func (d *DLQHandler) Stop() {
	close(d.done)
	d.wg.Wait()

	if d.channel != nil {
		d.channel.Close()
	}
	if d.conn != nil {
		d.conn.Close()
	}

	d.logger.Info("dlq handler stopped")
}
