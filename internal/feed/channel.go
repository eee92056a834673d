package feed

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrFeedClosed = errors.New("feed closed")

// ChannelFeed is the in-process change feed used when the order store has
// no external stream. Publish enqueues; Run drains in batches.
type ChannelFeed struct {
	ch     chan Record
	batch  BatchConfig
	retry  *RetryPolicy
	logger *zap.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	senders sync.WaitGroup
}

func NewChannelFeed(buffer int, batch BatchConfig, retry RetryConfig, logger *zap.Logger) *ChannelFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelFeed{
		ch:     make(chan Record, buffer),
		done:   make(chan struct{}),
		batch:  batch.normalized(),
		retry:  NewRetryPolicy(retry),
		logger: logger,
	}
}

func (f *ChannelFeed) Publish(ctx context.Context, ev ChangeEvent) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}

	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return ErrFeedClosed
	}
	f.senders.Add(1)
	f.mu.RUnlock()
	defer f.senders.Done()

	select {
	case f.ch <- Record{ID: ev.EventID, Data: data}:
		return nil
	case <-f.done:
		return ErrFeedClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and releases publishers blocked on a full
// buffer; Run returns once the backlog is drained.
func (f *ChannelFeed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.done)
	f.mu.Unlock()

	f.senders.Wait()
	close(f.ch)
}

func (f *ChannelFeed) Run(ctx context.Context, c *Consumer) error {
	for {
		records, ok := gather(ctx, f.ch, f.batch)
		if !ok {
			return ctx.Err()
		}
		if dropped := processWithRetry(ctx, c, records, f.retry, f.logger); len(dropped) > 0 {
			// Nothing upstream can redeliver these.
			for _, r := range dropped {
				f.logger.Error("change event dropped after retries", zap.String("record_id", r.ID))
			}
		}
	}
}
