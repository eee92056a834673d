package feed

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Publisher emits change events for newly written orders.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Source delivers change events to a consumer until ctx is done.
type Source interface {
	Run(ctx context.Context, c *Consumer) error
}

type BatchConfig struct {
	Size int
	Wait time.Duration
}

func (b BatchConfig) normalized() BatchConfig {
	if b.Size <= 0 {
		b.Size = 1
	}
	if b.Wait <= 0 {
		b.Wait = 50 * time.Millisecond
	}
	return b
}

// gather blocks for the first item, then collects up to size items or until
// wait elapses. It returns false once ch is closed and drained or ctx is done.
func gather[T any](ctx context.Context, ch <-chan T, cfg BatchConfig) ([]T, bool) {
	var first T
	select {
	case <-ctx.Done():
		return nil, false
	case v, ok := <-ch:
		if !ok {
			return nil, false
		}
		first = v
	}

	batch := []T{first}
	timer := time.NewTimer(cfg.Wait)
	defer timer.Stop()
	for len(batch) < cfg.Size {
		select {
		case <-ctx.Done():
			return batch, true
		case <-timer.C:
			return batch, true
		case v, ok := <-ch:
			if !ok {
				return batch, true
			}
			batch = append(batch, v)
		}
	}
	return batch, true
}

// processWithRetry runs records through c, redelivering failed ones with
// backoff until they succeed or ctx ends. It returns the records still
// failing when it gave up.
func processWithRetry(ctx context.Context, c *Consumer, records []Record, policy *RetryPolicy, logger *zap.Logger) []Record {
	return retryFailed(ctx, c, c.ProcessBatch(ctx, records), policy, logger).Retry()
}

// retryFailed re-runs the Failed records of res with backoff and writes each
// new result back in its original position. Records still failing when the
// policy is exhausted or ctx ends stay Failed.
func retryFailed(ctx context.Context, c *Consumer, res BatchResult, policy *RetryPolicy, logger *zap.Logger) BatchResult {
	for attempt := 0; ; attempt++ {
		var failed []int
		for i, r := range res.Results {
			if r.Disposition == Failed {
				failed = append(failed, i)
			}
		}
		if len(failed) == 0 || policy.Exhausted(attempt) {
			return res
		}

		delay := policy.NextDelay(attempt)
		logger.Warn("retrying failed change events",
			zap.Int("count", len(failed)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return res
		case <-time.After(delay):
		}

		records := make([]Record, len(failed))
		for j, i := range failed {
			records[j] = res.Results[i].Record
		}
		again := c.ProcessBatch(ctx, records)
		for j, i := range failed {
			res.Results[i] = again.Results[j]
		}
	}
}
