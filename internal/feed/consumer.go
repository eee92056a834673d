package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"material-market/internal/matcher"
	"material-market/internal/models"
)

// Record is one raw change event as delivered by a source.
type Record struct {
	ID   string
	Data []byte
}

type Disposition string

const (
	// Matched: at least one fill was committed.
	Matched Disposition = "matched"
	// Resting: the order was live but nothing crossed it, or a concurrent
	// match won the race.
	Resting Disposition = "resting"
	// Skipped: no work in the event, or the order was already gone.
	Skipped Disposition = "skipped"
	// Malformed: the event could not be decoded into an order.
	Malformed Disposition = "malformed"
	// Rejected: the match attempt broke an invariant and was refused.
	Rejected Disposition = "rejected"
	// Failed: a transient error; the event must be delivered again.
	Failed Disposition = "failed"
)

type Result struct {
	Record      Record
	Disposition Disposition
	Outcome     matcher.Outcome
	Err         error
}

type BatchResult struct {
	Results []Result
}

// Count returns how many records ended with disposition d.
func (b BatchResult) Count(d Disposition) int {
	n := 0
	for _, r := range b.Results {
		if r.Disposition == d {
			n++
		}
	}
	return n
}

// Retry returns the records that must be delivered again.
func (b BatchResult) Retry() []Record {
	var out []Record
	for _, r := range b.Results {
		if r.Disposition == Failed {
			out = append(out, r.Record)
		}
	}
	return out
}

// Matcher is the part of matcher.Matcher the consumer drives.
type Matcher interface {
	Match(ctx context.Context, ref *models.Order) (matcher.Outcome, error)
}

// Observer is told every record's disposition.
type Observer interface {
	ObserveEvent(disposition string)
}

type Consumer struct {
	matcher  Matcher
	workers  int
	logger   *zap.Logger
	observer Observer
}

type ConsumerConfig struct {
	// Workers bounds concurrent matches within a batch; zero runs one per record.
	Workers  int
	Logger   *zap.Logger
	Observer Observer
}

func NewConsumer(m Matcher, cfg ConsumerConfig) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		matcher:  m,
		workers:  cfg.Workers,
		logger:   logger,
		observer: cfg.Observer,
	}
}

// ProcessBatch decodes every record and matches each order in its own
// goroutine. Records never affect each other's disposition.
func (c *Consumer) ProcessBatch(ctx context.Context, records []Record) BatchResult {
	res := BatchResult{Results: make([]Result, len(records))}

	var sem chan struct{}
	if c.workers > 0 {
		sem = make(chan struct{}, c.workers)
	}

	var wg sync.WaitGroup
	for i, rec := range records {
		wg.Add(1)
		go func(i int, rec Record) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					res.Results[i] = Result{Record: rec, Disposition: Failed, Err: ctx.Err()}
					return
				}
			}
			res.Results[i] = c.process(ctx, rec)
		}(i, rec)
	}
	wg.Wait()

	if c.observer != nil {
		for _, r := range res.Results {
			c.observer.ObserveEvent(string(r.Disposition))
		}
	}
	return res
}

func (c *Consumer) process(ctx context.Context, rec Record) (res Result) {
	res.Record = rec
	defer func() {
		if p := recover(); p != nil {
			res.Disposition = Rejected
			res.Err = fmt.Errorf("panic while matching: %v", p)
			c.logger.Error("match panicked", zap.String("record_id", rec.ID), zap.Any("panic", p))
		}
	}()

	ev, order, err := DecodeEvent(rec.Data)
	switch {
	case Skippable(err):
		res.Disposition = Skipped
		c.logger.Debug("change event skipped",
			zap.String("record_id", rec.ID),
			zap.String("event_id", ev.EventID),
			zap.String("event_name", string(ev.EventName)),
		)
		return res
	case err != nil:
		res.Disposition = Malformed
		res.Err = err
		c.logger.Warn("malformed change event",
			zap.String("record_id", rec.ID),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		return res
	}

	out, err := c.matcher.Match(ctx, order)
	res.Outcome = out
	res.Err = err
	switch {
	case errors.Is(err, matcher.ErrInvariantViolation):
		res.Disposition = Rejected
		c.logger.Error("match rejected",
			zap.String("event_id", ev.EventID),
			zap.String("material", order.Material),
			zap.String("sort_key", order.SortKey),
			zap.Error(err),
		)
	case err != nil:
		res.Disposition = Failed
		c.logger.Warn("match failed, event will be redelivered",
			zap.String("event_id", ev.EventID),
			zap.String("sort_key", order.SortKey),
			zap.Error(err),
		)
	case len(out.Fills) > 0:
		res.Disposition = Matched
	case out.Stale:
		res.Disposition = Skipped
		c.logger.Debug("order already consumed",
			zap.String("event_id", ev.EventID),
			zap.String("sort_key", order.SortKey),
		)
	default:
		res.Disposition = Resting
	}
	return res
}
