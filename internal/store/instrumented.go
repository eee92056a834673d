package store

import (
	"context"
	"errors"
	"time"

	"material-market/internal/models"
)

// Observer receives the outcome and latency of every store call.
type Observer interface {
	ObserveStoreOp(op, result string, d time.Duration)
}

// Instrument wraps s so every call is reported to obs.
func Instrument(s OrderStore, obs Observer) OrderStore {
	if obs == nil {
		return s
	}
	return &instrumented{next: s, obs: obs}
}

type instrumented struct {
	next OrderStore
	obs  Observer
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	i.obs.ObserveStoreOp(op, Result(err), time.Since(start))
}

// Result labels err for metrics.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

func (i *instrumented) Put(ctx context.Context, o *models.Order) error {
	start := time.Now()
	err := i.next.Put(ctx, o)
	i.observe("put", start, err)
	return err
}

func (i *instrumented) Get(ctx context.Context, material, sortKey string) (*models.Order, error) {
	start := time.Now()
	o, err := i.next.Get(ctx, material, sortKey)
	i.observe("get", start, err)
	return o, err
}

func (i *instrumented) QueryBestCounter(ctx context.Context, q CounterQuery) (*models.Order, error) {
	start := time.Now()
	o, err := i.next.QueryBestCounter(ctx, q)
	i.observe("query_best_counter", start, err)
	return o, err
}

func (i *instrumented) CommitTransaction(ctx context.Context, ops []Mutation) error {
	start := time.Now()
	err := i.next.CommitTransaction(ctx, ops)
	i.observe("commit_transaction", start, err)
	return err
}

func (i *instrumented) List(ctx context.Context, material string, side models.Side, limit int) ([]*models.Order, error) {
	start := time.Now()
	out, err := i.next.List(ctx, material, side, limit)
	i.observe("list", start, err)
	return out, err
}
