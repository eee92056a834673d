// Package settlement commits a planned match as one conditional store
// transaction and reports the resulting fill.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"material-market/internal/models"
	"material-market/internal/store"
)

var ErrInvalidPlan = errors.New("invalid settlement plan")

// Plan is the instruction set for one match: exactly one mutation per side
// and the fill those mutations realise.
type Plan struct {
	Mutations []store.Mutation
	Fill      *models.Fill
}

func (p Plan) Validate() error {
	if len(p.Mutations) != 2 {
		return fmt.Errorf("%w: %d mutations", ErrInvalidPlan, len(p.Mutations))
	}
	if p.Fill == nil {
		return fmt.Errorf("%w: missing fill", ErrInvalidPlan)
	}
	if err := p.Fill.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	for _, m := range p.Mutations {
		if m.Material != p.Fill.Material {
			return fmt.Errorf("%w: mutation for %q in a %q fill", ErrInvalidPlan, m.Material, p.Fill.Material)
		}
		if m.SortKey != p.Fill.BuySortKey && m.SortKey != p.Fill.SellSortKey {
			return fmt.Errorf("%w: mutation targets %s outside the fill", ErrInvalidPlan, m.SortKey)
		}
		var claimed int64
		switch m.Kind {
		case store.MutationDecrement:
			claimed = m.Amount
		case store.MutationDelete:
			claimed = m.Expected
		}
		if claimed != p.Fill.Quantity {
			return fmt.Errorf("%w: %s claims %d of a %d fill", ErrInvalidPlan, m.SortKey, claimed, p.Fill.Quantity)
		}
	}
	return store.ValidateMutations(p.Mutations)
}

// FillRecorder observes committed fills. Recorders run after the commit and
// their failures never affect it.
type FillRecorder interface {
	RecordFill(ctx context.Context, f *models.Fill) error
}

// RecorderFunc adapts a function to FillRecorder.
type RecorderFunc func(ctx context.Context, f *models.Fill) error

func (fn RecorderFunc) RecordFill(ctx context.Context, f *models.Fill) error {
	return fn(ctx, f)
}

type Executor struct {
	store     store.OrderStore
	recorders []FillRecorder
	logger    *zap.Logger
	now       func() time.Time
}

func NewExecutor(s store.OrderStore, logger *zap.Logger, recorders ...FillRecorder) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:     s,
		recorders: recorders,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Execute commits the plan. A failed condition comes back wrapping
// store.ErrAborted and leaves both orders untouched; it is not retried here.
func (e *Executor) Execute(ctx context.Context, p Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := e.store.CommitTransaction(ctx, p.Mutations); err != nil {
		if errors.Is(err, store.ErrInvalidMutation) {
			return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
		return err
	}

	p.Fill.ExecutedAt = e.now()
	e.logger.Info("fill committed",
		zap.String("material", p.Fill.Material),
		zap.String("buy_order_id", p.Fill.BuyOrderID),
		zap.String("sell_order_id", p.Fill.SellOrderID),
		zap.Int64("price", p.Fill.Price),
		zap.Int64("quantity", p.Fill.Quantity),
	)
	e.record(ctx, p.Fill)
	return nil
}

func (e *Executor) record(ctx context.Context, f *models.Fill) {
	for _, r := range e.recorders {
		if err := r.RecordFill(ctx, f); err != nil {
			e.logger.Warn("fill recorder failed",
				zap.String("fill_id", f.ID),
				zap.String("recorder", fmt.Sprintf("%T", r)),
				zap.Error(err),
			)
		}
	}
}
