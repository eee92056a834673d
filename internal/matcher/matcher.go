// Package matcher runs the per-order matching cycle: reload the order,
// find its best counter-order, and settle the claimed quantity.
//
// A match moves through Received, Reloaded, then CounterFound or NoCounter,
// and ends Settled or Aborted. Every round reloads from the store, so the
// cycle is safe to repeat for a redelivered event and safe to race against
// other workers: the settlement's conditions decide which of two competing
// claims wins.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"material-market/internal/keys"
	"material-market/internal/models"
	"material-market/internal/settlement"
	"material-market/internal/store"
)

var (
	ErrInvariantViolation = errors.New("matching invariant violated")
	ErrSelfMatch          = fmt.Errorf("%w: order matched against itself", ErrInvariantViolation)
)

type State string

const (
	Received     State = "received"
	Reloaded     State = "reloaded"
	CounterFound State = "counter_found"
	NoCounter    State = "no_counter"
	Settled      State = "settled"
	Aborted      State = "aborted"
)

// Outcome describes one call to Match. State is where the last round
// ended; Fills holds every fill committed across rounds.
type Outcome struct {
	State State
	// Stale is set when the order was already gone or exhausted on reload.
	Stale     bool
	Rounds    int
	Fills     []*models.Fill
	Remaining int64
}

// Settler commits a plan; settlement.Executor is the production one.
type Settler interface {
	Execute(ctx context.Context, p settlement.Plan) error
}

// Observer is told the terminal state of every round.
type Observer interface {
	ObserveMatch(state string)
}

type Matcher struct {
	store     store.OrderStore
	settler   Settler
	logger    *zap.Logger
	observer  Observer
	maxRounds int
	newID     func() (string, error)
}

type Option func(*Matcher)

func WithLogger(l *zap.Logger) Option {
	return func(m *Matcher) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Matcher) { m.observer = o }
}

// WithMaxRounds bounds how many reload-match-settle cycles one Match may
// run while the incoming order keeps a remainder. One means event-driven
// only: a remainder waits for the next counter-order's event.
func WithMaxRounds(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.maxRounds = n
		}
	}
}

func New(s store.OrderStore, settler Settler, opts ...Option) *Matcher {
	m := &Matcher{
		store:     s,
		settler:   settler,
		logger:    zap.NewNop(),
		maxRounds: 1,
		newID:     keys.NewOrderID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match runs the cycle for the order identified by ref. Only ref's material
// and sort key are trusted; everything else is reloaded.
//
// A lost race (reload finds nothing, or settlement aborts) is not an error.
// Errors wrapping ErrInvariantViolation mean this match attempt was refused;
// any other error is transient and the event should be redelivered.
func (m *Matcher) Match(ctx context.Context, ref *models.Order) (Outcome, error) {
	out := Outcome{State: Received}

	for out.Rounds < m.maxRounds {
		out.Rounds++
		done, err := m.round(ctx, ref, &out)
		if m.observer != nil {
			m.observer.ObserveMatch(string(out.State))
		}
		if err != nil || done {
			return out, err
		}
	}
	return out, nil
}

// round runs one full cycle and reports whether matching should stop.
func (m *Matcher) round(ctx context.Context, ref *models.Order, out *Outcome) (bool, error) {
	incoming, err := m.store.Get(ctx, ref.Material, ref.SortKey)
	if errors.Is(err, store.ErrNotFound) {
		out.State = NoCounter
		out.Remaining = 0
		out.Stale = len(out.Fills) == 0
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("reload %s: %w", ref.SortKey, err)
	}
	if incoming.Quantity <= 0 {
		out.State = NoCounter
		out.Remaining = 0
		out.Stale = len(out.Fills) == 0
		return true, nil
	}
	out.State = Reloaded
	out.Remaining = incoming.Quantity

	counter, err := m.store.QueryBestCounter(ctx, store.CounterQueryFor(incoming))
	if errors.Is(err, store.ErrNotFound) {
		out.State = NoCounter
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("query counter for %s: %w", incoming.SortKey, err)
	}
	out.State = CounterFound

	id, err := m.newID()
	if err != nil {
		return true, err
	}
	plan, err := Plan(incoming, counter, id)
	if err != nil {
		out.State = Aborted
		return true, err
	}

	err = m.settler.Execute(ctx, plan)
	switch {
	case errors.Is(err, store.ErrAborted):
		out.State = Aborted
		m.logger.Debug("settlement aborted by a concurrent match",
			zap.String("material", incoming.Material),
			zap.String("sort_key", incoming.SortKey),
			zap.String("counter_sort_key", counter.SortKey),
			zap.Error(err),
		)
		return true, nil
	case errors.Is(err, settlement.ErrInvalidPlan):
		out.State = Aborted
		return true, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	case err != nil:
		out.State = Aborted
		return true, fmt.Errorf("settle %s against %s: %w", incoming.SortKey, counter.SortKey, err)
	}

	out.State = Settled
	out.Fills = append(out.Fills, plan.Fill)
	out.Remaining = incoming.Quantity - plan.Fill.Quantity
	return out.Remaining == 0, nil
}

// Plan computes the settlement for incoming against counter. The trade runs
// at the counter-order's price for the smaller of the two quantities; each
// side is deleted when that exhausts it and decremented otherwise.
func Plan(incoming, counter *models.Order, fillID string) (settlement.Plan, error) {
	if err := checkPair(incoming, counter); err != nil {
		return settlement.Plan{}, err
	}

	claimed := min(incoming.Quantity, counter.Quantity)
	price := counter.PricePerUnit
	if claimed > math.MaxInt64/price {
		return settlement.Plan{}, fmt.Errorf("%w: total cost of %d x %d overflows", ErrInvariantViolation, claimed, price)
	}

	buy, sell := incoming, counter
	if incoming.Side == models.Sell {
		buy, sell = counter, incoming
	}

	return settlement.Plan{
		Mutations: []store.Mutation{
			claim(incoming, claimed),
			claim(counter, claimed),
		},
		Fill: &models.Fill{
			ID:          fillID,
			Material:    incoming.Material,
			BuyOrderID:  buy.OrderID,
			SellOrderID: sell.OrderID,
			BuySortKey:  buy.SortKey,
			SellSortKey: sell.SortKey,
			TakerSide:   incoming.Side,
			Price:       price,
			Quantity:    claimed,
			TotalCost:   price * claimed,
		},
	}, nil
}

func claim(o *models.Order, qty int64) store.Mutation {
	if o.Quantity == qty {
		return store.Delete(o.Material, o.SortKey, qty)
	}
	return store.Decrement(o.Material, o.SortKey, qty)
}

// checkPair refuses any pairing the counter query should never have
// produced. Nothing is clamped.
func checkPair(incoming, counter *models.Order) error {
	if incoming.OrderID == counter.OrderID || incoming.SortKey == counter.SortKey {
		return fmt.Errorf("%w: %s", ErrSelfMatch, incoming.OrderID)
	}
	if incoming.Material != counter.Material {
		return fmt.Errorf("%w: %q matched against %q", ErrInvariantViolation, incoming.Material, counter.Material)
	}
	if counter.Side != incoming.Side.Opposite() {
		return fmt.Errorf("%w: %s matched against %s", ErrInvariantViolation, incoming.Side, counter.Side)
	}
	if incoming.Quantity <= 0 || counter.Quantity <= 0 {
		return fmt.Errorf("%w: quantities %d and %d", ErrInvariantViolation, incoming.Quantity, counter.Quantity)
	}
	if counter.PricePerUnit <= 0 || !store.CounterQueryFor(incoming).Admits(counter.PricePerUnit) {
		return fmt.Errorf("%w: %s at %d does not cross %s at %d", ErrInvariantViolation,
			counter.Side, counter.PricePerUnit, incoming.Side, incoming.PricePerUnit)
	}
	return nil
}
