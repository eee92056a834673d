package matcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"material-market/internal/keys"
	"material-market/internal/models"
	"material-market/internal/settlement"
	"material-market/internal/store"
)

// fataler is satisfied by both *testing.T and *rapid.T.
type fataler interface {
	Fatal(args ...any)
}

func createTestOrder(t fataler, side models.Side, price, qty int64) *models.Order {
	id, err := keys.NewOrderID()
	if err != nil {
		t.Fatal(err)
	}
	sk, err := keys.Encode(side, price, id)
	if err != nil {
		t.Fatal(err)
	}
	return &models.Order{Material: "wheat", SortKey: sk, Side: side, Quantity: qty, PricePerUnit: price, OrderID: id}
}

// countingSettler wraps an Executor and counts commit attempts.
type countingSettler struct {
	next  Settler
	calls atomic.Int64
}

func (c *countingSettler) Execute(ctx context.Context, p settlement.Plan) error {
	c.calls.Add(1)
	return c.next.Execute(ctx, p)
}

type fixture struct {
	store   *store.MemoryStore
	settler *countingSettler
	matcher *Matcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	cs := &countingSettler{next: settlement.NewExecutor(s, nil)}
	return &fixture{store: s, settler: cs, matcher: New(s, cs, opts...)}
}

func (f *fixture) put(t *testing.T, orders ...*models.Order) {
	t.Helper()
	for _, o := range orders {
		require.NoError(t, f.store.Put(context.Background(), o))
	}
}

func (f *fixture) quantity(t *testing.T, o *models.Order) int64 {
	t.Helper()
	got, err := f.store.Get(context.Background(), o.Material, o.SortKey)
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return got.Quantity
}

func TestMatcher_PricePriority(t *testing.T) {
	f := newFixture(t)
	s10 := createTestOrder(t, models.Sell, 10, 1)
	s8 := createTestOrder(t, models.Sell, 8, 1)
	s12 := createTestOrder(t, models.Sell, 12, 1)
	f.put(t, s10, s8, s12)

	buy := createTestOrder(t, models.Buy, 11, 1)
	f.put(t, buy)

	out, err := f.matcher.Match(context.Background(), buy)
	require.NoError(t, err)
	require.Equal(t, Settled, out.State)
	require.Len(t, out.Fills, 1)
	assert.Equal(t, s8.OrderID, out.Fills[0].SellOrderID)
	assert.Equal(t, int64(8), out.Fills[0].Price)
	assert.Equal(t, int64(0), f.quantity(t, s8))
	assert.Equal(t, int64(1), f.quantity(t, s10))
}

func TestMatcher_PartialFill(t *testing.T) {
	f := newFixture(t)
	sell := createTestOrder(t, models.Sell, 90, 4)
	buy := createTestOrder(t, models.Buy, 100, 10)
	f.put(t, sell, buy)

	out, err := f.matcher.Match(context.Background(), buy)
	require.NoError(t, err)
	assert.Equal(t, Settled, out.State)
	assert.Equal(t, int64(6), out.Remaining)

	fill := out.Fills[0]
	assert.Equal(t, int64(4), fill.Quantity)
	assert.Equal(t, int64(90), fill.Price)
	assert.Equal(t, int64(360), fill.TotalCost)
	assert.Equal(t, models.Buy, fill.TakerSide)

	assert.Equal(t, int64(6), f.quantity(t, buy))
	_, err = f.store.Get(context.Background(), "wheat", sell.SortKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMatcher_ExactFillDeletesBoth(t *testing.T) {
	f := newFixture(t)
	sell := createTestOrder(t, models.Sell, 50, 5)
	buy := createTestOrder(t, models.Buy, 50, 5)
	f.put(t, sell, buy)

	out, err := f.matcher.Match(context.Background(), buy)
	require.NoError(t, err)
	assert.Equal(t, Settled, out.State)
	assert.Equal(t, int64(0), out.Remaining)
	assert.Equal(t, 0, f.store.Len())
}

func TestMatcher_NoCompatibleCounter(t *testing.T) {
	f := newFixture(t)
	f.put(t, createTestOrder(t, models.Sell, 6, 2), createTestOrder(t, models.Sell, 9, 2))
	buy := createTestOrder(t, models.Buy, 5, 3)
	f.put(t, buy)

	out, err := f.matcher.Match(context.Background(), buy)
	require.NoError(t, err)
	assert.Equal(t, NoCounter, out.State)
	assert.False(t, out.Stale)
	assert.Empty(t, out.Fills)
	assert.Equal(t, int64(0), f.settler.calls.Load())
	assert.Equal(t, int64(3), f.quantity(t, buy))
}

func TestMatcher_IdempotentRedelivery(t *testing.T) {
	f := newFixture(t)
	sell := createTestOrder(t, models.Sell, 50, 5)
	buy := createTestOrder(t, models.Buy, 50, 5)
	f.put(t, sell, buy)

	_, err := f.matcher.Match(context.Background(), buy)
	require.NoError(t, err)
	require.Equal(t, int64(1), f.settler.calls.Load())

	// The same event again, for both orders.
	for _, o := range []*models.Order{buy, sell} {
		out, err := f.matcher.Match(context.Background(), o)
		require.NoError(t, err)
		assert.Equal(t, NoCounter, out.State)
		assert.True(t, out.Stale)
	}
	assert.Equal(t, int64(1), f.settler.calls.Load())
}

func TestMatcher_ReloadIgnoresEventQuantity(t *testing.T) {
	f := newFixture(t)
	sell := createTestOrder(t, models.Sell, 50, 2)
	buy := createTestOrder(t, models.Buy, 50, 5)
	f.put(t, sell, buy)

	stale := buy.Clone()
	stale.Quantity = 500

	out, err := f.matcher.Match(context.Background(), stale)
	require.NoError(t, err)
	require.Len(t, out.Fills, 1)
	assert.Equal(t, int64(2), out.Fills[0].Quantity)
	assert.Equal(t, int64(3), f.quantity(t, buy))
}

func TestMatcher_SellTakesHighestEarliestBuy(t *testing.T) {
	f := newFixture(t)
	b100 := createTestOrder(t, models.Buy, 100, 1)
	b105a := createTestOrder(t, models.Buy, 105, 1)
	b105b := createTestOrder(t, models.Buy, 105, 1)
	f.put(t, b105b, b100, b105a)

	sell := createTestOrder(t, models.Sell, 99, 1)
	f.put(t, sell)

	out, err := f.matcher.Match(context.Background(), sell)
	require.NoError(t, err)
	require.Len(t, out.Fills, 1)
	assert.Equal(t, b105a.OrderID, out.Fills[0].BuyOrderID)
	assert.Equal(t, int64(105), out.Fills[0].Price)
	assert.Equal(t, models.Sell, out.Fills[0].TakerSide)
}

func TestMatcher_EventDrivenLeavesRemainderResting(t *testing.T) {
	f := newFixture(t)
	f.put(t,
		createTestOrder(t, models.Sell, 90, 3),
		createTestOrder(t, models.Sell, 95, 4),
	)
	buy := createTestOrder(t, models.Buy, 100, 10)
	f.put(t, buy)

	out, err := f.matcher.Match(context.Background(), buy)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Rounds)
	assert.Len(t, out.Fills, 1)
	assert.Equal(t, int64(7), f.quantity(t, buy))
}

func TestMatcher_LocalLoop(t *testing.T) {
	f := newFixture(t, WithMaxRounds(5))
	s90 := createTestOrder(t, models.Sell, 90, 3)
	s95 := createTestOrder(t, models.Sell, 95, 4)
	s99 := createTestOrder(t, models.Sell, 99, 5)
	f.put(t, s90, s95, s99)
	buy := createTestOrder(t, models.Buy, 100, 10)
	f.put(t, buy)

	out, err := f.matcher.Match(context.Background(), buy)
	require.NoError(t, err)
	assert.Equal(t, Settled, out.State)
	assert.Equal(t, 3, out.Rounds)
	require.Len(t, out.Fills, 3)
	assert.Equal(t, []int64{90, 95, 99}, []int64{out.Fills[0].Price, out.Fills[1].Price, out.Fills[2].Price})
	assert.Equal(t, int64(0), out.Remaining)
	assert.Equal(t, int64(0), f.quantity(t, buy))
	assert.Equal(t, int64(2), f.quantity(t, s99))
}

func TestMatcher_LocalLoopStopsWithoutCounter(t *testing.T) {
	f := newFixture(t, WithMaxRounds(5))
	f.put(t, createTestOrder(t, models.Sell, 90, 3))
	buy := createTestOrder(t, models.Buy, 100, 10)
	f.put(t, buy)

	out, err := f.matcher.Match(context.Background(), buy)
	require.NoError(t, err)
	assert.Equal(t, NoCounter, out.State)
	assert.Equal(t, 2, out.Rounds)
	assert.Len(t, out.Fills, 1)
	assert.Equal(t, int64(7), out.Remaining)
}

func TestMatcher_ConcurrentMatchesNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	resting := createTestOrder(t, models.Sell, 50, 5)
	f.put(t, resting)

	buys := make([]*models.Order, 12)
	for i := range buys {
		buys[i] = createTestOrder(t, models.Buy, 60, 3)
		f.put(t, buys[i])
	}

	var (
		wg      sync.WaitGroup
		claimed atomic.Int64
	)
	for _, b := range buys {
		wg.Add(1)
		go func(b *models.Order) {
			defer wg.Done()
			out, err := f.matcher.Match(context.Background(), b)
			assert.NoError(t, err)
			for _, fill := range out.Fills {
				claimed.Add(fill.Quantity)
			}
		}(b)
	}
	wg.Wait()

	assert.LessOrEqual(t, claimed.Load(), int64(5))
	assert.Equal(t, 5-claimed.Load(), f.quantity(t, resting))
}

// selfStore returns the incoming order as its own counter.
type selfStore struct {
	store.OrderStore
	order *models.Order
}

func (s selfStore) Get(context.Context, string, string) (*models.Order, error) {
	return s.order.Clone(), nil
}

func (s selfStore) QueryBestCounter(context.Context, store.CounterQuery) (*models.Order, error) {
	return s.order.Clone(), nil
}

func TestMatcher_RejectsSelfMatch(t *testing.T) {
	o := createTestOrder(t, models.Buy, 50, 5)
	cs := &countingSettler{next: settlement.NewExecutor(store.NewMemoryStore(), nil)}
	m := New(selfStore{order: o}, cs)

	out, err := m.Match(context.Background(), o)
	assert.ErrorIs(t, err, ErrSelfMatch)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, Aborted, out.State)
	assert.Equal(t, int64(0), cs.calls.Load())
}

type failingStore struct {
	store.OrderStore
}

func (failingStore) Get(context.Context, string, string) (*models.Order, error) {
	return nil, errors.New("connection reset")
}

func TestMatcher_TransientErrorIsNotInvariant(t *testing.T) {
	o := createTestOrder(t, models.Buy, 50, 5)
	m := New(failingStore{}, nil)

	_, err := m.Match(context.Background(), o)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvariantViolation))
}

func TestPlan_RejectsNonCrossingPair(t *testing.T) {
	buy := createTestOrder(t, models.Buy, 50, 5)
	sell := createTestOrder(t, models.Sell, 51, 5)
	_, err := Plan(buy, sell, "f")
	assert.ErrorIs(t, err, ErrInvariantViolation)

	sameSide := createTestOrder(t, models.Buy, 40, 5)
	_, err = Plan(buy, sameSide, "f")
	assert.ErrorIs(t, err, ErrInvariantViolation)

	other := createTestOrder(t, models.Sell, 40, 5)
	other.Material = "corn"
	_, err = Plan(buy, other, "f")
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestPlan_Mutations(t *testing.T) {
	buy := createTestOrder(t, models.Buy, 100, 10)
	sell := createTestOrder(t, models.Sell, 90, 4)

	p, err := Plan(buy, sell, "f")
	require.NoError(t, err)
	assert.Equal(t, []store.Mutation{
		store.Decrement("wheat", buy.SortKey, 4),
		store.Delete("wheat", sell.SortKey, 4),
	}, p.Mutations)
	assert.NoError(t, p.Validate())
}

type observed struct {
	mu     sync.Mutex
	states []string
}

func (o *observed) ObserveMatch(state string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func TestMatcher_ReportsRoundStates(t *testing.T) {
	obs := &observed{}
	f := newFixture(t, WithObserver(obs), WithMaxRounds(3))
	f.put(t, createTestOrder(t, models.Sell, 10, 1))
	buy := createTestOrder(t, models.Buy, 10, 2)
	f.put(t, buy)

	_, err := f.matcher.Match(context.Background(), buy)
	require.NoError(t, err)
	assert.Equal(t, []string{"settled", "no_counter"}, obs.states)
}

// Whatever the book, one match conserves quantity, executes at the best
// resting price and never crosses the incoming limit.
func TestMatcher_FillArithmetic_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := store.NewMemoryStore()
		m := New(s, settlement.NewExecutor(s, nil))
		ctx := context.Background()

		n := rapid.IntRange(0, 8).Draw(rt, "sells")
		var total int64
		best := int64(-1)
		limit := rapid.Int64Range(1, 200).Draw(rt, "limit")
		for i := 0; i < n; i++ {
			o := createTestOrder(rt, models.Sell,
				rapid.Int64Range(1, 200).Draw(rt, "price"),
				rapid.Int64Range(1, 50).Draw(rt, "qty"))
			if err := s.Put(ctx, o); err != nil {
				rt.Fatal(err)
			}
			total += o.Quantity
			if o.PricePerUnit <= limit && (best < 0 || o.PricePerUnit < best) {
				best = o.PricePerUnit
			}
		}
		buy := createTestOrder(rt, models.Buy, limit, rapid.Int64Range(1, 50).Draw(rt, "buyQty"))
		if err := s.Put(ctx, buy); err != nil {
			rt.Fatal(err)
		}
		total += buy.Quantity

		out, err := m.Match(ctx, buy)
		if err != nil {
			rt.Fatal(err)
		}

		var after int64
		orders, _ := s.List(ctx, "wheat", models.Sell, 0)
		buys, _ := s.List(ctx, "wheat", models.Buy, 0)
		for _, o := range append(orders, buys...) {
			if o.Quantity <= 0 {
				rt.Fatalf("zero-quantity record %s left in store", o.SortKey)
			}
			after += o.Quantity
		}

		if best < 0 {
			if len(out.Fills) != 0 || after != total {
				rt.Fatalf("matched with no crossing counter: %+v", out)
			}
			return
		}
		if len(out.Fills) != 1 {
			rt.Fatalf("expected one fill, got %d", len(out.Fills))
		}
		fill := out.Fills[0]
		if fill.Price != best || fill.Price > limit {
			rt.Fatalf("fill at %d, best %d, limit %d", fill.Price, best, limit)
		}
		if total-after != 2*fill.Quantity {
			rt.Fatalf("quantity not conserved: before %d after %d fill %d", total, after, fill.Quantity)
		}
		if fill.TotalCost != fill.Price*fill.Quantity {
			rt.Fatalf("total cost %d for %d x %d", fill.TotalCost, fill.Quantity, fill.Price)
		}
	})
}
