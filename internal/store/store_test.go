package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"material-market/internal/keys"
	"material-market/internal/models"
)

type backend struct {
	name string
	open func(t *testing.T) OrderStore
}

func backends() []backend {
	out := []backend{
		{name: "memory", open: func(t *testing.T) OrderStore { return NewMemoryStore() }},
		{name: "pebble", open: func(t *testing.T) OrderStore {
			s, err := OpenPebbleStore("")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
	// The postgres backend needs a disposable database; its orders table is
	// truncated before every case.
	if dsn := os.Getenv("POSTGRES_TEST_DSN"); dsn != "" {
		out = append(out, backend{name: "postgres", open: func(t *testing.T) OrderStore {
			return openPostgres(t, dsn)
		}})
	}
	return out
}

func openPostgres(t *testing.T, dsn string) *PostgresStore {
	t.Helper()
	ctx := context.Background()
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, NewMigrator(s.GetDB(), zap.NewNop()).Migrate(ctx, "../../migrations"))
	_, err = s.GetDB().ExecContext(ctx, "TRUNCATE orders")
	require.NoError(t, err)
	return s
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s OrderStore)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func createTestOrder(t testing.TB, material string, side models.Side, price, qty int64) *models.Order {
	t.Helper()
	id, err := keys.NewOrderID()
	require.NoError(t, err)
	sk, err := keys.Encode(side, price, id)
	require.NoError(t, err)
	return &models.Order{
		Material:     material,
		SortKey:      sk,
		Side:         side,
		Quantity:     qty,
		PricePerUnit: price,
		OrderID:      id,
	}
}

func put(t *testing.T, s OrderStore, orders ...*models.Order) {
	t.Helper()
	for _, o := range orders {
		require.NoError(t, s.Put(context.Background(), o))
	}
}

func TestStore_PutGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s OrderStore) {
		ctx := context.Background()
		o := createTestOrder(t, "wheat", models.Sell, 90, 5)
		put(t, s, o)

		got, err := s.Get(ctx, "wheat", o.SortKey)
		require.NoError(t, err)
		assert.Equal(t, o.OrderID, got.OrderID)
		assert.Equal(t, int64(5), got.Quantity)

		assert.ErrorIs(t, s.Put(ctx, o), ErrConflict)

		_, err = s.Get(ctx, "corn", o.SortKey)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_PutRejectsInconsistentKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s OrderStore) {
		o := createTestOrder(t, "wheat", models.Sell, 90, 5)
		o.PricePerUnit = 91
		assert.ErrorIs(t, s.Put(context.Background(), o), keys.ErrKeyMismatch)
	})
}

func TestStore_BestSell_LowestPriceThenEarliest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s OrderStore) {
		ctx := context.Background()
		s95 := createTestOrder(t, "wheat", models.Sell, 95, 1)
		s90a := createTestOrder(t, "wheat", models.Sell, 90, 1)
		s90b := createTestOrder(t, "wheat", models.Sell, 90, 1)
		other := createTestOrder(t, "corn", models.Sell, 10, 1)
		put(t, s, s95, s90b, s90a, other)

		got, err := s.QueryBestCounter(ctx, CounterQuery{Material: "wheat", Side: models.Sell, PriceBound: 100, Comparator: AtMost})
		require.NoError(t, err)
		assert.Equal(t, s90a.OrderID, got.OrderID)

		_, err = s.QueryBestCounter(ctx, CounterQuery{Material: "wheat", Side: models.Sell, PriceBound: 89, Comparator: AtMost})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_BestBuy_HighestPriceThenEarliest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s OrderStore) {
		ctx := context.Background()
		b100 := createTestOrder(t, "wheat", models.Buy, 100, 1)
		b105a := createTestOrder(t, "wheat", models.Buy, 105, 1)
		b105b := createTestOrder(t, "wheat", models.Buy, 105, 1)
		b105c := createTestOrder(t, "wheat", models.Buy, 105, 1)
		put(t, s, b100, b105c, b105a, b105b)

		got, err := s.QueryBestCounter(ctx, CounterQuery{Material: "wheat", Side: models.Buy, PriceBound: 101, Comparator: AtLeast})
		require.NoError(t, err)
		assert.Equal(t, b105a.OrderID, got.OrderID)

		_, err = s.QueryBestCounter(ctx, CounterQuery{Material: "wheat", Side: models.Buy, PriceBound: 106, Comparator: AtLeast})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.QueryBestCounter(ctx, CounterQuery{Material: "barley", Side: models.Buy, PriceBound: 1, Comparator: AtLeast})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_QueryValidation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s OrderStore) {
		_, err := s.QueryBestCounter(context.Background(), CounterQuery{Material: "wheat", Side: models.Buy, PriceBound: 10, Comparator: AtMost})
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestStore_CommitTransaction(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s OrderStore) {
		ctx := context.Background()
		buy := createTestOrder(t, "wheat", models.Buy, 100, 10)
		sell := createTestOrder(t, "wheat", models.Sell, 90, 4)
		put(t, s, buy, sell)

		err := s.CommitTransaction(ctx, []Mutation{
			Decrement("wheat", buy.SortKey, 4),
			Delete("wheat", sell.SortKey, 4),
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, "wheat", buy.SortKey)
		require.NoError(t, err)
		assert.Equal(t, int64(6), got.Quantity)

		_, err = s.Get(ctx, "wheat", sell.SortKey)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_CommitTransaction_AllOrNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s OrderStore) {
		ctx := context.Background()
		buy := createTestOrder(t, "wheat", models.Buy, 100, 10)
		sell := createTestOrder(t, "wheat", models.Sell, 90, 4)
		put(t, s, buy, sell)

		// The delete's expectation is stale, so the decrement must not land either.
		err := s.CommitTransaction(ctx, []Mutation{
			Decrement("wheat", buy.SortKey, 5),
			Delete("wheat", sell.SortKey, 5),
		})
		assert.ErrorIs(t, err, ErrAborted)

		got, err := s.Get(ctx, "wheat", buy.SortKey)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.Quantity)
		got, err = s.Get(ctx, "wheat", sell.SortKey)
		require.NoError(t, err)
		assert.Equal(t, int64(4), got.Quantity)
	})
}

func TestStore_DecrementNeverLeavesZero(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s OrderStore) {
		ctx := context.Background()
		o := createTestOrder(t, "wheat", models.Sell, 90, 3)
		put(t, s, o)

		assert.ErrorIs(t, s.CommitTransaction(ctx, []Mutation{Decrement("wheat", o.SortKey, 3)}), ErrAborted)
		assert.ErrorIs(t, s.CommitTransaction(ctx, []Mutation{Decrement("wheat", o.SortKey, 4)}), ErrAborted)
		assert.ErrorIs(t, s.CommitTransaction(ctx, []Mutation{Delete("wheat", "Sell:000000090:missing", 1)}), ErrAborted)

		got, err := s.Get(ctx, "wheat", o.SortKey)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Quantity)
	})
}

func TestStore_InvalidMutations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s OrderStore) {
		ctx := context.Background()
		o := createTestOrder(t, "wheat", models.Sell, 90, 3)
		put(t, s, o)

		cases := [][]Mutation{
			nil,
			{Decrement("wheat", o.SortKey, 0)},
			{Decrement("wheat", o.SortKey, -1)},
			{Delete("wheat", o.SortKey, 0)},
			{Decrement("wheat", o.SortKey, 1), Delete("wheat", o.SortKey, 2)},
			{{Kind: "upsert", Material: "wheat", SortKey: o.SortKey}},
		}
		for _, ops := range cases {
			assert.ErrorIs(t, s.CommitTransaction(ctx, ops), ErrInvalidMutation)
		}
	})
}

func TestStore_List(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s OrderStore) {
		ctx := context.Background()
		b1 := createTestOrder(t, "wheat", models.Buy, 100, 1)
		b2 := createTestOrder(t, "wheat", models.Buy, 110, 1)
		b3 := createTestOrder(t, "wheat", models.Buy, 110, 1)
		s1 := createTestOrder(t, "wheat", models.Sell, 120, 1)
		s2 := createTestOrder(t, "wheat", models.Sell, 115, 1)
		put(t, s, b1, b2, b3, s1, s2)

		buys, err := s.List(ctx, "wheat", models.Buy, 0)
		require.NoError(t, err)
		require.Len(t, buys, 3)
		assert.Equal(t, []string{b2.OrderID, b3.OrderID, b1.OrderID}, ids(buys))

		sells, err := s.List(ctx, "wheat", models.Sell, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{s2.OrderID}, ids(sells))

		empty, err := s.List(ctx, "corn", models.Sell, 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func ids(orders []*models.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.OrderID
	}
	return out
}

// Many claimants racing for one resting order must never take more than it
// holds, whatever the interleaving.
func TestStore_ConcurrentClaimsNeverOverdraw(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s OrderStore) {
		ctx := context.Background()
		resting := createTestOrder(t, "wheat", models.Sell, 90, 25)
		put(t, s, resting)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			claimed int64
		)
		for w := 0; w < 16; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					cur, err := s.Get(ctx, "wheat", resting.SortKey)
					if errors.Is(err, ErrNotFound) {
						return
					}
					if !assert.NoError(t, err) {
						return
					}
					want := int64(3)
					if want > cur.Quantity {
						want = cur.Quantity
					}
					op := Decrement("wheat", resting.SortKey, want)
					if want == cur.Quantity {
						op = Delete("wheat", resting.SortKey, want)
					}
					err = s.CommitTransaction(ctx, []Mutation{op})
					if errors.Is(err, ErrAborted) {
						continue
					}
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					claimed += want
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(25), claimed)
		_, err := s.Get(ctx, "wheat", resting.SortKey)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingObserver) ObserveStoreOp(op, result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+":"+result)
}

func TestInstrument(t *testing.T) {
	obs := &recordingObserver{}
	s := Instrument(NewMemoryStore(), obs)
	ctx := context.Background()

	o := createTestOrder(t, "wheat", models.Buy, 10, 2)
	require.NoError(t, s.Put(ctx, o))
	_, _ = s.Get(ctx, "wheat", "Buy:000000010:nope")
	_ = s.CommitTransaction(ctx, []Mutation{Decrement("wheat", o.SortKey, 2)})

	assert.Equal(t, []string{"put:ok", "get:not_found", "commit_transaction:aborted"}, obs.calls)
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate(nil))
	assert.ErrorIs(t, translate(sql.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, translate(&pq.Error{Code: "40001"}), ErrAborted)
	assert.ErrorIs(t, translate(&pq.Error{Code: "40P01"}), ErrAborted)
	assert.ErrorIs(t, translate(&pq.Error{Code: "23505"}), ErrConflict)

	other := &pq.Error{Code: "42P01"}
	assert.Equal(t, error(other), translate(other))
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"002_indexes.sql":       {Data: []byte("CREATE INDEX x ON orders (material);")},
		"001_create_orders.sql": {Data: []byte("CREATE TABLE orders ();")},
		"README.md":             {Data: []byte("ignored")},
	}
	migrations, err := LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "create_orders", migrations[0].Name)
	assert.Equal(t, "indexes", migrations[1].Name)

	_, err = LoadMigrations(fstest.MapFS{"create.sql": {Data: []byte("")}})
	assert.ErrorContains(t, err, "NNN_name.sql")

	_, err = LoadMigrations(fstest.MapFS{
		"001_a.sql": {Data: []byte("")},
		"001_b.sql": {Data: []byte("")},
	})
	assert.ErrorContains(t, err, "used by both")
}

func TestLoadMigrations_Repository(t *testing.T) {
	migrations, err := LoadMigrations(os.DirFS("../../migrations"))
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Contains(t, migrations[0].SQL, `COLLATE "C"`)
}
