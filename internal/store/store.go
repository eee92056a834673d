package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"material-market/internal/keys"
	"material-market/internal/models"
)

var (
	ErrNotFound        = errors.New("order not found")
	ErrAborted         = errors.New("transaction aborted: condition failed")
	ErrConflict        = errors.New("order already exists")
	ErrInvalidMutation = errors.New("invalid mutation")
	ErrInvalidQuery    = errors.New("invalid counter query")
)

// OrderStore is the durable ordered store the matcher runs against. Every
// read must be strongly consistent and CommitTransaction must be
// all-or-nothing.
type OrderStore interface {
	Put(ctx context.Context, o *models.Order) error
	Get(ctx context.Context, material, sortKey string) (*models.Order, error)
	QueryBestCounter(ctx context.Context, q CounterQuery) (*models.Order, error)
	CommitTransaction(ctx context.Context, ops []Mutation) error
	List(ctx context.Context, material string, side models.Side, limit int) ([]*models.Order, error)
}

// Comparator says how a resting order's price must relate to PriceBound.
type Comparator string

const (
	AtMost  Comparator = "<="
	AtLeast Comparator = ">="
)

// CounterQuery selects the single best resting order on Side whose price
// satisfies Comparator against PriceBound.
type CounterQuery struct {
	Material   string
	Side       models.Side
	PriceBound int64
	Comparator Comparator
}

// CounterQueryFor builds the query for the best counter-order of incoming:
// a Buy at P looks for Sells priced at most P, a Sell at P for Buys priced at
// least P.
func CounterQueryFor(incoming *models.Order) CounterQuery {
	q := CounterQuery{
		Material:   incoming.Material,
		Side:       incoming.Side.Opposite(),
		PriceBound: incoming.PricePerUnit,
	}
	if q.Side == models.Sell {
		q.Comparator = AtMost
	} else {
		q.Comparator = AtLeast
	}
	return q
}

func (q CounterQuery) Validate() error {
	if err := models.ValidateMaterial(q.Material); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	switch {
	case q.Side == models.Sell && q.Comparator == AtMost:
	case q.Side == models.Buy && q.Comparator == AtLeast:
	default:
		return fmt.Errorf("%w: side %q with comparator %q", ErrInvalidQuery, q.Side, q.Comparator)
	}
	if q.PriceBound <= 0 {
		return fmt.Errorf("%w: price bound %d", ErrInvalidQuery, q.PriceBound)
	}
	return nil
}

// Admits reports whether a resting order at price satisfies the bound.
func (q CounterQuery) Admits(price int64) bool {
	if q.Comparator == AtMost {
		return price <= q.PriceBound
	}
	return price >= q.PriceBound
}

type MutationKind string

const (
	// MutationDecrement lowers quantity by Amount; fails unless the record
	// exists and keeps at least one unit afterwards.
	MutationDecrement MutationKind = "decrement"
	// MutationDelete removes the record; fails unless quantity == Expected.
	MutationDelete MutationKind = "delete"
)

type Mutation struct {
	Kind     MutationKind `json:"kind"`
	Material string       `json:"material"`
	SortKey  string       `json:"sortKey"`
	Amount   int64        `json:"amount,omitempty"`
	Expected int64        `json:"expected,omitempty"`
}

func Decrement(material, sortKey string, amount int64) Mutation {
	return Mutation{Kind: MutationDecrement, Material: material, SortKey: sortKey, Amount: amount}
}

func Delete(material, sortKey string, expected int64) Mutation {
	return Mutation{Kind: MutationDelete, Material: material, SortKey: sortKey, Expected: expected}
}

// ValidateMutations rejects transactions that no backend should attempt.
func ValidateMutations(ops []Mutation) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: empty transaction", ErrInvalidMutation)
	}
	seen := make(map[string]struct{}, len(ops))
	for _, m := range ops {
		if m.Material == "" || m.SortKey == "" {
			return fmt.Errorf("%w: missing key", ErrInvalidMutation)
		}
		target := m.Material + "\x00" + m.SortKey
		if _, dup := seen[target]; dup {
			return fmt.Errorf("%w: %s targeted twice", ErrInvalidMutation, m.SortKey)
		}
		seen[target] = struct{}{}

		switch m.Kind {
		case MutationDecrement:
			if m.Amount <= 0 {
				return fmt.Errorf("%w: decrement by %d", ErrInvalidMutation, m.Amount)
			}
		case MutationDelete:
			if m.Expected <= 0 {
				return fmt.Errorf("%w: delete expecting %d", ErrInvalidMutation, m.Expected)
			}
		default:
			return fmt.Errorf("%w: kind %q", ErrInvalidMutation, m.Kind)
		}
	}
	return nil
}

// evaluate checks m's condition against the current record (nil when
// absent) and returns the record to write back, or nil when m deletes it.
func evaluate(current *models.Order, m Mutation) (*models.Order, error) {
	if current == nil {
		return nil, fmt.Errorf("%w: %s missing", ErrAborted, m.SortKey)
	}
	switch m.Kind {
	case MutationDecrement:
		if current.Quantity-m.Amount < 1 {
			return nil, fmt.Errorf("%w: %s has %d, cannot decrement by %d",
				ErrAborted, m.SortKey, current.Quantity, m.Amount)
		}
		next := current.Clone()
		next.Quantity -= m.Amount
		return next, nil
	case MutationDelete:
		if current.Quantity != m.Expected {
			return nil, fmt.Errorf("%w: %s has %d, expected %d",
				ErrAborted, m.SortKey, current.Quantity, m.Expected)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: kind %q", ErrInvalidMutation, m.Kind)
}

// orderedIndex is the range primitive shared by the key-value backends:
// the order with the smallest or largest sort key in [lower, upper) of one
// material, or nil.
type orderedIndex interface {
	first(material, lower, upper string) (*models.Order, error)
	last(material, lower, upper string) (*models.Order, error)
	scan(material, lower, upper string, fn func(*models.Order) bool) error
}

// bestCounter resolves a CounterQuery with at most two range lookups.
// Sells are scanned ascending so the first key is the lowest price and,
// within it, the earliest order. For Buys the last key gives the highest
// price; a second forward lookup inside that price level picks its earliest
// order, since a reverse scan alone would prefer the latest.
func bestCounter(ix orderedIndex, q CounterQuery) (*models.Order, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	prefix, err := keys.Prefix(q.Side)
	if err != nil {
		return nil, err
	}
	end := keys.PrefixEnd(prefix)

	if q.Side == models.Sell {
		o, err := ix.first(q.Material, prefix, end)
		if err != nil {
			return nil, err
		}
		if o == nil || !q.Admits(o.PricePerUnit) {
			return nil, ErrNotFound
		}
		return o, nil
	}

	top, err := ix.last(q.Material, prefix, end)
	if err != nil {
		return nil, err
	}
	if top == nil || !q.Admits(top.PricePerUnit) {
		return nil, ErrNotFound
	}
	level, err := keys.PricePrefix(q.Side, top.PricePerUnit)
	if err != nil {
		return nil, err
	}
	o, err := ix.first(q.Material, level, keys.PrefixEnd(level))
	if err != nil {
		return nil, err
	}
	if o == nil {
		return top, nil
	}
	return o, nil
}

func validateNew(o *models.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	return keys.Verify(o)
}

// listBook returns one side of a material's book in matching priority.
func listBook(ix orderedIndex, material string, side models.Side, limit int) ([]*models.Order, error) {
	if err := models.ValidateMaterial(material); err != nil {
		return nil, err
	}
	prefix, err := keys.Prefix(side)
	if err != nil {
		return nil, err
	}

	var out []*models.Order
	err = ix.scan(material, prefix, keys.PrefixEnd(prefix), func(o *models.Order) bool {
		out = append(out, o)
		// Sells are already in priority order, so the scan can stop early.
		return side == models.Buy || limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}

	SortBook(side, out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortBook orders one side of a book the way the matcher consumes it: best
// price first, then ascending sort key.
func SortBook(side models.Side, orders []*models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if a.PricePerUnit != b.PricePerUnit {
			if side == models.Buy {
				return a.PricePerUnit > b.PricePerUnit
			}
			return a.PricePerUnit < b.PricePerUnit
		}
		return keys.Compare(a.SortKey, b.SortKey) < 0
	})
}
