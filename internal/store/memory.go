package store

import (
	"context"
	"strings"
	"sync"

	"github.com/huandu/skiplist"

	"material-market/internal/models"
)

// MemoryStore is a process-local OrderStore kept in a skiplist ordered by
// (material, sortKey). It honours the full contract, including conditional
// all-or-nothing transactions, so it stands in for the durable store in
// tests and single-process runs.
type MemoryStore struct {
	mu   sync.RWMutex
	list *skiplist.SkipList
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{list: skiplist.New(skiplist.String)}
}

func compositeKey(material, sortKey string) string {
	return material + "\x00" + sortKey
}

func (s *MemoryStore) Put(ctx context.Context, o *models.Order) error {
	if err := validateNew(o); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := compositeKey(o.Material, o.SortKey)
	if s.list.Get(k) != nil {
		return ErrConflict
	}
	s.list.Set(k, o.Clone())
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, material, sortKey string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	el := s.list.Get(compositeKey(material, sortKey))
	if el == nil {
		return nil, ErrNotFound
	}
	return el.Value.(*models.Order).Clone(), nil
}

func (s *MemoryStore) QueryBestCounter(ctx context.Context, q CounterQuery) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bestCounter(s, q)
}

func (s *MemoryStore) CommitTransaction(ctx context.Context, ops []Mutation) error {
	if err := ValidateMutations(ops); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Evaluate every condition before touching the list.
	results := make([]*models.Order, len(ops))
	for i, m := range ops {
		var current *models.Order
		if el := s.list.Get(compositeKey(m.Material, m.SortKey)); el != nil {
			current = el.Value.(*models.Order)
		}
		next, err := evaluate(current, m)
		if err != nil {
			return err
		}
		results[i] = next
	}

	for i, m := range ops {
		k := compositeKey(m.Material, m.SortKey)
		if results[i] == nil {
			s.list.Remove(k)
			continue
		}
		s.list.Set(k, results[i])
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, material string, side models.Side, limit int) ([]*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBook(s, material, side, limit)
}

// Len reports the number of resting orders across all materials.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list.Len()
}

// The orderedIndex methods below run under the caller's lock.

func (s *MemoryStore) first(material, lower, upper string) (*models.Order, error) {
	lo, hi := compositeKey(material, lower), compositeKey(material, upper)
	el := s.list.Find(lo)
	if el == nil || !within(el, lo, hi) {
		return nil, nil
	}
	return el.Value.(*models.Order).Clone(), nil
}

func (s *MemoryStore) last(material, lower, upper string) (*models.Order, error) {
	lo, hi := compositeKey(material, lower), compositeKey(material, upper)
	el := s.list.Find(hi)
	if el == nil {
		el = s.list.Back()
	} else {
		el = el.Prev()
	}
	if el == nil || !within(el, lo, hi) {
		return nil, nil
	}
	return el.Value.(*models.Order).Clone(), nil
}

func (s *MemoryStore) scan(material, lower, upper string, fn func(*models.Order) bool) error {
	lo, hi := compositeKey(material, lower), compositeKey(material, upper)
	for el := s.list.Find(lo); el != nil && within(el, lo, hi); el = el.Next() {
		if !fn(el.Value.(*models.Order).Clone()) {
			break
		}
	}
	return nil
}

func within(el *skiplist.Element, lo, hi string) bool {
	k := el.Key().(string)
	return strings.Compare(k, lo) >= 0 && strings.Compare(k, hi) < 0
}

var _ OrderStore = (*MemoryStore)(nil)
