package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"material-market/internal/models"
)

const orderKeyPrefix = "o/"

// PebbleStore keeps orders in an embedded pebble database, one JSON value per
// order under "o/{material}\x00{sortKey}". Pebble gives ordered iteration but
// no conditional writes, so CommitTransaction serialises its
// read-check-write under a mutex and commits one synced batch.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex
}

// OpenPebbleStore opens (or creates) the database at path. An empty path
// opens an in-memory database.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func pebbleKey(material, sortKey string) []byte {
	return []byte(orderKeyPrefix + compositeKey(material, sortKey))
}

func (s *PebbleStore) load(key []byte) (*models.Order, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var o models.Order
	if err := json.Unmarshal(val, &o); err != nil {
		return nil, fmt.Errorf("decode order %q: %w", key, err)
	}
	return &o, nil
}

func (s *PebbleStore) Put(ctx context.Context, o *models.Order) error {
	if err := validateNew(o); err != nil {
		return err
	}
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pebbleKey(o.Material, o.SortKey)
	existing, err := s.load(key)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrConflict
	}
	return s.db.Set(key, data, pebble.Sync)
}

func (s *PebbleStore) Get(ctx context.Context, material, sortKey string) (*models.Order, error) {
	o, err := s.load(pebbleKey(material, sortKey))
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrNotFound
	}
	return o, nil
}

func (s *PebbleStore) QueryBestCounter(ctx context.Context, q CounterQuery) (*models.Order, error) {
	return bestCounter(s, q)
}

func (s *PebbleStore) CommitTransaction(ctx context.Context, ops []Mutation) error {
	if err := ValidateMutations(ops); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, m := range ops {
		key := pebbleKey(m.Material, m.SortKey)
		current, err := s.load(key)
		if err != nil {
			return err
		}
		next, err := evaluate(current, m)
		if err != nil {
			return err
		}
		if next == nil {
			if err := batch.Delete(key, nil); err != nil {
				return err
			}
			continue
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := batch.Set(key, data, nil); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *PebbleStore) List(ctx context.Context, material string, side models.Side, limit int) ([]*models.Order, error) {
	return listBook(s, material, side, limit)
}

func (s *PebbleStore) iter(material, lower, upper string) (*pebble.Iterator, error) {
	return s.db.NewIter(&pebble.IterOptions{
		LowerBound: pebbleKey(material, lower),
		UpperBound: pebbleKey(material, upper),
	})
}

func decodeValue(it *pebble.Iterator) (*models.Order, error) {
	var o models.Order
	if err := json.Unmarshal(it.Value(), &o); err != nil {
		return nil, fmt.Errorf("decode order %q: %w", it.Key(), err)
	}
	return &o, nil
}

func (s *PebbleStore) first(material, lower, upper string) (*models.Order, error) {
	it, err := s.iter(material, lower, upper)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if !it.First() {
		return nil, it.Error()
	}
	return decodeValue(it)
}

func (s *PebbleStore) last(material, lower, upper string) (*models.Order, error) {
	it, err := s.iter(material, lower, upper)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if !it.Last() {
		return nil, it.Error()
	}
	return decodeValue(it)
}

func (s *PebbleStore) scan(material, lower, upper string, fn func(*models.Order) bool) error {
	it, err := s.iter(material, lower, upper)
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		o, err := decodeValue(it)
		if err != nil {
			return err
		}
		if !fn(o) {
			break
		}
	}
	return it.Error()
}

var _ OrderStore = (*PebbleStore)(nil)
