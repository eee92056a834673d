package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"material-market/internal/models"
)

const orderColumns = `material, sort_key, side, quantity, price_per_unit, order_id, created_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Put(ctx context.Context, o *models.Order) error {
	if err := validateNew(o); err != nil {
		return err
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`
	_, err := s.db.ExecContext(ctx, query,
		o.Material,
		o.SortKey,
		string(o.Side),
		o.Quantity,
		o.PricePerUnit,
		o.OrderID,
		createdAt,
	)
	return translate(err)
}

func (s *PostgresStore) Get(ctx context.Context, material, sortKey string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE material = $1 AND sort_key = $2`
	o, err := scanOrder(s.db.QueryRowContext(ctx, query, material, sortKey))
	if err != nil {
		return nil, translate(err)
	}
	return o, nil
}

func (s *PostgresStore) QueryBestCounter(ctx context.Context, q CounterQuery) (*models.Order, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	// sort_key is "Side:price:id" with a fixed-width price, so for Sells it
	// already orders by price then arrival. Buys need price descending with
	// the same arrival tie-break.
	var query string
	if q.Side == models.Sell {
		query = `
			SELECT ` + orderColumns + ` FROM orders
			WHERE material = $1 AND side = $2 AND price_per_unit <= $3
			ORDER BY sort_key ASC
			LIMIT 1
		`
	} else {
		query = `
			SELECT ` + orderColumns + ` FROM orders
			WHERE material = $1 AND side = $2 AND price_per_unit >= $3
			ORDER BY price_per_unit DESC, sort_key ASC
			LIMIT 1
		`
	}

	o, err := scanOrder(s.db.QueryRowContext(ctx, query, q.Material, string(q.Side), q.PriceBound))
	if err != nil {
		return nil, translate(err)
	}
	return o, nil
}

func (s *PostgresStore) CommitTransaction(ctx context.Context, ops []Mutation) error {
	if err := ValidateMutations(ops); err != nil {
		return err
	}

	err := s.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, m := range ops {
			if err := applyMutationTx(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
	return translate(err)
}

func (s *PostgresStore) List(ctx context.Context, material string, side models.Side, limit int) ([]*models.Order, error) {
	if err := models.ValidateMaterial(material); err != nil {
		return nil, err
	}
	if !side.IsValid() {
		return nil, fmt.Errorf("invalid side %q", side)
	}

	order := "price_per_unit ASC"
	if side == models.Buy {
		order = "price_per_unit DESC"
	}
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	query := `
		SELECT ` + orderColumns + ` FROM orders
		WHERE material = $1 AND side = $2
		ORDER BY ` + order + `, sort_key ASC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, material, string(side), lim)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetDB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o    models.Order
		side string
	)
	if err := row.Scan(&o.Material, &o.SortKey, &side, &o.Quantity, &o.PricePerUnit, &o.OrderID, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Side = models.Side(side)
	return &o, nil
}

// translate maps driver errors onto the store's sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrAborted, pqErr.Message)
		case "23505": // unique_violation
			return ErrConflict
		}
	}
	return err
}

var _ OrderStore = (*PostgresStore)(nil)
