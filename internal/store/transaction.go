package store

import (
	"context"
	"database/sql"
	"fmt"
)

type TxFunc func(ctx context.Context, tx *sql.Tx) error

func (s *PostgresStore) WithTransaction(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %v, rollback failed: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// applyMutationTx runs one conditional statement. The condition lives in the
// WHERE clause, so a statement that touches no row means the condition failed.
func applyMutationTx(ctx context.Context, tx *sql.Tx, m Mutation) error {
	var (
		res sql.Result
		err error
	)
	switch m.Kind {
	case MutationDecrement:
		res, err = tx.ExecContext(ctx, `
			UPDATE orders
			SET quantity = quantity - $3
			WHERE material = $1 AND sort_key = $2 AND quantity - $3 >= 1
		`, m.Material, m.SortKey, m.Amount)
	case MutationDelete:
		res, err = tx.ExecContext(ctx, `
			DELETE FROM orders
			WHERE material = $1 AND sort_key = $2 AND quantity = $3
		`, m.Material, m.SortKey, m.Expected)
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidMutation, m.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", m.Kind, m.SortKey, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s %s matched %d rows", ErrAborted, m.Kind, m.SortKey, n)
	}
	return nil
}
