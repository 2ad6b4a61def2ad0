package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides pgx-backed access to transaction statements.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertTx stores a statement inside the caller's transaction.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, st Statement) error {
	items, err := json.Marshal(st.Items)
	if err != nil {
		return fmt.Errorf("statement: marshal items: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO transaction_statements
         (statement_id, account_id, month, total_amount, total_amount_type, currency, items, created_time_ms)
         VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
		st.StatementID, st.AccountID, st.Month, st.TotalAmount, st.TotalAmountType, st.Currency, items, st.CreatedTimeMs)
	if err != nil {
		return fmt.Errorf("statement: insert %s: %w", st.StatementID, err)
	}
	return nil
}

// Get fetches a statement by id.
func (r *Repository) Get(ctx context.Context, statementID string) (Statement, error) {
	var (
		st    Statement
		items []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT statement_id, account_id, month, total_amount, total_amount_type, currency, items, created_time_ms
         FROM transaction_statements WHERE statement_id=$1`, statementID).
		Scan(&st.StatementID, &st.AccountID, &st.Month, &st.TotalAmount, &st.TotalAmountType, &st.Currency, &items, &st.CreatedTimeMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Statement{}, ErrNotFound
		}
		return Statement{}, fmt.Errorf("statement: get %s: %w", statementID, err)
	}
	if err := json.Unmarshal(items, &st.Items); err != nil {
		return Statement{}, fmt.Errorf("statement: unmarshal items: %w", err)
	}
	return st, nil
}
