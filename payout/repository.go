package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"billflow/engine"
	"billflow/statement"
	"billflow/task"
)

// Repository provides pgx-backed access to payouts.
type Repository struct {
	pool  *pgxpool.Pool
	tasks task.Writer
}

func NewRepository(pool *pgxpool.Pool, tasks task.Writer) *Repository {
	return &Repository{pool: pool, tasks: tasks}
}

const payoutColumns = `statement_id, account_id, state, processor_transfer_id, amount, currency, updated_time_ms`

func scanPayout(row pgx.Row) (Payout, error) {
	var p Payout
	err := row.Scan(&p.StatementID, &p.AccountID, &p.State, &p.ProcessorTransferID, &p.Amount, &p.Currency, &p.UpdatedTimeMs)
	return p, err
}

// Get fetches a payout by statement id.
func (r *Repository) Get(ctx context.Context, statementID string) (Payout, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE statement_id=$1`, statementID)
	p, err := scanPayout(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payout{}, ErrNotFound
		}
		return Payout{}, fmt.Errorf("payout: get %s: %w", statementID, err)
	}
	return p, nil
}

// TransitionTx applies the guarded state transition inside tx, optionally
// recording the settling processor object.
func (r *Repository) TransitionTx(ctx context.Context, tx pgx.Tx, statementID string, to State, transferID *string, nowMs int64, from ...State) error {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE payouts
         SET state=$1,
             processor_transfer_id=COALESCE($2, processor_transfer_id),
             updated_time_ms=$3
         WHERE statement_id=$4 AND state = ANY($5)`,
		to, transferID, nowMs, statementID, states)
	if err != nil {
		return fmt.Errorf("payout: transition %s to %s: %w", statementID, to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payouts WHERE statement_id=$1)`, statementID).Scan(&exists); err != nil {
		return fmt.Errorf("payout: transition recheck %s: %w", statementID, err)
	}
	if !exists {
		return fmt.Errorf("payout: %s vanished mid-transition: %w", statementID, engine.ErrDataIntegrity)
	}
	return fmt.Errorf("payout: %s not in %v: %w", statementID, from, engine.ErrConflict)
}

// CreateFromStatementTx projects a CREDIT statement into a PROCESSING payout
// and enqueues its task, eligible immediately, in the caller's transaction.
func (r *Repository) CreateFromStatementTx(ctx context.Context, tx pgx.Tx, st statement.Statement, nowMs int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO payouts (statement_id, account_id, state, amount, currency, updated_time_ms)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		st.StatementID, st.AccountID, StateProcessing, st.TotalAmount, st.Currency, nowMs)
	if err != nil {
		return fmt.Errorf("payout: create from statement %s: %w", st.StatementID, err)
	}
	return r.tasks.InsertTx(ctx, tx, task.New(task.TypePayout, st.StatementID, nowMs, nowMs))
}
