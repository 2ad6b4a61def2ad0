package payment

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

// Repository provides pgx-backed access to payments. Transition writes take
// the caller's transaction so entity changes, task deletes, and follow-on
// inserts land in one commit.
type Repository struct {
	pool  *pgxpool.Pool
	tasks task.Writer
}

func NewRepository(pool *pgxpool.Pool, tasks task.Writer) *Repository {
	return &Repository{pool: pool, tasks: tasks}
}

const paymentColumns = `statement_id, account_id, state, processor_invoice_id, amount, currency, updated_time_ms`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.StatementID, &p.AccountID, &p.State, &p.ProcessorInvoiceID, &p.Amount, &p.Currency, &p.UpdatedTimeMs)
	return p, err
}

// Get fetches a payment by statement id.
func (r *Repository) Get(ctx context.Context, statementID string) (Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE statement_id=$1`, statementID)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get %s: %w", statementID, err)
	}
	return p, nil
}

// GetForUpdateTx locks and fetches a payment inside tx.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, statementID string) (Payment, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE statement_id=$1 FOR UPDATE`, statementID)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: lock %s: %w", statementID, err)
	}
	return p, nil
}

// TransitionTx applies the guarded state transition. The write succeeds only
// while the row is still in one of the allowed source states; a guard miss is
// a conflict unless the row vanished, which is an integrity violation.
// invoiceID, when non-nil, records the processor-side invoice.
func (r *Repository) TransitionTx(ctx context.Context, tx pgx.Tx, statementID string, to State, invoiceID *string, nowMs int64, from ...State) error {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE payments
         SET state=$1,
             processor_invoice_id=COALESCE($2, processor_invoice_id),
             updated_time_ms=$3
         WHERE statement_id=$4 AND state = ANY($5)`,
		to, invoiceID, nowMs, statementID, states)
	if err != nil {
		return fmt.Errorf("payment: transition %s to %s: %w", statementID, to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE statement_id=$1)`, statementID).Scan(&exists); err != nil {
		return fmt.Errorf("payment: transition recheck %s: %w", statementID, err)
	}
	if !exists {
		return fmt.Errorf("payment: %s vanished mid-transition: %w", statementID, engine.ErrDataIntegrity)
	}
	return fmt.Errorf("payment: %s not in %v: %w", statementID, from, engine.ErrConflict)
}

// UnpaidTx locks the payment row and reports whether it is still unpaid.
// Implements the suspension sub-machine's payment check.
func (r *Repository) UnpaidTx(ctx context.Context, tx pgx.Tx, statementID string) (bool, error) {
	p, err := r.GetForUpdateTx(ctx, tx, statementID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, fmt.Errorf("payment: suspension references missing payment %s: %w",
				statementID, engine.ErrDataIntegrity)
		}
		return false, err
	}
	return p.Unpaid(), nil
}

// CreateFromStatementTx projects a DEBIT statement into a PROCESSING payment
// and enqueues its task, eligible immediately, in the caller's transaction.
func (r *Repository) CreateFromStatementTx(ctx context.Context, tx pgx.Tx, st statement.Statement, nowMs int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO payments (statement_id, account_id, state, amount, currency, updated_time_ms)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		st.StatementID, st.AccountID, StateProcessing, st.TotalAmount, st.Currency, nowMs)
	if err != nil {
		return fmt.Errorf("payment: create from statement %s: %w", st.StatementID, err)
	}
	return r.tasks.InsertTx(ctx, tx, task.New(task.TypePayment, st.StatementID, nowMs, nowMs))
}
