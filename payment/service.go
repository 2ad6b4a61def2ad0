package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"billflow/db"
	"billflow/engine"
	"billflow/notify"
	"billflow/processor"
	"billflow/profile"
	"billflow/statement"
	"billflow/task"
)

// Store is the payment data access the service needs; *Repository satisfies
// it.
type Store interface {
	Get(ctx context.Context, statementID string) (Payment, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, statementID string) (Payment, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, statementID string, to State, invoiceID *string, nowMs int64, from ...State) error
}

// ProfileReader resolves the billing profile backing a payment.
type ProfileReader interface {
	GetBillingProfile(ctx context.Context, accountID string) (profile.BillingProfile, error)
}

// Reinstater lifts a suspension inside the caller's transaction once the
// blocking payment settles.
type Reinstater interface {
	ReinstateTx(ctx context.Context, tx pgx.Tx, accountID string) error
}

// StatementReader fetches the statement whose line items the invoice carries.
type StatementReader interface {
	Get(ctx context.Context, statementID string) (statement.Statement, error)
}

// Service drives the payment state machine: the invoice-creation task, the
// re-finalize task behind explicit retries, settlement events, and the retry
// action itself.
type Service struct {
	pool        db.TxBeginner
	store       Store
	profiles    ProfileReader
	reinstater  Reinstater
	statements  StatementReader
	proc        processor.PaymentProcessor
	tasks       task.Writer
	gracePeriod time.Duration
	log         zerolog.Logger
	nowMs       func() int64
}

func NewService(
	pool db.TxBeginner,
	store Store,
	profiles ProfileReader,
	reinstater Reinstater,
	statements StatementReader,
	proc processor.PaymentProcessor,
	tasks task.Writer,
	gracePeriod time.Duration,
	log zerolog.Logger,
) *Service {
	if gracePeriod <= 0 {
		gracePeriod = 10 * 24 * time.Hour
	}
	return &Service{
		pool:        pool,
		store:       store,
		profiles:    profiles,
		reinstater:  reinstater,
		statements:  statements,
		proc:        proc,
		tasks:       tasks,
		gracePeriod: gracePeriod,
		log:         log.With().Str("component", "payment").Logger(),
		nowMs:       func() int64 { return time.Now().UnixMilli() },
	}
}

// WithClock overrides the clock. Intended for tests.
func (s *Service) WithClock(nowMs func() int64) *Service {
	s.nowMs = nowMs
	return s
}

// ProcessPayment handles a payment task: resolve the customer's payment
// method, create and finalize the invoice under task-derived idempotency
// keys, then finalize. Every external call is safe to repeat, so a crash at
// any point is recovered by redelivery.
func (s *Service) ProcessPayment(ctx context.Context, t task.Task) error {
	p, err := s.store.Get(ctx, t.Key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("payment: task %s references missing payment: %w", t.Key, engine.ErrDataIntegrity)
		}
		return err
	}

	switch p.State {
	case StateProcessing:
		// Record that invoice creation began before touching the processor.
		err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
			return s.store.TransitionTx(ctx, tx, t.Key, StateCreatingInvoice, nil, s.nowMs(), StateProcessing)
		})
		if err != nil {
			return err
		}
	case StateCreatingInvoice:
		// Re-entry after a crash mid-flight; the idempotency keys make the
		// calls below repeat-safe.
	default:
		return fmt.Errorf("payment: %s in %s, expected %s: %w", t.Key, p.State, StateProcessing, engine.ErrConflict)
	}

	bp, err := s.profiles.GetBillingProfile(ctx, p.AccountID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return fmt.Errorf("payment: account %s has no billing profile: %w", p.AccountID, engine.ErrDataIntegrity)
		}
		return err
	}

	cust, err := s.proc.RetrieveCustomer(ctx, bp.ProcessorCustomerID)
	if err != nil {
		return fmt.Errorf("payment: retrieve customer %s: %w", bp.ProcessorCustomerID, err)
	}
	if cust.DefaultPaymentMethodID == "" {
		return s.failWithoutInvoice(ctx, t, p)
	}
	pm, err := s.proc.RetrievePaymentMethod(ctx, cust.ID, cust.DefaultPaymentMethodID)
	if err != nil {
		if engine.IsBusiness(err) {
			return s.failWithoutInvoice(ctx, t, p)
		}
		return fmt.Errorf("payment: retrieve payment method: %w", err)
	}
	if !pm.Usable {
		return s.failWithoutInvoice(ctx, t, p)
	}

	st, err := s.statements.Get(ctx, t.Key)
	if err != nil {
		if errors.Is(err, statement.ErrNotFound) {
			return fmt.Errorf("payment: statement %s missing: %w", t.Key, engine.ErrDataIntegrity)
		}
		return err
	}

	inv, err := s.proc.CreateInvoice(ctx, cust.ID, processor.IdempotencyKey(processor.OpCreateInvoice, t.UID))
	if err != nil {
		return fmt.Errorf("payment: create invoice for %s: %w", t.Key, err)
	}
	for i, item := range invoiceLines(st, p) {
		if err := s.proc.AddInvoiceLine(ctx, inv.ID, item, processor.InvoiceLineKey(t.UID, i)); err != nil {
			return fmt.Errorf("payment: add invoice line %d for %s: %w", i, t.Key, err)
		}
	}
	if _, err := s.proc.FinalizeInvoice(ctx, inv.ID, processor.IdempotencyKey(processor.OpFinalizeInvoice, t.UID)); err != nil {
		return fmt.Errorf("payment: finalize invoice %s: %w", inv.ID, err)
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		// The fresh guard makes a racing duplicate's finalize a no-op.
		if err := s.store.TransitionTx(ctx, tx, t.Key, StateWaitingForInvoicePayment, &inv.ID, s.nowMs(), StateCreatingInvoice); err != nil {
			return err
		}
		if _, err := s.tasks.DeleteTx(ctx, tx, t.Ref()); err != nil {
			return err
		}
		s.log.Info().Str("statement_id", t.Key).Str("invoice_id", inv.ID).
			Msg("invoice issued, awaiting payment")
		return nil
	})
}

func invoiceLines(st statement.Statement, p Payment) []processor.InvoiceLine {
	if len(st.Items) == 0 {
		return []processor.InvoiceLine{{
			Description: "usage " + st.Month,
			Amount:      p.Amount,
			Currency:    p.Currency,
		}}
	}
	lines := make([]processor.InvoiceLine, 0, len(st.Items))
	for _, item := range st.Items {
		lines = append(lines, processor.InvoiceLine{
			Description: item.Description,
			Amount:      item.Amount,
			Currency:    st.Currency,
		})
	}
	return lines
}

// failWithoutInvoice records a business failure: no invoice could be created
// for the account. The failed state, the payment task's removal, the
// notification, and the grace-period suspension arm in one commit.
func (s *Service) failWithoutInvoice(ctx context.Context, t task.Task, p Payment) error {
	nowMs := s.nowMs()
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.store.TransitionTx(ctx, tx, t.Key, StateFailedWithoutInvoice, nil, nowMs, StateCreatingInvoice); err != nil {
			return err
		}
		if _, err := s.tasks.DeleteTx(ctx, tx, t.Ref()); err != nil {
			return err
		}
		if err := s.enqueueFailureFollowOnsTx(ctx, tx, p, nowMs); err != nil {
			return err
		}
		s.log.Warn().Str("statement_id", t.Key).Str("account_id", p.AccountID).
			Msg("payment failed without invoice: no usable payment method")
		return nil
	})
}

func (s *Service) enqueueFailureFollowOnsTx(ctx context.Context, tx pgx.Tx, p Payment, nowMs int64) error {
	if err := s.tasks.InsertTx(ctx, tx,
		notify.NewTask(nowMs, p.AccountID, notify.TemplatePaymentFailed, 0, map[string]any{
			"statement_id": p.StatementID,
			"amount":       p.Amount,
			"currency":     p.Currency,
		})); err != nil {
		return err
	}

	suspend := task.New(task.TypeSuspension, p.StatementID, nowMs, nowMs+s.gracePeriod.Milliseconds()).
		WithPayload(profile.SuspensionPayload{AccountID: p.AccountID})
	// An earlier failure of the same statement may have armed it already.
	_, err := s.tasks.InsertIfAbsentTx(ctx, tx, suspend)
	return err
}

// ProcessInvoicePayment handles the re-finalize task behind an explicit retry
// of a FAILED_WITH_INVOICE payment.
func (s *Service) ProcessInvoicePayment(ctx context.Context, t task.Task) error {
	p, err := s.store.Get(ctx, t.Key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("payment: task %s references missing payment: %w", t.Key, engine.ErrDataIntegrity)
		}
		return err
	}
	if p.State != StatePayingInvoice {
		return fmt.Errorf("payment: %s in %s, expected %s: %w", t.Key, p.State, StatePayingInvoice, engine.ErrConflict)
	}
	if p.ProcessorInvoiceID == nil {
		return fmt.Errorf("payment: %s paying without invoice id: %w", t.Key, engine.ErrDataIntegrity)
	}

	if _, err := s.proc.FinalizeInvoice(ctx, *p.ProcessorInvoiceID,
		processor.IdempotencyKey(processor.OpFinalizeInvoice, t.UID)); err != nil {
		return fmt.Errorf("payment: re-finalize invoice %s: %w", *p.ProcessorInvoiceID, err)
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.store.TransitionTx(ctx, tx, t.Key, StateWaitingForInvoicePayment, nil, s.nowMs(), StatePayingInvoice); err != nil {
			return err
		}
		_, err := s.tasks.DeleteTx(ctx, tx, t.Ref())
		return err
	})
}

// MarkInvoicePaid settles a payment from a processor invoice-paid event.
// Idempotent: repeating the event for an already-paid payment is a no-op. A
// suspended profile is reinstated in the same commit.
func (s *Service) MarkInvoicePaid(ctx context.Context, statementID string) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.store.GetForUpdateTx(ctx, tx, statementID)
		if err != nil {
			return err
		}
		if p.State == StatePaid {
			return nil
		}
		if err := s.store.TransitionTx(ctx, tx, statementID, StatePaid, nil, s.nowMs(),
			StateWaitingForInvoicePayment, StatePayingInvoice); err != nil {
			return err
		}
		if err := s.reinstater.ReinstateTx(ctx, tx, p.AccountID); err != nil {
			return err
		}
		s.log.Info().Str("statement_id", statementID).Str("account_id", p.AccountID).
			Msg("payment settled")
		return nil
	})
}

// MarkInvoicePaymentFailed records a processor invoice-payment failure:
// explicit failed state, notification, grace-period suspension. Idempotent
// for repeated events.
func (s *Service) MarkInvoicePaymentFailed(ctx context.Context, statementID string) error {
	nowMs := s.nowMs()
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.store.GetForUpdateTx(ctx, tx, statementID)
		if err != nil {
			return err
		}
		if p.State == StateFailedWithInvoice {
			return nil
		}
		if err := s.store.TransitionTx(ctx, tx, statementID, StateFailedWithInvoice, nil, nowMs,
			StateWaitingForInvoicePayment); err != nil {
			return err
		}
		if err := s.enqueueFailureFollowOnsTx(ctx, tx, p, nowMs); err != nil {
			return err
		}
		s.log.Warn().Str("statement_id", statementID).Str("account_id", p.AccountID).
			Msg("invoice payment failed")
		return nil
	})
}

// Retry is the explicit user action that re-enters a failed payment:
// FAILED_WITHOUT_INVOICE goes back through invoice creation,
// FAILED_WITH_INVOICE re-attempts payment of the existing invoice.
func (s *Service) Retry(ctx context.Context, statementID string) error {
	nowMs := s.nowMs()
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.store.GetForUpdateTx(ctx, tx, statementID)
		if err != nil {
			return err
		}
		switch p.State {
		case StateFailedWithoutInvoice:
			if err := s.store.TransitionTx(ctx, tx, statementID, StateCreatingInvoice, nil, nowMs,
				StateFailedWithoutInvoice); err != nil {
				return err
			}
			return s.tasks.InsertTx(ctx, tx, task.New(task.TypePayment, statementID, nowMs, nowMs))
		case StateFailedWithInvoice:
			if err := s.store.TransitionTx(ctx, tx, statementID, StatePayingInvoice, nil, nowMs,
				StateFailedWithInvoice); err != nil {
				return err
			}
			return s.tasks.InsertTx(ctx, tx, task.New(task.TypeInvoicePayment, statementID, nowMs, nowMs))
		default:
			return fmt.Errorf("payment: %s in %s is not retryable: %w", statementID, p.State, engine.ErrConflict)
		}
	})
}
