package payout

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
	"billflow/task"
)

// Store is the payout data access the service needs; *Repository satisfies
// it.
type Store interface {
	Get(ctx context.Context, statementID string) (Payout, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, statementID string, to State, transferID *string, nowMs int64, from ...State) error
}

// ProfileReader resolves the payout and billing profiles behind a payout.
type ProfileReader interface {
	GetPayoutProfile(ctx context.Context, accountID string) (profile.PayoutProfile, error)
	GetBillingProfile(ctx context.Context, accountID string) (profile.BillingProfile, error)
}

// Service drives the payout state machine. Accounts with an onboarded
// connected account are paid by transfer; accounts without a payout profile
// are credited on their processor balance instead.
type Service struct {
	pool     db.TxBeginner
	store    Store
	profiles ProfileReader
	proc     processor.PaymentProcessor
	tasks    task.Writer
	log      zerolog.Logger
	nowMs    func() int64
}

func NewService(pool db.TxBeginner, store Store, profiles ProfileReader, proc processor.PaymentProcessor, tasks task.Writer, log zerolog.Logger) *Service {
	return &Service{
		pool:     pool,
		store:    store,
		profiles: profiles,
		proc:     proc,
		tasks:    tasks,
		log:      log.With().Str("component", "payout").Logger(),
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

// WithClock overrides the clock. Intended for tests.
func (s *Service) WithClock(nowMs func() int64) *Service {
	s.nowMs = nowMs
	return s
}

// ProcessPayout handles a payout task. "Transfers not enabled" from the
// processor is a business failure that disables the payout and notifies the
// account; a connected account still onboarding is transient and retried on
// the task's backoff curve.
func (s *Service) ProcessPayout(ctx context.Context, t task.Task) error {
	p, err := s.store.Get(ctx, t.Key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("payout: task %s references missing payout: %w", t.Key, engine.ErrDataIntegrity)
		}
		return err
	}
	if p.State != StateProcessing {
		return fmt.Errorf("payout: %s in %s, expected %s: %w", t.Key, p.State, StateProcessing, engine.ErrConflict)
	}

	pp, err := s.profiles.GetPayoutProfile(ctx, p.AccountID)
	switch {
	case errors.Is(err, profile.ErrPayoutProfileNotFound):
		return s.creditBalance(ctx, t, p)
	case err != nil:
		return err
	}

	if pp.ConnectedAccountState != profile.ConnectedOnboarded {
		return fmt.Errorf("payout: connected account for %s still onboarding", p.AccountID)
	}

	acct, err := s.proc.RetrieveConnectedAccount(ctx, pp.ProcessorConnectedAccountID)
	if err != nil {
		return fmt.Errorf("payout: retrieve connected account %s: %w", pp.ProcessorConnectedAccountID, err)
	}
	if !acct.TransfersEnabled {
		return s.disable(ctx, t, p)
	}

	tr, err := s.proc.CreateTransfer(ctx, p.Amount, p.Currency, acct.ID,
		processor.IdempotencyKey(processor.OpTransfer, t.UID))
	if err != nil {
		if engine.IsBusiness(err) {
			return s.disable(ctx, t, p)
		}
		return fmt.Errorf("payout: create transfer for %s: %w", t.Key, err)
	}

	return s.finalizePaid(ctx, t, tr.ID)
}

// creditBalance settles the payout as a balance credit on the account's
// billing customer.
func (s *Service) creditBalance(ctx context.Context, t task.Task, p Payout) error {
	bp, err := s.profiles.GetBillingProfile(ctx, p.AccountID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return fmt.Errorf("payout: account %s has neither payout nor billing profile: %w",
				p.AccountID, engine.ErrDataIntegrity)
		}
		return err
	}

	bt, err := s.proc.CreateBalanceTransaction(ctx, bp.ProcessorCustomerID, p.Amount, p.Currency,
		processor.IdempotencyKey(processor.OpBalanceCredit, t.UID))
	if err != nil {
		return fmt.Errorf("payout: credit balance for %s: %w", t.Key, err)
	}

	return s.finalizePaid(ctx, t, bt.ID)
}

func (s *Service) finalizePaid(ctx context.Context, t task.Task, settledBy string) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.store.TransitionTx(ctx, tx, t.Key, StatePaid, &settledBy, s.nowMs(), StateProcessing); err != nil {
			return err
		}
		if _, err := s.tasks.DeleteTx(ctx, tx, t.Ref()); err != nil {
			return err
		}
		s.log.Info().Str("statement_id", t.Key).Str("settled_by", settledBy).
			Msg("payout settled")
		return nil
	})
}

func (s *Service) disable(ctx context.Context, t task.Task, p Payout) error {
	nowMs := s.nowMs()
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.store.TransitionTx(ctx, tx, t.Key, StateDisabled, nil, nowMs, StateProcessing); err != nil {
			return err
		}
		if _, err := s.tasks.DeleteTx(ctx, tx, t.Ref()); err != nil {
			return err
		}
		if err := s.tasks.InsertTx(ctx, tx,
			notify.NewTask(nowMs, p.AccountID, notify.TemplatePayoutDisabled, 0, map[string]any{
				"statement_id": p.StatementID,
				"amount":       p.Amount,
				"currency":     p.Currency,
			})); err != nil {
			return err
		}
		s.log.Warn().Str("statement_id", t.Key).Str("account_id", p.AccountID).
			Msg("payout disabled: transfers not enabled")
		return nil
	})
}
