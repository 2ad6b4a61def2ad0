package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"billflow/db"
	"billflow/engine"
	"billflow/notify"
	"billflow/task"
)

// Store is the data access the service needs; *Repository satisfies it.
type Store interface {
	GetBillingProfile(ctx context.Context, accountID string) (BillingProfile, error)
	GetBillingProfileForUpdateTx(ctx context.Context, tx pgx.Tx, accountID string) (BillingProfile, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, accountID string, from State, expectedVersion int64, to State, nowMs int64) error
}

// PaymentChecker reports whether the suspension trigger is still unpaid,
// locking the payment row inside the caller's transaction.
type PaymentChecker interface {
	UnpaidTx(ctx context.Context, tx pgx.Tx, statementID string) (bool, error)
}

// Syncer propagates a profile state change to the outside world. A sync task
// at a stale version is never delivered here.
type Syncer interface {
	SyncProfile(ctx context.Context, accountID string, state State, version int64) error
}

// Service runs the suspension sub-machine and the versioned sync chain.
type Service struct {
	pool     db.TxBeginner
	store    Store
	tasks    task.Writer
	payments PaymentChecker
	syncer   Syncer
	log      zerolog.Logger
	nowMs    func() int64
}

func NewService(pool db.TxBeginner, store Store, tasks task.Writer, payments PaymentChecker, syncer Syncer, log zerolog.Logger) *Service {
	return &Service{
		pool:     pool,
		store:    store,
		tasks:    tasks,
		payments: payments,
		syncer:   syncer,
		log:      log.With().Str("component", "profile").Logger(),
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

// WithClock overrides the clock. Intended for tests.
func (s *Service) WithClock(nowMs func() int64) *Service {
	s.nowMs = nowMs
	return s
}

// ProcessSuspension handles a fired "suspend if still unpaid" task. The task
// key is the statement id of the payment that failed; the payload names the
// account. All checks and writes happen in one transaction: the payment may
// have recovered, the profile may already be suspended, and only the
// both-still-true case transitions.
func (s *Service) ProcessSuspension(ctx context.Context, t task.Task) error {
	var p SuspensionPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return fmt.Errorf("profile: decode suspension payload: %w", err)
	}
	if p.AccountID == "" {
		return fmt.Errorf("profile: suspension task %s missing account: %w", t.Key, engine.ErrDataIntegrity)
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		unpaid, err := s.payments.UnpaidTx(ctx, tx, t.Key)
		if err != nil {
			return err
		}
		if !unpaid {
			// The account self-corrected inside the grace period; the profile
			// stays HEALTHY and the task is spent.
			_, err := s.tasks.DeleteTx(ctx, tx, t.Ref())
			return err
		}

		bp, err := s.store.GetBillingProfileForUpdateTx(ctx, tx, p.AccountID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("profile: account %s has unpaid statement but no profile: %w",
					p.AccountID, engine.ErrDataIntegrity)
			}
			return err
		}
		if bp.State == StateSuspended {
			_, err := s.tasks.DeleteTx(ctx, tx, t.Ref())
			return err
		}

		nowMs := s.nowMs()
		if err := s.store.TransitionTx(ctx, tx, p.AccountID, StateHealthy, bp.Version, StateSuspended, nowMs); err != nil {
			return err
		}
		newVersion := bp.Version + 1

		if err := s.tasks.InsertTx(ctx, tx,
			notify.NewTask(nowMs, p.AccountID, notify.TemplateAccountSuspended, newVersion, map[string]any{
				"statement_id": t.Key,
			})); err != nil {
			return err
		}

		// A sync still outstanding at the old version must not act on
		// superseded state.
		if err := s.tasks.DeleteBelowVersionTx(ctx, tx, task.TypeProfileSync, p.AccountID, newVersion); err != nil {
			return err
		}
		syncTask := task.New(task.TypeProfileSync, p.AccountID, nowMs, nowMs).WithVersion(newVersion)
		if err := s.tasks.InsertTx(ctx, tx, syncTask); err != nil {
			return err
		}

		if _, err := s.tasks.DeleteTx(ctx, tx, t.Ref()); err != nil {
			return err
		}

		s.log.Info().Str("account_id", p.AccountID).Int64("version", newVersion).
			Str("statement_id", t.Key).Msg("profile suspended for unpaid statement")
		return nil
	})
}

// ProcessSync handles a profile-sync task. A task whose version is not the
// profile's current version is a no-op beyond deleting itself.
func (s *Service) ProcessSync(ctx context.Context, t task.Task) error {
	bp, err := s.store.GetBillingProfile(ctx, t.Key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("profile: sync target %s missing: %w", t.Key, engine.ErrDataIntegrity)
		}
		return err
	}

	if bp.Version == t.Version {
		if err := s.syncer.SyncProfile(ctx, t.Key, bp.State, bp.Version); err != nil {
			return fmt.Errorf("profile: sync %s v%d: %w", t.Key, t.Version, err)
		}
	} else {
		s.log.Debug().Str("account_id", t.Key).
			Int64("task_version", t.Version).Int64("profile_version", bp.Version).
			Msg("discarding stale profile sync")
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := s.tasks.DeleteTx(ctx, tx, t.Ref())
		return err
	})
}

// ReinstateTx returns a suspended profile to HEALTHY inside the caller's
// transaction, bumping the version and chaining a fresh sync task. A HEALTHY
// profile is left untouched.
func (s *Service) ReinstateTx(ctx context.Context, tx pgx.Tx, accountID string) error {
	bp, err := s.store.GetBillingProfileForUpdateTx(ctx, tx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("profile: reinstate %s: %w", accountID, engine.ErrDataIntegrity)
		}
		return err
	}
	if bp.State != StateSuspended {
		return nil
	}

	nowMs := s.nowMs()
	if err := s.store.TransitionTx(ctx, tx, accountID, StateSuspended, bp.Version, StateHealthy, nowMs); err != nil {
		return err
	}
	newVersion := bp.Version + 1

	if err := s.tasks.DeleteBelowVersionTx(ctx, tx, task.TypeProfileSync, accountID, newVersion); err != nil {
		return err
	}
	syncTask := task.New(task.TypeProfileSync, accountID, nowMs, nowMs).WithVersion(newVersion)
	if err := s.tasks.InsertTx(ctx, tx, syncTask); err != nil {
		return err
	}

	s.log.Info().Str("account_id", accountID).Int64("version", newVersion).
		Msg("profile reinstated")
	return nil
}
