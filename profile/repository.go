package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"billflow/engine"
)

// Repository provides pgx-backed access to billing and payout profiles.
// Write methods take the caller's transaction so a profile transition commits
// together with the task writes it spawns.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const billingColumns = `account_id, state, version, processor_customer_id, init_credit_state, updated_time_ms`

func scanBillingProfile(row pgx.Row) (BillingProfile, error) {
	var bp BillingProfile
	err := row.Scan(&bp.AccountID, &bp.State, &bp.Version, &bp.ProcessorCustomerID, &bp.InitCreditState, &bp.UpdatedTimeMs)
	return bp, err
}

// GetBillingProfile fetches the profile outside any transaction.
func (r *Repository) GetBillingProfile(ctx context.Context, accountID string) (BillingProfile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+billingColumns+` FROM billing_profiles WHERE account_id=$1`, accountID)
	bp, err := scanBillingProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BillingProfile{}, ErrNotFound
		}
		return BillingProfile{}, fmt.Errorf("profile: get billing %s: %w", accountID, err)
	}
	return bp, nil
}

// GetBillingProfileForUpdateTx locks and fetches the profile inside tx.
func (r *Repository) GetBillingProfileForUpdateTx(ctx context.Context, tx pgx.Tx, accountID string) (BillingProfile, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+billingColumns+` FROM billing_profiles WHERE account_id=$1 FOR UPDATE`, accountID)
	bp, err := scanBillingProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BillingProfile{}, ErrNotFound
		}
		return BillingProfile{}, fmt.Errorf("profile: lock billing %s: %w", accountID, err)
	}
	return bp, nil
}

// CreateBillingProfileTx inserts a fresh HEALTHY profile at version 1.
func (r *Repository) CreateBillingProfileTx(ctx context.Context, tx pgx.Tx, bp BillingProfile) error {
	if bp.State == "" {
		bp.State = StateHealthy
	}
	if bp.Version == 0 {
		bp.Version = 1
	}
	if bp.InitCreditState == "" {
		bp.InitCreditState = "NONE"
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO billing_profiles (account_id, state, version, processor_customer_id, init_credit_state, updated_time_ms)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		bp.AccountID, bp.State, bp.Version, bp.ProcessorCustomerID, bp.InitCreditState, bp.UpdatedTimeMs)
	if err != nil {
		return fmt.Errorf("profile: create billing %s: %w", bp.AccountID, err)
	}
	return nil
}

// TransitionTx performs the guarded state transition: it only succeeds if the
// row is still at (from, expectedVersion), and always bumps the version. A
// guard miss distinguishes a vanished row (integrity violation) from a
// concurrent transition (conflict).
func (r *Repository) TransitionTx(ctx context.Context, tx pgx.Tx, accountID string, from State, expectedVersion int64, to State, nowMs int64) error {
	tag, err := tx.Exec(ctx,
		`UPDATE billing_profiles
         SET state=$1, version=version+1, updated_time_ms=$2
         WHERE account_id=$3 AND state=$4 AND version=$5`,
		to, nowMs, accountID, from, expectedVersion)
	if err != nil {
		return fmt.Errorf("profile: transition %s %s->%s: %w", accountID, from, to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_profiles WHERE account_id=$1)`, accountID).Scan(&exists); err != nil {
		return fmt.Errorf("profile: transition recheck %s: %w", accountID, err)
	}
	if !exists {
		return fmt.Errorf("profile: billing profile %s vanished: %w", accountID, engine.ErrDataIntegrity)
	}
	return fmt.Errorf("profile: %s not at %s v%d: %w", accountID, from, expectedVersion, engine.ErrConflict)
}

// GetPayoutProfile fetches the payout profile, if any.
func (r *Repository) GetPayoutProfile(ctx context.Context, accountID string) (PayoutProfile, error) {
	var pp PayoutProfile
	err := r.pool.QueryRow(ctx,
		`SELECT account_id, processor_connected_account_id, connected_account_state
         FROM payout_profiles WHERE account_id=$1`, accountID).
		Scan(&pp.AccountID, &pp.ProcessorConnectedAccountID, &pp.ConnectedAccountState)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PayoutProfile{}, ErrPayoutProfileNotFound
		}
		return PayoutProfile{}, fmt.Errorf("profile: get payout %s: %w", accountID, err)
	}
	return pp, nil
}

// CreatePayoutProfileTx registers a connected account, initially onboarding.
func (r *Repository) CreatePayoutProfileTx(ctx context.Context, tx pgx.Tx, pp PayoutProfile) error {
	if pp.ConnectedAccountState == "" {
		pp.ConnectedAccountState = ConnectedOnboarding
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO payout_profiles (account_id, processor_connected_account_id, connected_account_state)
         VALUES ($1, $2, $3)`,
		pp.AccountID, pp.ProcessorConnectedAccountID, pp.ConnectedAccountState)
	if err != nil {
		return fmt.Errorf("profile: create payout %s: %w", pp.AccountID, err)
	}
	return nil
}

// MarkOnboarded flips the connected account to ONBOARDED.
func (r *Repository) MarkOnboarded(ctx context.Context, accountID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payout_profiles SET connected_account_state=$1 WHERE account_id=$2`,
		ConnectedOnboarded, accountID)
	if err != nil {
		return fmt.Errorf("profile: mark onboarded %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutProfileNotFound
	}
	return nil
}
