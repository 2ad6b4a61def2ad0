// Package profile owns the account-level billing state machines: the billing
// profile (HEALTHY/SUSPENDED with a monotone version) and the payout profile
// wrapping the processor-side connected account.
package profile

import "errors"

var (
	// ErrNotFound signals the billing profile row is missing.
	ErrNotFound = errors.New("profile: billing profile not found")
	// ErrPayoutProfileNotFound signals the account has no payout profile;
	// credits then land on the billing customer's processor balance instead
	// of a transfer.
	ErrPayoutProfileNotFound = errors.New("profile: payout profile not found")
)

// State of a billing profile.
type State string

const (
	StateHealthy   State = "HEALTHY"
	StateSuspended State = "SUSPENDED"
)

// ConnectedState of the processor-side connected account.
type ConnectedState string

const (
	ConnectedOnboarding ConnectedState = "ONBOARDING"
	ConnectedOnboarded  ConnectedState = "ONBOARDED"
)

// BillingProfile mirrors the billing_profiles row. Version strictly increases
// on every state transition; any task carrying a stale version must be
// discarded once a newer version exists.
type BillingProfile struct {
	AccountID           string
	State               State
	Version             int64
	ProcessorCustomerID string
	InitCreditState     string
	UpdatedTimeMs       int64
}

// PayoutProfile mirrors the payout_profiles row.
type PayoutProfile struct {
	AccountID                   string
	ProcessorConnectedAccountID string
	ConnectedAccountState       ConnectedState
}

// SuspensionPayload is the task-row payload for suspension tasks; the task
// key is the unpaid statement id.
type SuspensionPayload struct {
	AccountID string `json:"account_id"`
}
