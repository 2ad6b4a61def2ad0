// Package payout owns the Payout state machine: one payout per CREDIT
// transaction statement, settled by a processor transfer or, for accounts
// without a connected account, a customer balance credit.
package payout

import "errors"

// ErrNotFound signals the payout row is missing.
var ErrNotFound = errors.New("payout: not found")

// State of a payout.
type State string

const (
	StateProcessing State = "PROCESSING"
	StatePaid       State = "PAID"
	StateDisabled   State = "DISABLED"
)

// Payout mirrors the payouts row. ProcessorTransferID records the transfer
// or balance transaction that settled it.
type Payout struct {
	StatementID         string
	AccountID           string
	State               State
	ProcessorTransferID *string
	Amount              int64
	Currency            string
	UpdatedTimeMs       int64
}
