// Package processor defines the boundary to the external payment processor.
// Every mutating call takes a deterministic idempotency key so that repeating
// a call after a crash returns the original processor-side result instead of
// creating a duplicate financial object.
package processor

import (
	"context"

	"billflow/engine"
)

// Business failures reported by the processor. These are terminal for the
// attempt; handlers transition the entity to an explicit failed state rather
// than retrying.
var (
	ErrNoPaymentMethod   = &engine.BusinessError{Reason: "customer has no usable payment method"}
	ErrTransfersDisabled = &engine.BusinessError{Reason: "transfers not enabled for connected account"}
)

type Invoice struct {
	ID     string
	Status string
}

type InvoiceLine struct {
	Description string
	Amount      int64
	Currency    string
}

type Customer struct {
	ID                     string
	DefaultPaymentMethodID string
	Balance                int64
}

type PaymentMethod struct {
	ID     string
	Usable bool
}

type ConnectedAccount struct {
	ID               string
	TransfersEnabled bool
}

type Transfer struct {
	ID string
}

type BalanceTransaction struct {
	ID string
}

// PaymentProcessor is the capability interface handlers receive. Mutating
// operations take an idempotency key derived from task identity (see
// IdempotencyKey).
type PaymentProcessor interface {
	CreateInvoice(ctx context.Context, customerID, idempotencyKey string) (Invoice, error)
	AddInvoiceLine(ctx context.Context, invoiceID string, line InvoiceLine, idempotencyKey string) error
	FinalizeInvoice(ctx context.Context, invoiceID, idempotencyKey string) (Invoice, error)
	CreateTransfer(ctx context.Context, amount int64, currency, destination, idempotencyKey string) (Transfer, error)
	RetrieveCustomer(ctx context.Context, id string) (Customer, error)
	RetrievePaymentMethod(ctx context.Context, customerID, id string) (PaymentMethod, error)
	RetrieveConnectedAccount(ctx context.Context, id string) (ConnectedAccount, error)
	CreateBalanceTransaction(ctx context.Context, customerID string, amount int64, currency, idempotencyKey string) (BalanceTransaction, error)
}
