// Package payment owns the Payment state machine: one payment per DEBIT
// transaction statement, advanced by the task engine and settled by
// processor-side invoice payment events.
package payment

import "errors"

// ErrNotFound signals the payment row is missing.
var ErrNotFound = errors.New("payment: not found")

// State of a payment.
type State string

const (
	StateProcessing               State = "PROCESSING"
	StateCreatingInvoice          State = "CREATING_INVOICE"
	StateWaitingForInvoicePayment State = "WAITING_FOR_INVOICE_PAYMENT"
	StatePayingInvoice            State = "PAYING_INVOICE"
	StatePaid                     State = "PAID"
	StateFailedWithoutInvoice     State = "FAILED_WITHOUT_INVOICE"
	StateFailedWithInvoice        State = "FAILED_WITH_INVOICE"
)

// Payment mirrors the payments row.
type Payment struct {
	StatementID        string
	AccountID          string
	State              State
	ProcessorInvoiceID *string
	Amount             int64
	Currency           string
	UpdatedTimeMs      int64
}

// Unpaid reports whether the payment has not yet settled. Failed states count
// as unpaid: they are what the suspension sub-machine watches for.
func (p Payment) Unpaid() bool {
	return p.State != StatePaid
}
