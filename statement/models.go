// Package statement holds the transaction statement produced by the external
// price calculator and its projection into payments and payouts.
package statement

import "errors"

// ErrNotFound signals the statement row is missing.
var ErrNotFound = errors.New("statement: not found")

// AmountType of a statement total. A DEBIT total drives a Payment, a CREDIT
// total drives a Payout.
type AmountType string

const (
	Debit  AmountType = "DEBIT"
	Credit AmountType = "CREDIT"
)

// Item is one priced usage line.
type Item struct {
	ProductID   string `json:"product_id"`
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	Price       int64  `json:"price"`
	Amount      int64  `json:"amount"`
}

// Statement is one month of billable activity for one account. Amounts are
// minor units of Currency. TotalAmount is always non-negative; the direction
// lives in TotalAmountType.
type Statement struct {
	StatementID     string
	AccountID       string
	Month           string
	TotalAmount     int64
	TotalAmountType AmountType
	Currency        string
	Items           []Item
	CreatedTimeMs   int64
}
