// Package processortest provides an in-memory PaymentProcessor that honours
// idempotency keys the way the real processor does: repeating a mutating call
// with a key already seen returns the original result and creates nothing.
package processortest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"billflow/processor"
)

// ErrUnavailable simulates a transient outage.
var ErrUnavailable = errors.New("processortest: service unavailable")

// Fake implements processor.PaymentProcessor. The zero value is not usable;
// construct with New.
type Fake struct {
	mu sync.Mutex

	customers map[string]processor.Customer
	methods   map[string]processor.PaymentMethod
	accounts  map[string]processor.ConnectedAccount
	invoices  map[string]*processor.Invoice

	// replies maps idempotency key to the object id minted for it.
	replies map[string]string
	seq     int

	// FailCalls makes the next n mutating calls fail transiently before any
	// idempotency bookkeeping, simulating a crash before the processor
	// recorded anything.
	FailCalls int

	InvoicesCreated  int
	LinesAdded       int
	Finalized        int
	TransfersCreated int
	CreditsCreated   int
}

func New() *Fake {
	return &Fake{
		customers: make(map[string]processor.Customer),
		methods:   make(map[string]processor.PaymentMethod),
		accounts:  make(map[string]processor.ConnectedAccount),
		invoices:  make(map[string]*processor.Invoice),
		replies:   make(map[string]string),
	}
}

// SeedCustomer registers a customer; methodID may be empty to model a
// customer without a payment method.
func (f *Fake) SeedCustomer(id, methodID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[id] = processor.Customer{ID: id, DefaultPaymentMethodID: methodID}
	if methodID != "" {
		f.methods[methodID] = processor.PaymentMethod{ID: methodID, Usable: true}
	}
}

// SeedConnectedAccount registers a connected account.
func (f *Fake) SeedConnectedAccount(id string, transfersEnabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[id] = processor.ConnectedAccount{ID: id, TransfersEnabled: transfersEnabled}
}

func (f *Fake) failNext() bool {
	if f.FailCalls > 0 {
		f.FailCalls--
		return true
	}
	return false
}

func (f *Fake) mint(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%06d", prefix, f.seq)
}

func (f *Fake) CreateInvoice(ctx context.Context, customerID, idempotencyKey string) (processor.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext() {
		return processor.Invoice{}, ErrUnavailable
	}
	if id, seen := f.replies[idempotencyKey]; seen {
		return *f.invoices[id], nil
	}
	if _, ok := f.customers[customerID]; !ok {
		return processor.Invoice{}, fmt.Errorf("processortest: unknown customer %s", customerID)
	}
	inv := &processor.Invoice{ID: f.mint("in"), Status: "draft"}
	f.invoices[inv.ID] = inv
	f.replies[idempotencyKey] = inv.ID
	f.InvoicesCreated++
	return *inv, nil
}

func (f *Fake) AddInvoiceLine(ctx context.Context, invoiceID string, line processor.InvoiceLine, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext() {
		return ErrUnavailable
	}
	if _, seen := f.replies[idempotencyKey]; seen {
		return nil
	}
	if _, ok := f.invoices[invoiceID]; !ok {
		return fmt.Errorf("processortest: unknown invoice %s", invoiceID)
	}
	f.replies[idempotencyKey] = invoiceID
	f.LinesAdded++
	return nil
}

func (f *Fake) FinalizeInvoice(ctx context.Context, invoiceID, idempotencyKey string) (processor.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext() {
		return processor.Invoice{}, ErrUnavailable
	}
	inv, ok := f.invoices[invoiceID]
	if !ok {
		return processor.Invoice{}, fmt.Errorf("processortest: unknown invoice %s", invoiceID)
	}
	if _, seen := f.replies[idempotencyKey]; seen {
		return *inv, nil
	}
	inv.Status = "open"
	f.replies[idempotencyKey] = invoiceID
	f.Finalized++
	return *inv, nil
}

func (f *Fake) CreateTransfer(ctx context.Context, amount int64, currency, destination, idempotencyKey string) (processor.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext() {
		return processor.Transfer{}, ErrUnavailable
	}
	if id, seen := f.replies[idempotencyKey]; seen {
		return processor.Transfer{ID: id}, nil
	}
	acct, ok := f.accounts[destination]
	if !ok {
		return processor.Transfer{}, fmt.Errorf("processortest: unknown connected account %s", destination)
	}
	if !acct.TransfersEnabled {
		return processor.Transfer{}, processor.ErrTransfersDisabled
	}
	id := f.mint("tr")
	f.replies[idempotencyKey] = id
	f.TransfersCreated++
	return processor.Transfer{ID: id}, nil
}

func (f *Fake) RetrieveCustomer(ctx context.Context, id string) (processor.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[id]
	if !ok {
		return processor.Customer{}, fmt.Errorf("processortest: unknown customer %s", id)
	}
	return c, nil
}

func (f *Fake) RetrievePaymentMethod(ctx context.Context, customerID, id string) (processor.PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.methods[id]
	if !ok {
		return processor.PaymentMethod{}, processor.ErrNoPaymentMethod
	}
	return m, nil
}

func (f *Fake) RetrieveConnectedAccount(ctx context.Context, id string) (processor.ConnectedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return processor.ConnectedAccount{}, fmt.Errorf("processortest: unknown connected account %s", id)
	}
	return a, nil
}

func (f *Fake) CreateBalanceTransaction(ctx context.Context, customerID string, amount int64, currency, idempotencyKey string) (processor.BalanceTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext() {
		return processor.BalanceTransaction{}, ErrUnavailable
	}
	if id, seen := f.replies[idempotencyKey]; seen {
		return processor.BalanceTransaction{ID: id}, nil
	}
	c, ok := f.customers[customerID]
	if !ok {
		return processor.BalanceTransaction{}, fmt.Errorf("processortest: unknown customer %s", customerID)
	}
	c.Balance += amount
	f.customers[customerID] = c
	id := f.mint("cbt")
	f.replies[idempotencyKey] = id
	f.CreditsCreated++
	return processor.BalanceTransaction{ID: id}, nil
}

var _ processor.PaymentProcessor = (*Fake)(nil)
