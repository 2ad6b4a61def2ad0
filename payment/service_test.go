package payment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"billflow/engine"
	"billflow/internal/pgxtest"
	"billflow/processor"
	"billflow/processor/processortest"
	"billflow/profile"
	"billflow/statement"
	"billflow/task"
	"billflow/task/tasktest"
)

type fakePayments struct {
	rows map[string]*Payment

	// failNextTo fails the next transition into the given state, once.
	failNextTo State
}

func newFakePayments(rows ...Payment) *fakePayments {
	f := &fakePayments{rows: make(map[string]*Payment)}
	for i := range rows {
		p := rows[i]
		f.rows[p.StatementID] = &p
	}
	return f
}

func (f *fakePayments) Get(ctx context.Context, statementID string) (Payment, error) {
	p, ok := f.rows[statementID]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return *p, nil
}

func (f *fakePayments) GetForUpdateTx(ctx context.Context, tx pgx.Tx, statementID string) (Payment, error) {
	return f.Get(ctx, statementID)
}

func (f *fakePayments) TransitionTx(ctx context.Context, tx pgx.Tx, statementID string, to State, invoiceID *string, nowMs int64, from ...State) error {
	if f.failNextTo == to {
		f.failNextTo = ""
		return errors.New("fake: transition failed")
	}
	p, ok := f.rows[statementID]
	if !ok {
		return fmt.Errorf("payment: %s missing: %w", statementID, engine.ErrDataIntegrity)
	}
	allowed := false
	for _, s := range from {
		if p.State == s {
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("payment: %s in %s: %w", statementID, p.State, engine.ErrConflict)
	}
	p.State = to
	if invoiceID != nil {
		p.ProcessorInvoiceID = invoiceID
	}
	p.UpdatedTimeMs = nowMs
	return nil
}

type fakeProfiles struct {
	profiles map[string]profile.BillingProfile
}

func (f *fakeProfiles) GetBillingProfile(ctx context.Context, accountID string) (profile.BillingProfile, error) {
	bp, ok := f.profiles[accountID]
	if !ok {
		return profile.BillingProfile{}, profile.ErrNotFound
	}
	return bp, nil
}

type fakeReinstater struct {
	accounts []string
}

func (f *fakeReinstater) ReinstateTx(ctx context.Context, tx pgx.Tx, accountID string) error {
	f.accounts = append(f.accounts, accountID)
	return nil
}

type fakeStatements struct {
	rows map[string]statement.Statement
}

func (f *fakeStatements) Get(ctx context.Context, statementID string) (statement.Statement, error) {
	st, ok := f.rows[statementID]
	if !ok {
		return statement.Statement{}, statement.ErrNotFound
	}
	return st, nil
}

const grace = 10 * 24 * time.Hour

type paymentFixture struct {
	svc      *Service
	payments *fakePayments
	tasks    *tasktest.Recorder
	proc     *processortest.Fake
	rein     *fakeReinstater
	nowMs    *int64
}

func newPaymentFixture(t *testing.T, rows ...Payment) *paymentFixture {
	t.Helper()
	payments := newFakePayments(rows...)
	tasks := tasktest.New()
	proc := processortest.New()
	rein := &fakeReinstater{}
	profiles := &fakeProfiles{profiles: map[string]profile.BillingProfile{
		"acct-1": {AccountID: "acct-1", State: profile.StateHealthy, Version: 1, ProcessorCustomerID: "cus_1"},
	}}
	statements := &fakeStatements{rows: map[string]statement.Statement{
		"st-1": {
			StatementID: "st-1", AccountID: "acct-1", Month: "2026-08",
			TotalAmount: 1500, TotalAmountType: statement.Debit, Currency: "usd",
			Items: []statement.Item{
				{ProductID: "compute", Description: "compute usage", Amount: 1000},
				{ProductID: "storage", Description: "storage usage", Amount: 500},
			},
		},
	}}
	now := int64(1_000_000)
	svc := NewService(&pgxtest.FakePool{}, payments, profiles, rein, statements, proc, tasks, grace, zerolog.Nop()).
		WithClock(func() int64 { return now })
	return &paymentFixture{svc: svc, payments: payments, tasks: tasks, proc: proc, rein: rein, nowMs: &now}
}

func processingPayment() Payment {
	return Payment{StatementID: "st-1", AccountID: "acct-1", State: StateProcessing, Amount: 1500, Currency: "usd"}
}

func paymentTask() task.Task {
	return task.New(task.TypePayment, "st-1", 1_000_000, 1_000_000)
}

func TestProcessPaymentIssuesInvoice(t *testing.T) {
	fx := newPaymentFixture(t, processingPayment())
	fx.proc.SeedCustomer("cus_1", "pm_1")
	tk := paymentTask()
	fx.tasks.Rows[tk.Ref()] = tk

	if err := fx.svc.ProcessPayment(context.Background(), tk); err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}

	p, _ := fx.payments.Get(context.Background(), "st-1")
	if p.State != StateWaitingForInvoicePayment {
		t.Fatalf("state = %s, want %s", p.State, StateWaitingForInvoicePayment)
	}
	if p.ProcessorInvoiceID == nil || *p.ProcessorInvoiceID == "" {
		t.Fatal("invoice id not recorded")
	}
	if _, ok := fx.tasks.Rows[tk.Ref()]; ok {
		t.Fatal("payment task not deleted")
	}
	if fx.proc.InvoicesCreated != 1 || fx.proc.LinesAdded != 2 || fx.proc.Finalized != 1 {
		t.Fatalf("processor calls = %d/%d/%d, want 1/2/1",
			fx.proc.InvoicesCreated, fx.proc.LinesAdded, fx.proc.Finalized)
	}
}

func TestProcessPaymentRedeliveryCreatesOneInvoice(t *testing.T) {
	// First delivery completes every processor call but dies before the
	// finalizing commit. The redelivery must repeat the calls without creating
	// a second invoice.
	fx := newPaymentFixture(t, processingPayment())
	fx.proc.SeedCustomer("cus_1", "pm_1")
	tk := paymentTask()
	fx.tasks.Rows[tk.Ref()] = tk
	fx.payments.failNextTo = StateWaitingForInvoicePayment

	if err := fx.svc.ProcessPayment(context.Background(), tk); err == nil {
		t.Fatal("expected first delivery to fail at commit")
	}
	if err := fx.svc.ProcessPayment(context.Background(), tk); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if fx.proc.InvoicesCreated != 1 {
		t.Fatalf("invoices created = %d, want 1", fx.proc.InvoicesCreated)
	}
	if fx.proc.LinesAdded != 2 {
		t.Fatalf("lines added = %d, want 2", fx.proc.LinesAdded)
	}
	p, _ := fx.payments.Get(context.Background(), "st-1")
	if p.State != StateWaitingForInvoicePayment {
		t.Fatalf("state = %s, want %s", p.State, StateWaitingForInvoicePayment)
	}
}

func TestProcessPaymentTransientOutageLeavesRetryableState(t *testing.T) {
	fx := newPaymentFixture(t, processingPayment())
	fx.proc.SeedCustomer("cus_1", "pm_1")
	tk := paymentTask()
	fx.tasks.Rows[tk.Ref()] = tk
	fx.proc.FailCalls = 1

	err := fx.svc.ProcessPayment(context.Background(), tk)
	if !errors.Is(err, processortest.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	p, _ := fx.payments.Get(context.Background(), "st-1")
	if p.State != StateCreatingInvoice {
		t.Fatalf("state = %s, want %s", p.State, StateCreatingInvoice)
	}
	if _, ok := fx.tasks.Rows[tk.Ref()]; !ok {
		t.Fatal("payment task must survive a transient failure")
	}
}

func TestProcessPaymentNoUsableMethodFailsWithoutInvoice(t *testing.T) {
	fx := newPaymentFixture(t, processingPayment())
	fx.proc.SeedCustomer("cus_1", "")
	tk := paymentTask()
	fx.tasks.Rows[tk.Ref()] = tk

	if err := fx.svc.ProcessPayment(context.Background(), tk); err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}

	p, _ := fx.payments.Get(context.Background(), "st-1")
	if p.State != StateFailedWithoutInvoice {
		t.Fatalf("state = %s, want %s", p.State, StateFailedWithoutInvoice)
	}
	if fx.proc.InvoicesCreated != 0 {
		t.Fatalf("invoices created = %d, want 0", fx.proc.InvoicesCreated)
	}
	if _, ok := fx.tasks.Rows[tk.Ref()]; ok {
		t.Fatal("payment task not deleted")
	}
	if got := len(fx.tasks.OfType(task.TypeNotification)); got != 1 {
		t.Fatalf("notification tasks = %d, want 1", got)
	}
	susp, ok := fx.tasks.Rows[task.Ref{Type: task.TypeSuspension, Key: "st-1"}]
	if !ok {
		t.Fatal("suspension task not armed")
	}
	if want := *fx.nowMs + grace.Milliseconds(); susp.EligibleTimeMs != want {
		t.Fatalf("suspension eligible at %d, want %d", susp.EligibleTimeMs, want)
	}
}

func TestRepeatedFailureKeepsOriginalGraceDeadline(t *testing.T) {
	fx := newPaymentFixture(t, processingPayment())
	fx.proc.SeedCustomer("cus_1", "")
	tk := paymentTask()
	fx.tasks.Rows[tk.Ref()] = tk

	if err := fx.svc.ProcessPayment(context.Background(), tk); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	deadline := fx.tasks.Rows[task.Ref{Type: task.TypeSuspension, Key: "st-1"}].EligibleTimeMs

	*fx.nowMs += time.Hour.Milliseconds()
	if err := fx.svc.Retry(context.Background(), "st-1"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	tk2 := fx.tasks.OfType(task.TypePayment)[0]
	if err := fx.svc.ProcessPayment(context.Background(), tk2); err != nil {
		t.Fatalf("second failure: %v", err)
	}

	susp := fx.tasks.Rows[task.Ref{Type: task.TypeSuspension, Key: "st-1"}]
	if susp.EligibleTimeMs != deadline {
		t.Fatalf("grace deadline moved from %d to %d", deadline, susp.EligibleTimeMs)
	}
}

func TestProcessPaymentMissingRowIsDataIntegrity(t *testing.T) {
	fx := newPaymentFixture(t)
	err := fx.svc.ProcessPayment(context.Background(), paymentTask())
	if !errors.Is(err, engine.ErrDataIntegrity) {
		t.Fatalf("err = %v, want ErrDataIntegrity", err)
	}
}

func TestProcessPaymentWrongStateConflicts(t *testing.T) {
	p := processingPayment()
	p.State = StatePaid
	fx := newPaymentFixture(t, p)

	err := fx.svc.ProcessPayment(context.Background(), paymentTask())
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestProcessInvoicePayment(t *testing.T) {
	inv := "in_77"
	p := processingPayment()
	p.State = StatePayingInvoice
	p.ProcessorInvoiceID = &inv
	fx := newPaymentFixture(t, p)
	fx.proc.SeedCustomer("cus_1", "pm_1")
	// The invoice already exists processor-side from the original attempt.
	created, err := fx.proc.CreateInvoice(context.Background(), "cus_1", processor.IdempotencyKey(processor.OpCreateInvoice, "seed"))
	if err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
	fx.payments.rows["st-1"].ProcessorInvoiceID = &created.ID

	tk := task.New(task.TypeInvoicePayment, "st-1", 1_000_000, 1_000_000)
	fx.tasks.Rows[tk.Ref()] = tk

	if err := fx.svc.ProcessInvoicePayment(context.Background(), tk); err != nil {
		t.Fatalf("ProcessInvoicePayment: %v", err)
	}
	got, _ := fx.payments.Get(context.Background(), "st-1")
	if got.State != StateWaitingForInvoicePayment {
		t.Fatalf("state = %s, want %s", got.State, StateWaitingForInvoicePayment)
	}
	if _, ok := fx.tasks.Rows[tk.Ref()]; ok {
		t.Fatal("invoice payment task not deleted")
	}
}

func TestProcessInvoicePaymentWithoutInvoiceIDIsFatal(t *testing.T) {
	p := processingPayment()
	p.State = StatePayingInvoice
	fx := newPaymentFixture(t, p)

	err := fx.svc.ProcessInvoicePayment(context.Background(), task.New(task.TypeInvoicePayment, "st-1", 0, 0))
	if !errors.Is(err, engine.ErrDataIntegrity) {
		t.Fatalf("err = %v, want ErrDataIntegrity", err)
	}
}

func TestMarkInvoicePaidSettlesAndReinstates(t *testing.T) {
	p := processingPayment()
	p.State = StateWaitingForInvoicePayment
	fx := newPaymentFixture(t, p)

	if err := fx.svc.MarkInvoicePaid(context.Background(), "st-1"); err != nil {
		t.Fatalf("MarkInvoicePaid: %v", err)
	}
	got, _ := fx.payments.Get(context.Background(), "st-1")
	if got.State != StatePaid {
		t.Fatalf("state = %s, want %s", got.State, StatePaid)
	}
	if len(fx.rein.accounts) != 1 || fx.rein.accounts[0] != "acct-1" {
		t.Fatalf("reinstated accounts = %v, want [acct-1]", fx.rein.accounts)
	}

	// Repeated settlement events are no-ops.
	if err := fx.svc.MarkInvoicePaid(context.Background(), "st-1"); err != nil {
		t.Fatalf("repeat MarkInvoicePaid: %v", err)
	}
	if len(fx.rein.accounts) != 1 {
		t.Fatalf("reinstated twice: %v", fx.rein.accounts)
	}
}

func TestMarkInvoicePaymentFailedEnqueuesFollowOns(t *testing.T) {
	p := processingPayment()
	p.State = StateWaitingForInvoicePayment
	fx := newPaymentFixture(t, p)

	if err := fx.svc.MarkInvoicePaymentFailed(context.Background(), "st-1"); err != nil {
		t.Fatalf("MarkInvoicePaymentFailed: %v", err)
	}
	got, _ := fx.payments.Get(context.Background(), "st-1")
	if got.State != StateFailedWithInvoice {
		t.Fatalf("state = %s, want %s", got.State, StateFailedWithInvoice)
	}
	if got := len(fx.tasks.OfType(task.TypeNotification)); got != 1 {
		t.Fatalf("notification tasks = %d, want 1", got)
	}
	if _, ok := fx.tasks.Rows[task.Ref{Type: task.TypeSuspension, Key: "st-1"}]; !ok {
		t.Fatal("suspension task not armed")
	}

	if err := fx.svc.MarkInvoicePaymentFailed(context.Background(), "st-1"); err != nil {
		t.Fatalf("repeat MarkInvoicePaymentFailed: %v", err)
	}
	if got := len(fx.tasks.OfType(task.TypeNotification)); got != 1 {
		t.Fatalf("repeat event duplicated notifications: %d", got)
	}
}

func TestRetry(t *testing.T) {
	t.Run("without invoice re-enters invoice creation", func(t *testing.T) {
		p := processingPayment()
		p.State = StateFailedWithoutInvoice
		fx := newPaymentFixture(t, p)

		if err := fx.svc.Retry(context.Background(), "st-1"); err != nil {
			t.Fatalf("Retry: %v", err)
		}
		got, _ := fx.payments.Get(context.Background(), "st-1")
		if got.State != StateCreatingInvoice {
			t.Fatalf("state = %s, want %s", got.State, StateCreatingInvoice)
		}
		if _, ok := fx.tasks.Rows[task.Ref{Type: task.TypePayment, Key: "st-1"}]; !ok {
			t.Fatal("payment task not inserted")
		}
	})

	t.Run("with invoice re-attempts invoice payment", func(t *testing.T) {
		inv := "in_1"
		p := processingPayment()
		p.State = StateFailedWithInvoice
		p.ProcessorInvoiceID = &inv
		fx := newPaymentFixture(t, p)

		if err := fx.svc.Retry(context.Background(), "st-1"); err != nil {
			t.Fatalf("Retry: %v", err)
		}
		got, _ := fx.payments.Get(context.Background(), "st-1")
		if got.State != StatePayingInvoice {
			t.Fatalf("state = %s, want %s", got.State, StatePayingInvoice)
		}
		if _, ok := fx.tasks.Rows[task.Ref{Type: task.TypeInvoicePayment, Key: "st-1"}]; !ok {
			t.Fatal("invoice payment task not inserted")
		}
	})

	t.Run("settled payment is not retryable", func(t *testing.T) {
		p := processingPayment()
		p.State = StatePaid
		fx := newPaymentFixture(t, p)

		err := fx.svc.Retry(context.Background(), "st-1")
		if !errors.Is(err, engine.ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict", err)
		}
	})
}

func TestInvoiceLinesFallBackToStatementTotal(t *testing.T) {
	st := statement.Statement{Month: "2026-08", Currency: "usd"}
	lines := invoiceLines(st, Payment{Amount: 900, Currency: "usd"})
	if len(lines) != 1 || lines[0].Amount != 900 {
		t.Fatalf("lines = %+v, want single 900 line", lines)
	}
}
