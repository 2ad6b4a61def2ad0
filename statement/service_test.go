package statement

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"billflow/internal/pgxtest"
)

type fakeStatements struct {
	rows map[string]Statement
}

func newFakeStatements() *fakeStatements {
	return &fakeStatements{rows: make(map[string]Statement)}
}

func (f *fakeStatements) InsertTx(ctx context.Context, tx pgx.Tx, st Statement) error {
	f.rows[st.StatementID] = st
	return nil
}

func (f *fakeStatements) Get(ctx context.Context, statementID string) (Statement, error) {
	st, ok := f.rows[statementID]
	if !ok {
		return Statement{}, ErrNotFound
	}
	return st, nil
}

type fakeSink struct {
	created []Statement
}

func (f *fakeSink) CreateFromStatementTx(ctx context.Context, tx pgx.Tx, st Statement, nowMs int64) error {
	f.created = append(f.created, st)
	return nil
}

func newStatementService(store *fakeStatements, debits, credits *fakeSink) *Service {
	return NewService(&pgxtest.FakePool{}, store, debits, credits, zerolog.Nop()).
		WithClock(func() int64 { return 1_000_000 })
}

func TestIngestDebitSpawnsPayment(t *testing.T) {
	store := newFakeStatements()
	debits, credits := &fakeSink{}, &fakeSink{}
	svc := newStatementService(store, debits, credits)

	st := Statement{
		StatementID: "st-1", AccountID: "acct-1", Month: "2026-08",
		TotalAmount: 2500, TotalAmountType: Debit, Currency: "usd",
	}
	if err := svc.Ingest(context.Background(), st); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, ok := store.rows["st-1"]; !ok {
		t.Fatal("statement not stored")
	}
	if len(debits.created) != 1 || len(credits.created) != 0 {
		t.Fatalf("sinks = %d debit / %d credit, want 1/0", len(debits.created), len(credits.created))
	}
}

func TestIngestCreditSpawnsPayout(t *testing.T) {
	store := newFakeStatements()
	debits, credits := &fakeSink{}, &fakeSink{}
	svc := newStatementService(store, debits, credits)

	st := Statement{
		StatementID: "st-2", AccountID: "acct-1", Month: "2026-08",
		TotalAmount: 900, TotalAmountType: Credit, Currency: "usd",
	}
	if err := svc.Ingest(context.Background(), st); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(debits.created) != 0 || len(credits.created) != 1 {
		t.Fatalf("sinks = %d debit / %d credit, want 0/1", len(debits.created), len(credits.created))
	}
}

func TestIngestZeroTotalStoresStatementOnly(t *testing.T) {
	store := newFakeStatements()
	debits, credits := &fakeSink{}, &fakeSink{}
	svc := newStatementService(store, debits, credits)

	st := Statement{
		StatementID: "st-3", AccountID: "acct-1", Month: "2026-08",
		TotalAmount: 0, TotalAmountType: Debit, Currency: "usd",
	}
	if err := svc.Ingest(context.Background(), st); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, ok := store.rows["st-3"]; !ok {
		t.Fatal("statement not stored")
	}
	if len(debits.created)+len(credits.created) != 0 {
		t.Fatal("zero total must not spawn money movement")
	}
}

func TestIngestRejectsNegativeTotal(t *testing.T) {
	svc := newStatementService(newFakeStatements(), &fakeSink{}, &fakeSink{})

	st := Statement{
		StatementID: "st-4", AccountID: "acct-1",
		TotalAmount: -100, TotalAmountType: Credit, Currency: "usd",
	}
	if err := svc.Ingest(context.Background(), st); err == nil {
		t.Fatal("expected negative total to be rejected")
	}
}

func TestIngestAssignsStatementID(t *testing.T) {
	store := newFakeStatements()
	svc := newStatementService(store, &fakeSink{}, &fakeSink{})

	st := Statement{AccountID: "acct-1", TotalAmount: 100, TotalAmountType: Debit, Currency: "usd"}
	if err := svc.Ingest(context.Background(), st); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(store.rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(store.rows))
	}
	for id := range store.rows {
		if id == "" {
			t.Fatal("statement id not assigned")
		}
	}
}
