// Package pgxtest provides the fake transaction plumbing the service unit
// tests share. Repositories are faked per package; only Begin/Commit/Rollback
// are live here, everything else panics to catch accidental SQL in unit
// tests.
package pgxtest

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// FakePool implements db.TxBeginner and records the transactions it handed
// out.
type FakePool struct {
	Txs      []*FakeTx
	BeginErr error
}

func (f *FakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.BeginErr != nil {
		return nil, f.BeginErr
	}
	tx := &FakeTx{}
	f.Txs = append(f.Txs, tx)
	return tx, nil
}

// Last returns the most recent transaction, or nil.
func (f *FakePool) Last() *FakeTx {
	if len(f.Txs) == 0 {
		return nil
	}
	return f.Txs[len(f.Txs)-1]
}

// Committed reports whether every handed-out transaction committed.
func (f *FakePool) Committed() bool {
	for _, tx := range f.Txs {
		if !tx.CommitCalled {
			return false
		}
	}
	return len(f.Txs) > 0
}

// FakeTx tracks commit/rollback and rejects everything else.
type FakeTx struct {
	CommitCalled   bool
	RollbackCalled bool
	CommitErr      error
}

func (f *FakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("pgxtest: nested transactions unsupported")
}

func (f *FakeTx) Commit(context.Context) error {
	if f.CommitErr != nil {
		return f.CommitErr
	}
	f.CommitCalled = true
	return nil
}

func (f *FakeTx) Rollback(context.Context) error {
	f.RollbackCalled = true
	return nil
}

func (f *FakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("pgxtest: not implemented")
}

func (f *FakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("pgxtest: not implemented")
}

func (f *FakeTx) LargeObjects() pgx.LargeObjects {
	panic("pgxtest: not implemented")
}

func (f *FakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("pgxtest: not implemented")
}

func (f *FakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("pgxtest: not implemented")
}

func (f *FakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("pgxtest: not implemented")
}

func (f *FakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("pgxtest: not implemented")
}

func (f *FakeTx) Conn() *pgx.Conn {
	return nil
}
