// Package tasktest provides an in-memory task.Writer for service unit tests.
package tasktest

import (
	"context"

	"github.com/jackc/pgx/v5"

	"billflow/task"
)

// Recorder implements task.Writer over a map, mimicking the primary-key and
// version semantics of the real table.
type Recorder struct {
	Rows map[task.Ref]task.Task

	// InsertErr, when set, fails the next insert.
	InsertErr error
}

func New() *Recorder {
	return &Recorder{Rows: make(map[task.Ref]task.Task)}
}

func (r *Recorder) InsertTx(ctx context.Context, tx pgx.Tx, t task.Task) error {
	if r.InsertErr != nil {
		err := r.InsertErr
		r.InsertErr = nil
		return err
	}
	r.Rows[t.Ref()] = t
	return nil
}

func (r *Recorder) InsertIfAbsentTx(ctx context.Context, tx pgx.Tx, t task.Task) (bool, error) {
	if _, ok := r.Rows[t.Ref()]; ok {
		return false, nil
	}
	r.Rows[t.Ref()] = t
	return true, nil
}

func (r *Recorder) DeleteTx(ctx context.Context, tx pgx.Tx, ref task.Ref) (bool, error) {
	if _, ok := r.Rows[ref]; !ok {
		return false, nil
	}
	delete(r.Rows, ref)
	return true, nil
}

func (r *Recorder) DeleteBelowVersionTx(ctx context.Context, tx pgx.Tx, typ task.Type, key string, version int64) error {
	ref := task.Ref{Type: typ, Key: key}
	if t, ok := r.Rows[ref]; ok && t.Version < version {
		delete(r.Rows, ref)
	}
	return nil
}

// OfType returns the stored tasks of one family.
func (r *Recorder) OfType(typ task.Type) []task.Task {
	var out []task.Task
	for ref, t := range r.Rows {
		if ref.Type == typ {
			out = append(out, t)
		}
	}
	return out
}

var _ task.Writer = (*Recorder)(nil)
