package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Writer is the transaction-scoped slice of the store used by finalizers to
// compose task writes with entity transitions in one commit.
type Writer interface {
	InsertTx(ctx context.Context, tx pgx.Tx, t Task) error
	InsertIfAbsentTx(ctx context.Context, tx pgx.Tx, t Task) (bool, error)
	DeleteTx(ctx context.Context, tx pgx.Tx, ref Ref) (bool, error)
	DeleteBelowVersionTx(ctx context.Context, tx pgx.Tx, typ Type, key string, version int64) error
}

// Store provides pgx-backed access to the tasks table.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `task_type, key, uid::text, version, retry_count, eligible_time_ms, created_time_ms, payload`

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	err := row.Scan(&t.Type, &t.Key, &t.UID, &t.Version, &t.RetryCount, &t.EligibleTimeMs, &t.CreatedTimeMs, &t.Payload)
	return t, err
}

// Get fetches one task row by identity.
func (s *Store) Get(ctx context.Context, ref Ref) (Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_type=$1 AND key=$2`,
		ref.Type, ref.Key)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: get %s/%s: %w", ref.Type, ref.Key, err)
	}
	return t, nil
}

// ListDue returns tasks of one family whose eligible time has passed, oldest
// eligibility first.
func (s *Store) ListDue(ctx context.Context, typ Type, nowMs int64, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
         WHERE task_type=$1 AND eligible_time_ms <= $2
         ORDER BY eligible_time_ms ASC
         LIMIT $3`,
		typ, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("task: list due %s: %w", typ, err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("task: scan due %s: %w", typ, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Claim reserves the task against re-delivery inside one transaction: the
// retry count is bumped and the eligible time pushed to now + policy delay
// computed from the pre-claim retry count. A missing row yields ErrNotFound,
// which callers treat as already-handled.
//
// Claim is deliberately not exclusive; two racing claims are tolerated
// because every external call is idempotency-keyed and finalize re-checks
// entity state before committing.
func (s *Store) Claim(ctx context.Context, ref Ref, policy Policy, nowMs int64) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_type=$1 AND key=$2 FOR UPDATE`,
		ref.Type, ref.Key)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: read for claim %s/%s: %w", ref.Type, ref.Key, err)
	}

	eligible := nowMs + policy.Delay(t.RetryCount).Milliseconds()
	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET retry_count = retry_count + 1, eligible_time_ms = $1
         WHERE task_type=$2 AND key=$3`,
		eligible, ref.Type, ref.Key); err != nil {
		return Task{}, fmt.Errorf("task: advance claim %s/%s: %w", ref.Type, ref.Key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("task: commit claim: %w", err)
	}

	t.RetryCount++
	t.EligibleTimeMs = eligible
	return t, nil
}

// InsertTx adds a task row inside the caller's transaction, in the same
// commit as the state change that makes the work necessary.
func (s *Store) InsertTx(ctx context.Context, tx pgx.Tx, t Task) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO tasks (task_type, key, uid, version, retry_count, eligible_time_ms, created_time_ms, payload)
         VALUES ($1, $2, $3::uuid, $4, $5, $6, $7, COALESCE($8, '{}'::jsonb))`,
		t.Type, t.Key, t.UID, t.Version, t.RetryCount, t.EligibleTimeMs, t.CreatedTimeMs, t.Payload)
	if err != nil {
		return fmt.Errorf("task: insert %s/%s: %w", t.Type, t.Key, err)
	}
	return nil
}

// InsertIfAbsentTx adds a task row unless one already exists for the same
// identity, reporting whether a row was written. Used where an outstanding
// task of the family already covers the work (re-arming a suspension).
func (s *Store) InsertIfAbsentTx(ctx context.Context, tx pgx.Tx, t Task) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO tasks (task_type, key, uid, version, retry_count, eligible_time_ms, created_time_ms, payload)
         VALUES ($1, $2, $3::uuid, $4, $5, $6, $7, COALESCE($8, '{}'::jsonb))
         ON CONFLICT (task_type, key) DO NOTHING`,
		t.Type, t.Key, t.UID, t.Version, t.RetryCount, t.EligibleTimeMs, t.CreatedTimeMs, t.Payload)
	if err != nil {
		return false, fmt.Errorf("task: insert if absent %s/%s: %w", t.Type, t.Key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteTx removes a completed task inside the caller's transaction and
// reports whether a row was actually deleted.
func (s *Store) DeleteTx(ctx context.Context, tx pgx.Tx, ref Ref) (bool, error) {
	tag, err := tx.Exec(ctx,
		`DELETE FROM tasks WHERE task_type=$1 AND key=$2`, ref.Type, ref.Key)
	if err != nil {
		return false, fmt.Errorf("task: delete %s/%s: %w", ref.Type, ref.Key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteBelowVersionTx drops any outstanding task of the family whose version
// is older than version, so a superseded follow-on can never act on stale
// state.
func (s *Store) DeleteBelowVersionTx(ctx context.Context, tx pgx.Tx, typ Type, key string, version int64) error {
	_, err := tx.Exec(ctx,
		`DELETE FROM tasks WHERE task_type=$1 AND key=$2 AND version < $3`,
		typ, key, version)
	if err != nil {
		return fmt.Errorf("task: delete stale %s/%s: %w", typ, key, err)
	}
	return nil
}

var _ Writer = (*Store)(nil)
