// Package task holds the durable work-queue model: one row per pending unit
// of work, claimed by advancing its eligible time and deleted only once the
// work is finalized.
package task

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound signals the referenced task row does not exist. Under duplicate
// delivery this is the expected "already handled" outcome, not a failure.
var ErrNotFound = errors.New("task: not found")

// Type identifies a task family. Each family has exactly one handler.
type Type string

const (
	TypePayment        Type = "payment"
	TypeInvoicePayment Type = "invoice_payment"
	TypePayout         Type = "payout"
	TypeSuspension     Type = "suspension"
	TypeProfileSync    Type = "profile_sync"
	TypeNotification   Type = "notification"
)

// Types lists every task family the engine knows about.
func Types() []Type {
	return []Type{
		TypePayment,
		TypeInvoicePayment,
		TypePayout,
		TypeSuspension,
		TypeProfileSync,
		TypeNotification,
	}
}

// Ref identifies one task row.
type Ref struct {
	Type Type
	Key  string
}

// Task is a durable record of pending work. UID is immutable across claims
// and is the sole input to external idempotency tokens. Version is meaningful
// only for profile-scoped families; stale versions must be discarded.
type Task struct {
	Type           Type
	Key            string
	UID            string
	Version        int64
	RetryCount     int
	EligibleTimeMs int64
	CreatedTimeMs  int64
	Payload        json.RawMessage
}

// Ref returns the row identity of the task.
func (t Task) Ref() Ref {
	return Ref{Type: t.Type, Key: t.Key}
}

// New builds a task row eligible at eligibleMs. The UID is assigned here and
// never changes afterwards.
func New(typ Type, key string, nowMs, eligibleMs int64) Task {
	return Task{
		Type:           typ,
		Key:            key,
		UID:            uuid.NewString(),
		EligibleTimeMs: eligibleMs,
		CreatedTimeMs:  nowMs,
	}
}

// WithVersion tags the task with a profile version.
func (t Task) WithVersion(v int64) Task {
	t.Version = v
	return t
}

// WithPayload attaches a JSON payload, panicking only on unmarshalable input
// which would always be a programming error.
func (t Task) WithPayload(v any) Task {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	t.Payload = b
	return t
}
