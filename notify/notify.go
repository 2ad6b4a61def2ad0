// Package notify carries the notification boundary: the outbound sender, the
// account directory, and the durable notification task that bridges them to
// the billing state machines.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"billflow/task"
)

// Template identifiers understood by the notification service.
const (
	TemplatePaymentFailed    = "billing_payment_failed"
	TemplatePayoutDisabled   = "billing_payout_disabled"
	TemplateAccountSuspended = "billing_account_suspended"
)

// Notifier delivers one templated message.
type Notifier interface {
	Send(ctx context.Context, to, templateID string, data map[string]any) error
}

// Contact is the directory's view of an account's billing contact.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Directory resolves account contacts.
type Directory interface {
	GetAccountContact(ctx context.Context, accountID string) (Contact, error)
}

// Payload is the task-row payload for notification tasks.
type Payload struct {
	AccountID string         `json:"account_id"`
	Template  string         `json:"template"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewTask builds a notification task eligible immediately. The key is a fresh
// identifier so one account can have several notifications in flight.
func NewTask(nowMs int64, accountID, template string, version int64, data map[string]any) task.Task {
	t := task.New(task.TypeNotification, uuid.NewString(), nowMs, nowMs)
	return t.WithVersion(version).WithPayload(Payload{
		AccountID: accountID,
		Template:  template,
		Data:      data,
	})
}

// DecodePayload parses a notification task payload.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("notify: decode payload: %w", err)
	}
	if p.AccountID == "" || p.Template == "" {
		return Payload{}, fmt.Errorf("notify: payload missing account or template")
	}
	return p, nil
}
