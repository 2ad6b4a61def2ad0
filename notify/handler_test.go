package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"billflow/internal/pgxtest"
	"billflow/task"
	"billflow/task/tasktest"
)

type sentMessage struct {
	to       string
	template string
	data     map[string]any
}

type fakeNotifier struct {
	sent []sentMessage
	err  error
}

func (f *fakeNotifier) Send(ctx context.Context, to, templateID string, data map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{to, templateID, data})
	return nil
}

type fakeDirectory struct {
	contacts map[string]Contact
}

func (f *fakeDirectory) GetAccountContact(ctx context.Context, accountID string) (Contact, error) {
	c, ok := f.contacts[accountID]
	if !ok {
		return Contact{}, errors.New("directory: unknown account")
	}
	return c, nil
}

func newHandlerFixture() (*Handler, *fakeNotifier, *tasktest.Recorder) {
	notifier := &fakeNotifier{}
	tasks := tasktest.New()
	directory := &fakeDirectory{contacts: map[string]Contact{
		"acct-1": {Name: "Ada", Email: "ada@example.com"},
	}}
	h := NewHandler(&pgxtest.FakePool{}, tasks, notifier, directory, zerolog.Nop())
	return h, notifier, tasks
}

func TestProcessSendsAndDeletesTask(t *testing.T) {
	h, notifier, tasks := newHandlerFixture()
	tk := NewTask(1_000_000, "acct-1", TemplatePaymentFailed, 0, map[string]any{"statement_id": "st-1"})
	tasks.Rows[tk.Ref()] = tk

	if err := h.Process(context.Background(), tk); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(notifier.sent))
	}
	msg := notifier.sent[0]
	if msg.to != "ada@example.com" || msg.template != TemplatePaymentFailed {
		t.Fatalf("sent %+v", msg)
	}
	if _, ok := tasks.Rows[tk.Ref()]; ok {
		t.Fatal("notification task not deleted")
	}
}

func TestProcessSendFailureKeepsTask(t *testing.T) {
	h, notifier, tasks := newHandlerFixture()
	notifier.err = errors.New("smtp unavailable")
	tk := NewTask(1_000_000, "acct-1", TemplatePaymentFailed, 0, nil)
	tasks.Rows[tk.Ref()] = tk

	if err := h.Process(context.Background(), tk); err == nil {
		t.Fatal("expected send failure to surface")
	}
	if _, ok := tasks.Rows[tk.Ref()]; !ok {
		t.Fatal("task must survive a failed send")
	}
}

func TestProcessRejectsMalformedPayload(t *testing.T) {
	h, _, _ := newHandlerFixture()
	tk := task.New(task.TypeNotification, "n-1", 0, 0).WithPayload(Payload{})

	if err := h.Process(context.Background(), tk); err == nil {
		t.Fatal("expected payload validation error")
	}
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	tk := NewTask(42, "acct-1", TemplateAccountSuspended, 7, map[string]any{"statement_id": "st-1"})
	p, err := DecodePayload(tk.Payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.AccountID != "acct-1" || p.Template != TemplateAccountSuspended {
		t.Fatalf("payload = %+v", p)
	}
	if tk.Version != 7 {
		t.Fatalf("version = %d, want 7", tk.Version)
	}
}
