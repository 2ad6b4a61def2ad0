package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"billflow/db"
	"billflow/task"
)

// Handler processes notification tasks: resolve the contact, send, then
// delete the task. Send is not idempotency-keyed at the processor level, so a
// crash between send and delete can duplicate an email; that is accepted for
// notifications where it would not be for money movement.
type Handler struct {
	pool      db.TxBeginner
	tasks     task.Writer
	notifier  Notifier
	directory Directory
	log       zerolog.Logger
}

func NewHandler(pool db.TxBeginner, tasks task.Writer, notifier Notifier, directory Directory, log zerolog.Logger) *Handler {
	return &Handler{
		pool:      pool,
		tasks:     tasks,
		notifier:  notifier,
		directory: directory,
		log:       log.With().Str("component", "notify").Logger(),
	}
}

func (h *Handler) Process(ctx context.Context, t task.Task) error {
	p, err := DecodePayload(t.Payload)
	if err != nil {
		return err
	}

	contact, err := h.directory.GetAccountContact(ctx, p.AccountID)
	if err != nil {
		return fmt.Errorf("notify: resolve contact for %s: %w", p.AccountID, err)
	}

	if err := h.notifier.Send(ctx, contact.Email, p.Template, p.Data); err != nil {
		return fmt.Errorf("notify: send %s to %s: %w", p.Template, p.AccountID, err)
	}

	h.log.Info().Str("account_id", p.AccountID).Str("template", p.Template).
		Msg("notification sent")

	return db.InTx(ctx, h.pool, func(tx pgx.Tx) error {
		_, err := h.tasks.DeleteTx(ctx, tx, t.Ref())
		return err
	})
}
