package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"billflow/engine"
	"billflow/payment"
	"billflow/statement"
	"billflow/task"
)

type statementIngester interface {
	Ingest(ctx context.Context, st statement.Statement) error
}

type paymentActions interface {
	Retry(ctx context.Context, statementID string) error
	MarkInvoicePaid(ctx context.Context, statementID string) error
	MarkInvoicePaymentFailed(ctx context.Context, statementID string) error
}

type paymentReader interface {
	Get(ctx context.Context, statementID string) (payment.Payment, error)
}

type taskLister interface {
	ListPendingTasks(ctx context.Context, typ task.Type, nowMs int64) ([]task.Task, error)
}

type onboardMarker interface {
	MarkOnboarded(ctx context.Context, accountID string) error
}

type server struct {
	statements statementIngester
	payments   paymentActions
	reader     paymentReader
	tasks      taskLister
	profiles   onboardMarker
	log        zerolog.Logger
	nowMs      func() int64
}

func newServer(statements statementIngester, payments paymentActions, reader paymentReader, tasks taskLister, profiles onboardMarker, log zerolog.Logger) http.Handler {
	s := &server{
		statements: statements,
		payments:   payments,
		reader:     reader,
		tasks:      tasks,
		profiles:   profiles,
		log:        log.With().Str("component", "http").Logger(),
		nowMs:      func() int64 { return time.Now().UnixMilli() },
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/v1/tasks/{type}", s.listTasks)
	r.Post("/v1/statements", s.ingestStatement)
	r.Get("/v1/payments/{statementID}", s.getPayment)
	r.Post("/v1/payments/{statementID}/retry", s.retryPayment)
	r.Post("/v1/webhooks/processor", s.processorWebhook)

	return r
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *server) listTasks(w http.ResponseWriter, r *http.Request) {
	typ := task.Type(chi.URLParam(r, "type"))
	known := false
	for _, t := range task.Types() {
		if t == typ {
			known = true
		}
	}
	if !known {
		s.writeError(w, http.StatusNotFound, "unknown task type")
		return
	}

	due, err := s.tasks.ListPendingTasks(r.Context(), typ, s.nowMs())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": due})
}

func (s *server) ingestStatement(w http.ResponseWriter, r *http.Request) {
	var st statement.Statement
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed statement")
		return
	}

	if err := s.statements.Ingest(r.Context(), st); err != nil {
		if errors.Is(err, engine.ErrConflict) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"statement_id": st.StatementID})
}

func (s *server) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.reader.Get(r.Context(), chi.URLParam(r, "statementID"))
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "payment not found")
			return
		}
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *server) retryPayment(w http.ResponseWriter, r *http.Request) {
	err := s.payments.Retry(r.Context(), chi.URLParam(r, "statementID"))
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
	case errors.Is(err, payment.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "payment not found")
	case errors.Is(err, engine.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.serverError(w, r, err)
	}
}

// processorWebhook receives payment processor events. The processor retries
// deliveries, so every branch tolerates repeats.
func (s *server) processorWebhook(w http.ResponseWriter, r *http.Request) {
	var ev struct {
		Type        string `json:"type"`
		StatementID string `json:"statement_id"`
		AccountID   string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed event")
		return
	}

	var err error
	switch ev.Type {
	case "invoice.paid":
		err = s.payments.MarkInvoicePaid(r.Context(), ev.StatementID)
	case "invoice.payment_failed":
		err = s.payments.MarkInvoicePaymentFailed(r.Context(), ev.StatementID)
	case "account.onboarded":
		err = s.profiles.MarkOnboarded(r.Context(), ev.AccountID)
	default:
		// Unrecognized events are acknowledged so the processor stops
		// retrying them.
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	case errors.Is(err, payment.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "payment not found")
	case errors.Is(err, engine.ErrConflict):
		// The entity moved on; the event is stale and safe to acknowledge.
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "stale"})
	default:
		s.serverError(w, r, err)
	}
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("encoding response failed")
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
