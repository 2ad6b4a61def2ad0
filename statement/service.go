package statement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"billflow/db"
)

// Store is the data access the service needs; *Repository satisfies it.
type Store interface {
	InsertTx(ctx context.Context, tx pgx.Tx, st Statement) error
	Get(ctx context.Context, statementID string) (Statement, error)
}

// DebitSink projects a DEBIT statement into a payment plus its task, inside
// the caller's transaction. The payment package satisfies it.
type DebitSink interface {
	CreateFromStatementTx(ctx context.Context, tx pgx.Tx, st Statement, nowMs int64) error
}

// CreditSink projects a CREDIT statement into a payout plus its task, inside
// the caller's transaction. The payout package satisfies it.
type CreditSink interface {
	CreateFromStatementTx(ctx context.Context, tx pgx.Tx, st Statement, nowMs int64) error
}

// Service ingests finished statements: the statement row, the entity row it
// drives, and that entity's task are committed atomically so a crash never
// leaves a statement without its pending work.
type Service struct {
	pool    db.TxBeginner
	store   Store
	debits  DebitSink
	credits CreditSink
	log     zerolog.Logger
	nowMs   func() int64
}

func NewService(pool db.TxBeginner, store Store, debits DebitSink, credits CreditSink, log zerolog.Logger) *Service {
	return &Service{
		pool:    pool,
		store:   store,
		debits:  debits,
		credits: credits,
		log:     log.With().Str("component", "statement").Logger(),
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}
}

// WithClock overrides the clock. Intended for tests.
func (s *Service) WithClock(nowMs func() int64) *Service {
	s.nowMs = nowMs
	return s
}

// Ingest records st and spawns its payment or payout. A zero total needs no
// money movement and stores only the statement.
func (s *Service) Ingest(ctx context.Context, st Statement) error {
	if st.StatementID == "" {
		st.StatementID = uuid.NewString()
	}
	if st.AccountID == "" {
		return fmt.Errorf("statement: missing account id")
	}
	if st.TotalAmount < 0 {
		return fmt.Errorf("statement: negative total %d; direction belongs in total_amount_type", st.TotalAmount)
	}

	nowMs := s.nowMs()
	if st.CreatedTimeMs == 0 {
		st.CreatedTimeMs = nowMs
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.store.InsertTx(ctx, tx, st); err != nil {
			return err
		}
		if st.TotalAmount == 0 {
			return nil
		}
		switch st.TotalAmountType {
		case Debit:
			if err := s.debits.CreateFromStatementTx(ctx, tx, st, nowMs); err != nil {
				return err
			}
		case Credit:
			if err := s.credits.CreateFromStatementTx(ctx, tx, st, nowMs); err != nil {
				return err
			}
		default:
			return fmt.Errorf("statement: unknown total amount type %q", st.TotalAmountType)
		}
		s.log.Info().Str("statement_id", st.StatementID).Str("account_id", st.AccountID).
			Str("type", string(st.TotalAmountType)).Int64("amount", st.TotalAmount).
			Msg("statement ingested")
		return nil
	})
}
