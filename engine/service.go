package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"billflow/task"
)

// Source is the slice of the task store the engine consumes.
type Source interface {
	Claim(ctx context.Context, ref task.Ref, policy task.Policy, nowMs int64) (task.Task, error)
	ListDue(ctx context.Context, typ task.Type, nowMs int64, limit int) ([]task.Task, error)
}

// Service exposes the task-execution surface: claim-then-process with the
// full error taxonomy applied, and listing of due work.
type Service struct {
	src   Source
	reg   *Registry
	log   zerolog.Logger
	nowMs func() int64
}

func NewService(src Source, reg *Registry, log zerolog.Logger) *Service {
	return &Service{
		src:   src,
		reg:   reg,
		log:   log.With().Str("component", "engine").Logger(),
		nowMs: func() int64 { return time.Now().UnixMilli() },
	}
}

// WithClock overrides the engine clock. Intended for tests.
func (s *Service) WithClock(nowMs func() int64) *Service {
	s.nowMs = nowMs
	return s
}

// ProcessTask claims ref and runs its handler. Safe to redeliver: a missing
// task means the work already finalized, a state conflict means another
// worker got there first; both are silent no-ops. Transient failures leave
// the task claimed at its advanced eligible time for natural retry.
func (s *Service) ProcessTask(ctx context.Context, ref task.Ref) error {
	reg, ok := s.reg.Lookup(ref.Type)
	if !ok {
		return fmt.Errorf("engine: no handler registered for task type %q", ref.Type)
	}

	claimed, err := s.src.Claim(ctx, ref, reg.Policy, s.nowMs())
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			s.log.Debug().Str("type", string(ref.Type)).Str("key", ref.Key).
				Msg("task already handled, skipping redelivery")
			return nil
		}
		return fmt.Errorf("engine: claim %s/%s: %w", ref.Type, ref.Key, err)
	}

	err = reg.Handler.Process(ctx, claimed)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict):
		s.log.Debug().Str("type", string(ref.Type)).Str("key", ref.Key).
			Msg("entity state moved on, discarding attempt")
		return nil
	case errors.Is(err, task.ErrNotFound):
		return nil
	case errors.Is(err, ErrDataIntegrity):
		s.log.Error().Err(err).Str("type", string(ref.Type)).Str("key", ref.Key).
			Msg("data integrity violation")
		return err
	default:
		// Transient: the claimed row stays put and becomes eligible again
		// after the backoff window.
		s.log.Warn().Err(err).Str("type", string(ref.Type)).Str("key", ref.Key).
			Int("retry", claimed.RetryCount).
			Int64("eligible_time_ms", claimed.EligibleTimeMs).
			Msg("task attempt failed, will retry")
		return err
	}
}

// ListPendingTasks returns due tasks of one family.
func (s *Service) ListPendingTasks(ctx context.Context, typ task.Type, nowMs int64) ([]task.Task, error) {
	return s.src.ListDue(ctx, typ, nowMs, 0)
}

// Registry exposes the handler table, mainly for the dispatcher.
func (s *Service) Registry() *Registry {
	return s.reg
}
