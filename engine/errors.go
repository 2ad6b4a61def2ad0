// Package engine runs the persisted task queue: it claims due tasks, hands
// them to their family handler, and classifies failures so that redelivery
// stays safe.
package engine

import (
	"errors"

	"billflow/task"
)

var (
	// ErrConflict signals the target entity was not in the expected source
	// state. It defends against stale or duplicate execution; the attempt is
	// abandoned without side effects.
	ErrConflict = errors.New("engine: entity state conflict")

	// ErrDataIntegrity signals a referenced entity is missing entirely. This
	// is an invariant violation, surfaced rather than retried.
	ErrDataIntegrity = errors.New("engine: data integrity violation")
)

// BusinessError marks a processor-reported ineligibility (no payment method,
// transfers disabled). It is terminal for the attempt: the handler moves the
// entity to an explicit failed state instead of retrying.
type BusinessError struct {
	Reason string
}

func (e *BusinessError) Error() string {
	return "engine: business failure: " + e.Reason
}

// IsBusiness reports whether err carries a BusinessError.
func IsBusiness(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

// IsTransient reports whether err should be left to natural redelivery. Only
// errors outside the explicit taxonomy qualify: collaborator timeouts, 5xx,
// broken connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, task.ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrDataIntegrity) {
		return false
	}
	return !IsBusiness(err)
}
