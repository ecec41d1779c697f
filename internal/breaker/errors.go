package breaker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the breaker does not exist for the tenant.
	ErrNotFound = errors.New("breaker: not found")
	// ErrAlreadyExists indicates a breaker id collision on create.
	ErrAlreadyExists = errors.New("breaker: already exists")
	// ErrConflict indicates a concurrent write changed the breaker first.
	ErrConflict = errors.New("breaker: version conflict")
	// ErrIllegalTransition indicates a lifecycle transition not allowed from the current state.
	ErrIllegalTransition = errors.New("breaker: illegal transition")
	// ErrAuthenticationRequired indicates a manual override of an OPEN breaker without a token.
	ErrAuthenticationRequired = errors.New("breaker: authentication required")
	// ErrInvalidBreaker indicates invalid breaker configuration.
	ErrInvalidBreaker = errors.New("breaker: invalid configuration")
)

// NotFoundError names the breaker that could not be found.
type NotFoundError struct {
	TenantID  string
	BreakerID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("breaker %s not found for tenant %s", e.BreakerID, e.TenantID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransitionError describes a rejected state transition.
type TransitionError struct {
	BreakerID string
	From      State
	To        State
	Reason    string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("breaker %s: cannot transition %s -> %s", e.BreakerID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
