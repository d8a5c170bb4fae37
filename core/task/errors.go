package task

import (
	"errors"
	"fmt"
)

// Error kinds recorded in ErrorInfo.
const (
	ErrKindTransient      = "transient"
	ErrKindPermanent      = "permanent"
	ErrKindInfrastructure = "infrastructure"
	ErrKindRevoked        = "revoked"
)

// TransientError marks a task failure as retryable within the invocation's
// retry budget.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a task failure as non-retryable; the invocation fails
// immediately regardless of remaining budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// InfrastructureError signals that a collaborator (store, broker) was
// unreachable. It is retried at the transport level and never consumes the
// task retry budget.
type InfrastructureError struct {
	Err error
}

func (e *InfrastructureError) Error() string { return fmt.Sprintf("infrastructure: %v", e.Err) }
func (e *InfrastructureError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable task failure.
func Transient(err error) error {
	if err == nil {
		err = errors.New("transient failure")
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a non-retryable task failure.
func Permanent(err error) error {
	if err == nil {
		err = errors.New("permanent failure")
	}
	return &PermanentError{Err: err}
}

// Infrastructure wraps err as an infrastructure fault.
func Infrastructure(err error) error {
	if err == nil {
		err = errors.New("infrastructure failure")
	}
	return &InfrastructureError{Err: err}
}

// IsTransient reports whether err is a retryable task failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsInfrastructure reports whether err is an infrastructure fault.
func IsInfrastructure(err error) bool {
	var ie *InfrastructureError
	return errors.As(err, &ie)
}

// Classify maps an executor error to its persisted kind. Unwrapped errors are
// treated as permanent.
func Classify(err error) string {
	switch {
	case IsTransient(err):
		return ErrKindTransient
	case IsInfrastructure(err):
		return ErrKindInfrastructure
	default:
		return ErrKindPermanent
	}
}

// CompositionError reports a malformed composition graph. It is raised at
// submit time; malformed graphs are never dispatched.
type CompositionError struct {
	Reason string
}

func (e *CompositionError) Error() string { return "composition: " + e.Reason }

func compositionErrf(format string, args ...any) error {
	return &CompositionError{Reason: fmt.Sprintf(format, args...)}
}
