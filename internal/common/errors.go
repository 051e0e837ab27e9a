package common

import (
	"errors"
	"fmt"
)

// Domain errors - use errors.Is() to check
var (
	// Generic errors
	ErrInternal     = errors.New("internal error")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("already exists")
	ErrBadRequest   = errors.New("bad request")

	// Authentication errors
	ErrInvalidToken = errors.New("invalid token")

	// Pipeline taxonomy
	ErrPrecondition     = errors.New("precondition failed")
	ErrUnavailable      = errors.New("temporarily unavailable")
	ErrPermanent        = errors.New("permanent processing error")
	ErrInvalidState     = errors.New("invalid state")
	ErrWorkerNotRunning = errors.New("analysis worker is not running")

	// Resource-specific errors
	ErrJobNotFound       = fmt.Errorf("job %w", ErrNotFound)
	ErrInterviewNotFound = fmt.Errorf("interview %w", ErrNotFound)
	ErrReportNotFound    = fmt.Errorf("report %w", ErrNotFound)
	ErrResultNotFound    = fmt.Errorf("analysis result %w", ErrNotFound)

	ErrAnalysisCompleted = fmt.Errorf("analysis already completed: %w", ErrConflict)

	// Validation errors
	ErrValidation = errors.New("validation error")
)

// ValidationError represents a validation error with field details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is implements errors.Is for ValidationError
func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictError carries the id of the job that already holds the interview.
type ConflictError struct {
	InterviewID string
	JobID       string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("interview %s already has an active job %s", e.InterviewID, e.JobID)
}

func (e ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Class is the retry classification of a pipeline error.
type Class string

const (
	ClassPrecondition Class = "precondition"
	ClassTransient    Class = "transient"
	ClassPermanent    Class = "permanent"
	ClassUnknown      Class = "unknown"
)

// Classify maps an error onto the pipeline taxonomy.
// Unknown errors are retried like transient ones.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrPrecondition), errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation):
		return ClassPrecondition
	case errors.Is(err, ErrUnavailable):
		return ClassTransient
	case errors.Is(err, ErrPermanent):
		return ClassPermanent
	default:
		return ClassUnknown
	}
}

// Retryable reports whether a failed attempt may be scheduled again.
func Retryable(err error) bool {
	return Classify(err) != ClassPrecondition
}

// Precondition builds a terminal precondition error.
func Precondition(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrPrecondition)
}

// Permanent marks err as a processing failure that a plain re-run is unlikely to fix.
func Permanent(operation string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", operation, ErrPermanent)
	}
	return fmt.Errorf("%s: %w", operation, errors.Join(ErrPermanent, err))
}

// WrapNotFound wraps an error as a not found error with context
func WrapNotFound(resource string, err error) error {
	return fmt.Errorf("%s: %w", resource, errors.Join(ErrNotFound, err))
}

// WrapInternal wraps an error as an internal error with context
func WrapInternal(operation string, err error) error {
	return fmt.Errorf("%s: %w", operation, errors.Join(ErrInternal, err))
}

// WrapUnavailable wraps a backing-store or upstream failure as transient.
func WrapUnavailable(operation string, err error) error {
	return fmt.Errorf("%s: %w", operation, errors.Join(ErrUnavailable, err))
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if error is a conflict error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsUnauthorized checks if error is an unauthorized error
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsForbidden checks if error is a forbidden error
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsValidation checks if error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
