package engine

import (
	"context"
	"errors"
	"fmt"

	"quill/internal/db"
	"quill/internal/repo"
)

var (
	ErrNotFound          = repo.ErrNotFound
	ErrInvalidTransition = errors.New("invalid letter status transition")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrCapacityRace      = errors.New("capacity race: retry budget exhausted")
	ErrValidation        = errors.New("invalid input")
)

// TransitionError is a refused letter status change.
type TransitionError struct {
	From string
	To   string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid letter status transition %s -> %s", e.From, e.To)
}

func (e TransitionError) Unwrap() error { return ErrInvalidTransition }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// missing names the entity in a not-found error and passes other errors through.
func missing(err error, kind string, id int64) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return err
}

func retryable(err error) bool {
	return db.IsRetryable(err) || errors.Is(err, repo.ErrConflict)
}

// Kind classifies an engine error for metrics and operator output.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, ErrCapacityRace):
		return "capacity_race"
	case errors.Is(err, ErrValidation):
		return "invalid_input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
