package rotation

import (
	"errors"
	"fmt"

	"github.com/goodtune/rotator/internal/storage"
)

// Error kinds reported by the engine. Callers match them with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrQuotaExhausted = errors.New("quota exhausted")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInternal       = errors.New("internal error")
)

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func quotaExhausted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrQuotaExhausted, fmt.Sprintf(format, args...))
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// mapError maps err onto one of the engine's error kinds. Errors that
// already carry a kind pass through; storage sentinels become NotFound or
// Conflict; anything else is an internal failure that keeps its cause.
func mapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrQuotaExhausted),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInternal):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	case errors.Is(err, storage.ErrDuplicate):
		return fmt.Errorf("%w: %s: record already exists", ErrConflict, op)
	default:
		return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
	}
}

func isStorageNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
