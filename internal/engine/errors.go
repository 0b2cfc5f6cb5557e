package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredential: the user has no usable credential config for the
	// request. Surfaced as an authorization failure, not a validation one.
	ErrNoCredential = errors.New("no active credential config")

	// ErrNotCancellable: the order is already terminal.
	ErrNotCancellable = errors.New("order is already terminal")
)

// ValidationError names the request field that failed shape validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a field validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
