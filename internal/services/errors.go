package services

import "github.com/pkg/errors"

// ValidationError marks caller mistakes (malformed parameters or ranges) that
// map to a 400 response and never touch storage.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

// NewValidationError creates a new validation error
func NewValidationError(msg string) error {
	return &ValidationError{msg: msg}
}

// IsValidationError reports whether err is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
