// internal/models/errors.go
package models

import "errors"

// Every request terminates in one of these outcomes; handlers translate
// them to HTTP statuses with errors.Is.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("showcase not found")
	ErrNotReady        = errors.New("showcase not ready")
	ErrSlugExhausted   = errors.New("slug candidates exhausted")
	ErrStorageTimeout  = errors.New("storage timeout")
	ErrAccessToken     = errors.New("failed to issue artifact access token")
	ErrJobNotClaimable = errors.New("job is not claimable")
)

// ValidationError reports a malformed intake input. It is terminal for the
// request and safe to retry with corrected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Field + ": " + e.Reason
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError anywhere in its chain.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
