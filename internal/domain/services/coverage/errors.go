package coverage

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidTechniqueID   = errors.New("invalid technique id")
	ErrTechniqueNotFound    = errors.New("technique not found")
	ErrTechniqueDeprecated  = errors.New("technique is deprecated")
	ErrInvalidTechniqueData = errors.New("invalid technique data")
	ErrDetectionNotFound    = errors.New("detection not found")
	ErrAIProcessing         = errors.New("ai processing failed")
	ErrUnsupportedPlatform  = errors.New("unsupported platform")
	ErrCircuitOpen          = errors.New("taxonomy source circuit open")
)

// TechniqueError ties a registry failure to the technique id that caused it
type TechniqueError struct {
	ID  string
	Err error
}

func (e *TechniqueError) Error() string {
	return fmt.Sprintf("technique %s: %v", e.ID, e.Err)
}

func (e *TechniqueError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a taxonomy fetch failure may succeed on a later attempt.
// Validation and business-rule failures are final; transport failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrInvalidTechniqueID),
		errors.Is(err, ErrInvalidTechniqueData),
		errors.Is(err, ErrTechniqueDeprecated),
		errors.Is(err, ErrTechniqueNotFound),
		errors.Is(err, ErrCircuitOpen):
		return false
	}
	return true
}

// IsTransient reports whether a failure reflects a temporary condition rather than a
// property of the input. Results computed around such failures must not be cached.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCircuitOpen) || IsRetryable(err)
}
