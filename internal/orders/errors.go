package orders

import (
	"errors"
	"fmt"

	"github.com/jogardn/marketplace-orders/pkg/models"
)

// ValidationError reports a malformed request. The message is shown to the
// caller as is.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError covers both missing resources and resources the caller may
// not see.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Resource)
}

// StateConflictError means the order's current status does not allow the
// requested transition.
type StateConflictError struct {
	Status models.Status
	Reason string
}

func (e *StateConflictError) Error() string {
	return e.Reason
}

// SystemError wraps a persistence or infrastructure failure. Only Message
// reaches the caller.
type SystemError struct {
	Message string
	Err     error
}

func (e *SystemError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *SystemError) Unwrap() error {
	return e.Err
}

func systemError(message string, err error) error {
	return &SystemError{Message: message, Err: err}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsStateConflict(err error) bool {
	var target *StateConflictError
	return errors.As(err, &target)
}
