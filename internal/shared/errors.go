package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports a schema or constraint level violation, such as
// mixed currencies on the lines of one document or overlapping rate periods.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UserError reports a business-rule precondition violation. It carries the
// same blocking semantics as a ValidationError but originates from workflow
// checks rather than schema constraints.
type UserError struct {
	msg string
}

func (e *UserError) Error() string { return e.msg }

// Userf builds a UserError with a formatted message.
func Userf(format string, args ...any) error {
	return &UserError{msg: fmt.Sprintf(format, args...)}
}

// IsUser reports whether err is a UserError.
func IsUser(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// UserSafeMessage returns a message suitable for surfacing to callers.
// Internal failures are masked; validation and user errors pass verbatim.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err), IsUser(err), errors.Is(err, ErrNotFound):
		return err.Error()
	default:
		return "an internal error occurred"
	}
}
