package jobs

import (
	"errors"
	"fmt"
)

// ErrTerminal is returned by Recorder mutations once the job has completed or failed.
var ErrTerminal = errors.New("job already in terminal state")

// ErrCorruptRecord is returned when a stored job record cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt job record")

// Messages written into records on behalf of callers.
const (
	MsgNotFound      = "Generation process not found or expired."
	MsgCorrupted     = "Failed to read generation status."
	MsgDispatchError = "Failed to schedule generation. Please try again."
)

// ValidationError reports bad start input. No record is written when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
