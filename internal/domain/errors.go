package domain

import "fmt"

// ValidationError indicates malformed input (bad uuid, bad page request,
// empty or oversized channel name). Never retried.
type ValidationError struct {
	msg string
}

func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string { return e.msg }

// InvalidOperation indicates a membership rule violation on the channel
// aggregate, e.g. inviting a user who is already a member.
type InvalidOperation struct {
	msg string
}

func NewInvalidOperation(format string, args ...any) *InvalidOperation {
	return &InvalidOperation{msg: fmt.Sprintf(format, args...)}
}

func (e *InvalidOperation) Error() string { return e.msg }

// UserDoesNotExist is returned when a referenced user cannot be loaded.
type UserDoesNotExist struct {
	msg string
}

func NewUserDoesNotExist(format string, args ...any) *UserDoesNotExist {
	return &UserDoesNotExist{msg: fmt.Sprintf(format, args...)}
}

func (e *UserDoesNotExist) Error() string { return e.msg }

// ChannelDoesNotExist is returned when a referenced channel cannot be loaded.
type ChannelDoesNotExist struct {
	msg string
}

func NewChannelDoesNotExist(format string, args ...any) *ChannelDoesNotExist {
	return &ChannelDoesNotExist{msg: fmt.Sprintf(format, args...)}
}

func (e *ChannelDoesNotExist) Error() string { return e.msg }
