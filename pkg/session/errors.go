package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInput matches every InputError via errors.Is
	ErrInput = errors.New("invalid input")

	// ErrStaleResponse is returned by Apply for results superseded by newer
	// requests or by a new image. It is never shown to the user.
	ErrStaleResponse = errors.New("stale response")
)

// InputError is an action attempted without the state it requires.
// No request is issued when it is returned.
type InputError struct {
	Action string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("cannot %s: %s", e.Action, e.Reason)
}

func (e *InputError) Is(target error) bool {
	return target == ErrInput
}

func inputError(action, reason string) error {
	return &InputError{Action: action, Reason: reason}
}
