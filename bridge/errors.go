package bridge

import (
	"errors"
	"fmt"
)

// Sentinel errors for callback outcomes.
// These allow both errors.Is() checks and errors.As() for detail.
var (
	// ErrCallbackBusy is returned when a sign request arrives while the
	// binding's single result slot is occupied. Requests are never
	// queued.
	ErrCallbackBusy = errors.New("callback busy")

	// ErrCallbackTimeout is returned when the host does not reply
	// within the bridge timeout.
	ErrCallbackTimeout = errors.New("callback timed out")

	// ErrCallbackFailed is returned when the host replies with an error
	// or the callback target is gone.
	ErrCallbackFailed = errors.New("callback failed")

	// ErrWaitOnLoop is returned when a callback wait is attempted from
	// the dispatch loop goroutine. The reply is delivered through that
	// same loop, so the wait could never be satisfied.
	ErrWaitOnLoop = errors.New("callback wait on dispatch loop")

	// ErrUnknownCallback is returned when a reply references a callback
	// id with no pending wait.
	ErrUnknownCallback = errors.New("unknown callback id")
)

// CallbackError reports a failed host callback with its id.
type CallbackError struct {
	CallbackID string
	Err        error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback %s failed: %v", e.CallbackID, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Is implements error matching for errors.Is() checks.
// This allows: errors.Is(err, bridge.ErrCallbackFailed)
func (e *CallbackError) Is(target error) bool {
	return target == ErrCallbackFailed
}
