package session

import (
	"errors"
	"fmt"
)

// ErrInvalidHandle is returned when a handle is unknown, disposed, or
// was never issued by this registry.
var ErrInvalidHandle = errors.New("invalid session handle")

// HandleError reports which handle failed a lookup.
type HandleError struct {
	Handle Handle
}

func (e *HandleError) Error() string {
	return fmt.Sprintf("invalid session handle %d", e.Handle)
}

// Is implements error matching for errors.Is() checks.
// This allows: errors.Is(err, session.ErrInvalidHandle)
func (e *HandleError) Is(target error) bool {
	return target == ErrInvalidHandle
}
