package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure classes.
// These allow both errors.Is() checks and errors.As() for detail.
var (
	// ErrManifestInvalid is returned when an asset carries no readable
	// or verifiable manifest store.
	ErrManifestInvalid = errors.New("manifest invalid")

	// ErrArchiveInvalid is returned when builder archive bytes cannot
	// be restored.
	ErrArchiveInvalid = errors.New("archive invalid")

	// ErrClosed is returned when an engine or builder is used after
	// Close.
	ErrClosed = errors.New("engine closed")

	// ErrEngineFailure is returned when the engine itself fails for a
	// reason outside the caller's control.
	ErrEngineFailure = errors.New("engine failure")
)

// CallError reports a failed engine call with the operation name.
type CallError struct {
	Op     string
	Detail string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("engine %s failed: %s", e.Op, e.Detail)
}

// Is implements error matching for errors.Is() checks.
// This allows: errors.Is(err, engine.ErrEngineFailure)
func (e *CallError) Is(target error) bool {
	return target == ErrEngineFailure
}
