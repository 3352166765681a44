package artifact

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed variants below carry details and match these
// through errors.Is.
var (
	// ErrBadReference is returned for malformed engine references.
	ErrBadReference = errors.New("invalid engine reference")

	// ErrBadDigest is returned for malformed digest strings.
	ErrBadDigest = errors.New("invalid digest")

	// ErrNotFound is returned when an engine is absent from a cache or
	// registry.
	ErrNotFound = errors.New("engine artifact not found")

	// ErrIntegrity is returned when content does not match its digest.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrNoVersion is returned when no available version satisfies a
	// constraint.
	ErrNoVersion = errors.New("no version satisfies constraint")

	// ErrSignature is returned when a detached signature does not
	// verify.
	ErrSignature = errors.New("signature verification failed")
)

// IntegrityError reports a digest mismatch.
type IntegrityError struct {
	Expected Digest
	Actual   Digest
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: expected %s, got %s", e.Expected, e.Actual)
}

// Is allows errors.Is(err, ErrIntegrity).
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// NotFoundError reports which engine was missing.
type NotFoundError struct {
	Reference Reference
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("engine artifact not found: %s", e.Reference)
}

// Is allows errors.Is(err, ErrNotFound).
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
