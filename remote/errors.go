package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable indicates the signing service could not be reached or
	// answered outside the 2xx range.
	ErrUnreachable = errors.New("signing service unreachable")

	// ErrBadDescriptor indicates the service returned a config document the
	// client cannot use.
	ErrBadDescriptor = errors.New("signer descriptor invalid")

	// ErrHostNotAllowed indicates the endpoint host failed the allowlist.
	ErrHostNotAllowed = errors.New("signing service host not allowed")

	// ErrBadEndpoint indicates an endpoint URL that violates client policy
	// (relative, wrong scheme, unparseable).
	ErrBadEndpoint = errors.New("signing service endpoint invalid")
)

// StatusError reports a non-2xx response from the signing service.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("signing service returned %d for %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("signing service returned %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// Is makes StatusError match ErrUnreachable in errors.Is chains.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnreachable
}
