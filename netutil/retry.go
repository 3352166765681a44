package netutil

import (
	"net/http"
	"strconv"
	"time"
)

// RetryTransport retries transient failures with exponential backoff.
// Retry-After headers are honored, and backoff sleeps abort when the
// request context is canceled so signing deadlines propagate.
type RetryTransport struct {
	// Base is the underlying transport. Default: http.DefaultTransport.
	Base http.RoundTripper

	// OnRetry is called before each retry with the 1-based attempt number,
	// the wait duration, and the status code that triggered the retry
	// (0 for transport errors).
	OnRetry func(attempt int, wait time.Duration, statusCode int)

	// MaxRetries is the number of retry attempts after the first try.
	// Default: 3.
	MaxRetries int

	// InitialBackoff is the first wait duration. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait duration. Default: 30s.
	MaxBackoff time.Duration
}

func (t *RetryTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *RetryTransport) limits() (retries int, initial, max time.Duration) {
	retries = t.MaxRetries
	if retries == 0 {
		retries = 3
	}
	initial = t.InitialBackoff
	if initial == 0 {
		initial = time.Second
	}
	max = t.MaxBackoff
	if max == 0 {
		max = 30 * time.Second
	}
	return retries, initial, max
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	retries, initial, max := t.limits()

	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt <= retries; attempt++ {
		// The body must be re-readable for each attempt.
		attemptReq := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attemptReq.Body = body
		}

		resp, err := t.base().RoundTrip(attemptReq)
		if err != nil {
			// Screening rejections are final, never transient.
			if IsBlockedAddress(err) {
				return nil, err
			}
			lastErr = err
			if attempt < retries {
				wait := t.backoff(attempt, initial, max, nil)
				if t.OnRetry != nil {
					t.OnRetry(attempt+1, wait, 0)
				}
				if err := sleep(req, wait); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		lastResp = resp
		lastErr = nil

		if attempt < retries {
			wait := t.backoff(attempt, initial, max, resp)
			if t.OnRetry != nil {
				t.OnRetry(attempt+1, wait, resp.StatusCode)
			}
			_ = resp.Body.Close()
			if err := sleep(req, wait); err != nil {
				return nil, err
			}
		}
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

// sleep waits out the backoff, aborting if the request context ends first.
func sleep(req *http.Request, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-req.Context().Done():
		return req.Context().Err()
	}
}

// backoff computes the wait before the next attempt, honoring Retry-After.
func (t *RetryTransport) backoff(attempt int, initial, max time.Duration, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil {
				return clampWait(time.Duration(seconds)*time.Second, initial, max)
			}
			if at, err := http.ParseTime(retryAfter); err == nil {
				return clampWait(time.Until(at), initial, max)
			}
		}
	}
	return clampWait(initial*(1<<attempt), initial, max)
}

func clampWait(wait, initial, max time.Duration) time.Duration {
	if wait < 0 {
		return initial
	}
	if wait > max {
		return max
	}
	return wait
}

// isRetryableStatus reports whether the status indicates a transient condition.
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableStatus is exported for callers that classify responses themselves.
func IsRetryableStatus(statusCode int) bool {
	return isRetryableStatus(statusCode)
}
