package upstream

import (
	"errors"
	"fmt"
	"time"
)

// MaxCapturedBody bounds the upstream error body attached to failures so
// failover surfaces a useful message without holding whole responses.
const MaxCapturedBody = 4000

// ErrClientDisconnected marks a request aborted because the client went
// away. Callers record status 499 and do not fail over.
var ErrClientDisconnected = errors.New("client disconnected")

// TimeoutError is a connect or first-byte timeout. Retryable on the next
// candidate.
type TimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s timed out after %s", e.Provider, e.Timeout)
}

// StatusError is a non-2xx upstream response with a truncated body capture.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s returned status %d", e.Provider, e.StatusCode)
}

// EmbeddedError is an error body delivered inside an HTTP 200 response.
// Treated like a status error for failover purposes.
type EmbeddedError struct {
	Provider  string
	ErrorType string
	Message   string
	Code      int
}

func (e *EmbeddedError) Error() string {
	return fmt.Sprintf("provider %s embedded error %s: %s", e.Provider, e.ErrorType, e.Message)
}

// EmptyStreamError reports a stream that produced chunks but no data lines
// within the watchdog window.
type EmptyStreamError struct {
	Provider string
	Chunks   int
	Elapsed  time.Duration
}

func (e *EmptyStreamError) Error() string {
	return fmt.Sprintf("provider %s streamed %d chunks with no data in %s", e.Provider, e.Chunks, e.Elapsed.Round(time.Second))
}

// InvalidResponseError is an upstream body that failed to decode as JSON.
type InvalidResponseError struct {
	Provider string
	Detail   string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("provider %s returned an invalid response: %s", e.Provider, e.Detail)
}

func truncateBody(b []byte) string {
	if len(b) > MaxCapturedBody {
		b = b[:MaxCapturedBody]
	}
	return string(b)
}
