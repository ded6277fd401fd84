package client

import (
	"errors"
	"fmt"
)

// ErrUnknownCommand is returned by Send for a command outside the fixed
// set. The CLI never produces one; seeing it is a programming error.
var ErrUnknownCommand = errors.New("unknown command")

// APIError is an HTTP error status returned by the service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// ProtocolError means the request succeeded but the response was not
// application/json. The body is not parsed.
type ProtocolError struct {
	ContentType string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected response content type %q, want application/json", e.ContentType)
}

// TransportError wraps a network-level failure: DNS, refused connection,
// timeout, or a body that could not be read.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
