package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the failure taxonomy shared by every adapter.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindHTTP      ErrorKind = "http_error"
	KindMalformed ErrorKind = "malformed_payload"
)

// Error is a classified provider failure.
type Error struct {
	Kind   ErrorKind
	Detail string
	// Status is the HTTP status code for KindHTTP responses, 0 otherwise.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Summary is the message shown next to fallback data.
func (e *Error) Summary() string {
	switch e.Kind {
	case KindTimeout:
		return "provider timed out: " + e.Detail
	case KindHTTP:
		if e.Status > 0 {
			return fmt.Sprintf("provider returned HTTP %d: %s", e.Status, e.Detail)
		}
		if e.Err != nil {
			return fmt.Sprintf("provider request failed: %s: %v", e.Detail, e.Err)
		}
		return "provider request failed: " + e.Detail
	case KindMalformed:
		return "provider sent an unexpected payload: " + e.Detail
	}
	return e.Detail
}

func Timeout(detail string, err error) *Error {
	return &Error{Kind: KindTimeout, Detail: detail, Err: err}
}

func HTTPStatus(status int, detail string) *Error {
	return &Error{Kind: KindHTTP, Status: status, Detail: detail}
}

func Malformed(detail string, err error) *Error {
	return &Error{Kind: KindMalformed, Detail: detail, Err: err}
}

// Classify maps any error into the taxonomy. It returns nil for nil errors
// and for context.Canceled, which is a teardown signal rather than a failure.
func Classify(err error) *Error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("deadline exceeded", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout("network timeout", err)
	}
	var se *json.SyntaxError
	var te *json.UnmarshalTypeError
	if errors.As(err, &se) || errors.As(err, &te) {
		return Malformed("decode", err)
	}
	return &Error{Kind: KindHTTP, Detail: "request failed", Err: err}
}
