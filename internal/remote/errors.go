package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels for errors.Is matching. Every error returned by this package
// matches exactly one of them.
var (
	ErrMalformedURL    = errors.New("malformed url")
	ErrForbiddenHost   = errors.New("forbidden host")
	ErrTimeout         = errors.New("fetch timed out")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrNotFound        = errors.New("resource not found")
	ErrTransport       = errors.New("transport error")
)

// Kind classifies a failed validation or fetch.
type Kind int

const (
	KindMalformedURL Kind = iota + 1
	KindForbiddenHost
	KindTimeout
	KindPayloadTooLarge
	KindNotFound
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindMalformedURL:
		return "malformed_url"
	case KindForbiddenHost:
		return "forbidden_host"
	case KindTimeout:
		return "timeout"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindMalformedURL:
		return ErrMalformedURL
	case KindForbiddenHost:
		return ErrForbiddenHost
	case KindTimeout:
		return ErrTimeout
	case KindPayloadTooLarge:
		return ErrPayloadTooLarge
	case KindNotFound:
		return ErrNotFound
	case KindTransport:
		return ErrTransport
	default:
		return nil
	}
}

// Error carries the failure kind plus whatever context was known when it happened.
type Error struct {
	Kind   Kind
	URL    string
	Status int   // upstream HTTP status, 0 if no response was received
	Limit  int64 // byte ceiling, set for KindPayloadTooLarge
	Err    error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.URL != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.URL)
	}
	switch {
	case e.Kind == KindPayloadTooLarge && e.Limit > 0:
		msg = fmt.Sprintf("%s (limit %d bytes)", msg, e.Limit)
	case e.Status != 0:
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) and friends match on Kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

func newError(kind Kind, rawURL string, cause error) *Error {
	return &Error{Kind: kind, URL: rawURL, Err: cause}
}

// KindOf returns the Kind of err, or 0 when err did not come from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// HTTPStatus maps an error from this package to the status code a fronting
// HTTP handler should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindMalformedURL:
		return http.StatusBadRequest
	case KindForbiddenHost:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindPayloadTooLarge, KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
