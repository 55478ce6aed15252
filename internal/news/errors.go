package news

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Failure reasons shared by every network-facing component. Callers branch
// on them with errors.Is and pick their own fallback.
var (
	ErrTimeout        = errors.New("timeout")
	ErrRateLimited    = errors.New("rate limited")
	ErrAccessDenied   = errors.New("access denied")
	ErrParse          = errors.New("parse error")
	ErrStatus         = errors.New("unexpected status")
	ErrTransport      = errors.New("transport error")
	ErrHeaderTooLarge = errors.New("response headers too large")
)

// Failure ties a reason tag to the URL it happened on.
type Failure struct {
	Reason error
	URL    string
	Status int
	Err    error
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.Reason.Error())
	if f.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", f.Status)
	}
	if f.URL != "" {
		b.WriteString(" for ")
		b.WriteString(f.URL)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

// Is makes errors.Is(failure, ErrRateLimited) and friends work.
func (f *Failure) Is(target error) bool {
	return f.Reason == target
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Reason returns the reason tag of err, or nil if err carries none.
func Reason(err error) error {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return nil
}

// StatusFailure classifies a non-200 HTTP status.
func StatusFailure(url string, status int) *Failure {
	switch status {
	case 429, 503:
		return &Failure{Reason: ErrRateLimited, URL: url, Status: status}
	case 401, 403:
		return &Failure{Reason: ErrAccessDenied, URL: url, Status: status}
	default:
		return &Failure{Reason: ErrStatus, URL: url, Status: status}
	}
}

// TransportFailure classifies an error returned by an HTTP client.
func TransportFailure(url string, err error) *Failure {
	var netErr net.Error
	switch {
	case IsHeaderTooLarge(err):
		return &Failure{Reason: ErrHeaderTooLarge, URL: url, Err: err}
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return &Failure{Reason: ErrTimeout, URL: url, Err: err}
	default:
		return &Failure{Reason: ErrTransport, URL: url, Err: err}
	}
}

// IsHeaderTooLarge reports whether err came from a client that rejected the
// response because its headers exceeded the configured limit.
func IsHeaderTooLarge(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "response headers exceeded") ||
		strings.Contains(msg, "header value is too long") ||
		strings.Contains(msg, "header too long") ||
		strings.Contains(msg, "header list larger than")
}
