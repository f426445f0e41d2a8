package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a provider failure.
type Kind string

const (
	// KindUnavailable covers refused connections, DNS failures and cold-start
	// responses from a provider that is still booting.
	KindUnavailable Kind = "ProviderUnavailable"
	// KindTimeout means the provider did not answer within the deadline.
	KindTimeout Kind = "ProviderTimeout"
	// KindRejected is an application-level refusal; the same call would fail again.
	KindRejected Kind = "ProviderRejected"
	// KindProtocol means the response could not be read as a result.
	KindProtocol Kind = "ProviderProtocolError"
)

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	return k == KindUnavailable || k == KindTimeout
}

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Status   int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf extracts the failure kind from err, or "" if err is not a provider error.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

func newError(kind Kind, status int, err error) *Error {
	return &Error{Kind: kind, Status: status, Err: err}
}

// classifyTransport maps an error from http.Client.Do.
func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, 0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, 0, err)
	}
	return newError(KindUnavailable, 0, err)
}

// classifyStatus maps a non-2xx response. A provider that is still booting
// answers 404 or a gateway error until its model is loaded.
func classifyStatus(status int, body string) *Error {
	msg := fmt.Errorf("provider responded %d: %s", status, body)
	switch status {
	case http.StatusNotFound, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return newError(KindUnavailable, status, msg)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return newError(KindTimeout, status, msg)
	default:
		return newError(KindRejected, status, msg)
	}
}
