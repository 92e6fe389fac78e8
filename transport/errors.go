package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Error categories. They map failure sites onto the conditions callers
// branch on: a timeout and a TLS failure at the same dial site need
// different handling upstream.
type ErrorCategory string

const (
	CategoryDNS        ErrorCategory = "dns"
	CategoryConnection ErrorCategory = "connection"
	CategoryTLS        ErrorCategory = "tls"
	CategoryProxy      ErrorCategory = "proxy"
	CategoryProtocol   ErrorCategory = "protocol"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryVersion    ErrorCategory = "version"
	CategoryRequest    ErrorCategory = "request"
)

// ErrUnsupportedVersion is wrapped by version-category errors: the caller
// forced an HTTP version the target cannot negotiate. The engine never
// silently downgrades or upgrades a forced version.
var ErrUnsupportedVersion = errors.New("http version not supported by target")

// ErrEngineClosed is returned from operations on a closed engine.
var ErrEngineClosed = errors.New("transport engine closed")

// TransportError carries where a request failed and which category the
// failure belongs to. Failures are surfaced, never retried internally: a
// hidden retry loop can mask fingerprint-detection signals.
type TransportError struct {
	Op       string // "dial", "tls handshake", "roundtrip", ...
	Host     string
	Protocol string // "h1", "h2", "h3" or "" when unknown
	Category ErrorCategory
	Err      error
}

func (e *TransportError) Error() string {
	if e.Host != "" && e.Protocol != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Host, e.Protocol, e.Err)
	}
	if e.Host != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry. Implements the
// net.Error timeout convention.
func (e *TransportError) Timeout() bool { return e.Category == CategoryTimeout }

func newError(cat ErrorCategory, op, host, proto string, err error) *TransportError {
	return &TransportError{Op: op, Host: host, Protocol: proto, Category: cat, Err: err}
}

func NewDNSError(host string, err error) *TransportError {
	return newError(CategoryDNS, "resolve", host, "", err)
}

func NewConnectionError(host, proto string, err error) *TransportError {
	return newError(CategoryConnection, "dial", host, proto, err)
}

func NewTLSError(host, proto string, err error) *TransportError {
	return newError(CategoryTLS, "tls handshake", host, proto, err)
}

func NewProxyError(host string, err error) *TransportError {
	return newError(CategoryProxy, "proxy connect", host, "", err)
}

func NewProtocolError(host, proto string, err error) *TransportError {
	return newError(CategoryProtocol, "roundtrip", host, proto, err)
}

func NewTimeoutError(op, host, proto string, err error) *TransportError {
	return newError(CategoryTimeout, op, host, proto, err)
}

// NewVersionError reports that a forced HTTP version could not be
// negotiated. got is what the target offered instead.
func NewVersionError(host, wanted, got string) *TransportError {
	return newError(CategoryVersion, "negotiate", host, wanted,
		fmt.Errorf("%w: wanted %s, target offers %s", ErrUnsupportedVersion, wanted, got))
}

// WrapError classifies an arbitrary error from a request path into a
// TransportError. Already classified errors pass through unchanged.
func WrapError(op, host, proto string, err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}

	cat := CategoryConnection
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		cat = CategoryTimeout
	case errors.Is(err, context.Canceled):
		cat = CategoryTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			cat = CategoryTimeout
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			cat = CategoryDNS
		}
	}

	return newError(cat, op, host, proto, err)
}

// IsCategory reports whether err is a TransportError of the given category.
func IsCategory(err error, cat ErrorCategory) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Category == cat
}

// IsTimeout reports whether err is a timeout-category failure.
func IsTimeout(err error) bool {
	return IsCategory(err, CategoryTimeout)
}
