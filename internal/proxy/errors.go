package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"syscall"

	"github.com/voyagen/iptvgate/internal/httpx"
)

// Upstream failure codes reported to clients.
const (
	CodeDNS              = "dns_failure"
	CodeTLS              = "tls_failure"
	CodeRefused          = "connection_refused"
	CodeReset            = "connection_reset"
	CodeTimeout          = "timeout"
	CodeTooManyRedirects = "too_many_redirects"
	CodeNetwork          = "network_error"
)

var suggestions = map[string]string{
	CodeDNS:              "The stream host could not be resolved. The channel URL may be outdated; refresh the playlist.",
	CodeTLS:              "The stream host presented an invalid certificate. Try the channel again later.",
	CodeRefused:          "The stream host refused the connection. The origin may be down or blocking this server.",
	CodeReset:            "The stream host dropped the connection. Retry, or try the Android profile (android=1).",
	CodeTimeout:          "The stream host did not answer in time. Retry in a moment.",
	CodeTooManyRedirects: "The stream host redirected too many times. The channel URL may require a fresh token.",
	CodeNetwork:          "The stream host could not be reached. Check the channel URL or try again later.",
}

// UpstreamError is a connectivity failure talking to the origin, as
// opposed to an HTTP error status, which is passed through.
type UpstreamError struct {
	Code   string
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	return "upstream " + e.Code + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Suggestion returns a human-readable hint for the caller.
func (e *UpstreamError) Suggestion() string {
	if s, ok := suggestions[e.Code]; ok {
		return s
	}
	return suggestions[CodeNetwork]
}

// Classify wraps a transport error with its failure code.
func Classify(err error, target string) *UpstreamError {
	return &UpstreamError{Code: classify(err), Target: target, Err: err}
}

func classify(err error) string {
	var (
		dnsErr      *net.DNSError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		certErr     x509.CertificateInvalidError
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		netErr      net.Error
	)
	switch {
	case errors.As(err, &dnsErr):
		return CodeDNS
	case errors.As(err, &unknownAuth), errors.As(err, &hostErr), errors.As(err, &certErr),
		errors.As(err, &recordErr), errors.As(err, &verifyErr):
		return CodeTLS
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return CodeReset
	case errors.Is(err, httpx.ErrTooManyRedirects):
		return CodeTooManyRedirects
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout
	}
	return CodeNetwork
}
