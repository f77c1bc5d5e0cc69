// Package httpx builds the outbound HTTP clients used for upstream traffic.
package httpx

import (
	"errors"
	"net"
	"net/http"
	"time"
)

const (
	defaultClientTimeout         = 30 * time.Second
	defaultDialTimeout           = 10 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
	defaultExpectContinueTimeout = 1 * time.Second
	defaultMaxIdleConns          = 256
	defaultMaxIdleConnsPerHost   = 32
	maxRedirects                 = 10
)

// ErrTooManyRedirects is returned when an upstream redirect chain is too long.
var ErrTooManyRedirects = errors.New("too many redirects")

// NewClient returns a client for bounded request/response exchanges such as
// playlist payloads. The timeout covers the whole exchange including the body.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &http.Client{
		Timeout:       timeout,
		Transport:     newTransport(timeout, false),
		CheckRedirect: limitRedirects,
	}
}

// NewStreamingClient returns a client for proxied media. There is no
// overall deadline because live bodies never end; instead dialing, the TLS
// handshake and waiting for response headers are each bounded by
// headerTimeout. Transparent gzip is disabled so the caller sees the
// upstream Content-Encoding and decodes it itself.
func NewStreamingClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = defaultClientTimeout
	}
	return &http.Client{
		Transport:     newTransport(headerTimeout, true),
		CheckRedirect: limitRedirects,
	}
}

func newTransport(timeout time.Duration, disableCompression bool) *http.Transport {
	dialTimeout := timeout
	if dialTimeout > defaultDialTimeout {
		dialTimeout = defaultDialTimeout
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: defaultExpectContinueTimeout,
		DisableCompression:    disableCompression,
	}
}

// limitRedirects keeps the headers set on the original request (Go only
// drops sensitive ones on cross-host hops) and caps the chain length.
func limitRedirects(_ *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return ErrTooManyRedirects
	}
	return nil
}
