package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// decodedBody wraps a decompressor so closing it also closes the
// upstream body.
type decodedBody struct {
	io.Reader
	closers []func() error
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeBody returns a reader yielding the identity-encoded body and
// whether a decoder was applied. Unknown encodings pass through as is.
func decodeBody(resp *http.Response) (io.ReadCloser, bool, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if enc == "" || enc == "identity" || !hasBody(resp) {
		return resp.Body, false, nil
	}

	body := resp.Body
	switch enc {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, false, fmt.Errorf("gzip: %w", err)
		}
		return &decodedBody{Reader: zr, closers: []func() error{zr.Close, body.Close}}, true, nil
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		br := bufio.NewReader(body)
		if head, err := br.Peek(2); err == nil && isZlibHeader(head) {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, false, fmt.Errorf("zlib: %w", err)
			}
			return &decodedBody{Reader: zr, closers: []func() error{zr.Close, body.Close}}, true, nil
		}
		fr := flate.NewReader(br)
		return &decodedBody{Reader: fr, closers: []func() error{fr.Close, body.Close}}, true, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(body), closers: []func() error{body.Close}}, true, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, false, fmt.Errorf("zstd: %w", err)
		}
		return &decodedBody{Reader: zr, closers: []func() error{func() error { zr.Close(); return nil }, body.Close}}, true, nil
	}
	return resp.Body, false, nil
}

func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

func hasBody(resp *http.Response) bool {
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified:
		return false
	}
	return resp.ContentLength != 0
}
