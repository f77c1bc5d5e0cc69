package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/voyagen/iptvgate/internal/httpx"
	"github.com/voyagen/iptvgate/internal/manifest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newGateway mounts a proxy under /proxy with a fixed public base.
func newGateway(t *testing.T, policy *Policy) http.Handler {
	t.Helper()
	client := httpx.NewStreamingClient(5 * time.Second)
	t.Cleanup(client.CloseIdleConnections)
	nop := zerolog.Nop()
	h := New(Config{
		PublicBaseURL: "http://gw.local",
		Policy:        policy,
		Client:        client,
		Logger:        &nop,
	})
	r := chi.NewRouter()
	r.Mount("/proxy", h.Routes())
	return r
}

func proxyPath(target string, extra url.Values) string {
	q := url.Values{"url": {target}}
	for k, vs := range extra {
		q[k] = vs
	}
	return "/proxy?" + q.Encode()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestPreflight(t *testing.T) {
	gw := newGateway(t, nil)
	for _, p := range []string{"/proxy", "/proxy/seg/_/https/cdn.example/a.ts", "/proxy/license"} {
		rec := do(t, gw, httptest.NewRequest(http.MethodOptions, p, nil))
		assert.Equal(t, http.StatusNoContent, rec.Code, p)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"), p)
		assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Content-Range", p)
	}
}

func TestMissingOrInvalidURL(t *testing.T) {
	gw := newGateway(t, nil)
	for _, p := range []string{"/proxy", "/proxy?url=", "/proxy?url=ftp%3A%2F%2Fhost%2Fa", "/proxy?url=%2Frelative"} {
		rec := do(t, gw, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, p)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.NotEmpty(t, decodeErrorBody(t, rec).Error)
	}
}

func TestUnresolvableUpstream(t *testing.T) {
	gw := newGateway(t, nil)
	rec := do(t, gw, httptest.NewRequest(http.MethodGet, proxyPath("http://nonexistent.invalid/live.m3u8", nil), nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decodeErrorBody(t, rec)
	assert.NotEmpty(t, body.Error)
	assert.NotEmpty(t, body.Code)
	assert.NotEmpty(t, body.Suggestion)
	assert.Equal(t, "http://nonexistent.invalid/live.m3u8", body.Target)
}

func TestRefusedUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	gw := newGateway(t, nil)
	rec := do(t, gw, httptest.NewRequest(http.MethodGet, proxyPath("http://"+addr+"/seg.ts", nil), nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, CodeRefused, decodeErrorBody(t, rec).Code)
}

func TestHLSManifestIsRewritten(t *testing.T) {
	const playlist = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\nseg1.ts\nhttp://abs.example/seg2.ts\n#EXT-X-ENDLIST\n"
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Access-Control-Allow-Origin", "https://upstream.example")
		w.Header().Set("Set-Cookie", "session=1")
		_, _ = io.WriteString(w, playlist)
	}))
	defer upstream.Close()

	gw := newGateway(t, nil)
	target := upstream.URL + "/live/stream.m3u8"
	rec := do(t, gw, httptest.NewRequest(http.MethodGet, proxyPath(target, url.Values{"referer": {"https://app.example/"}}), nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
	assert.Empty(t, rec.Header().Get("Content-Length"))

	assert.Equal(t, DefaultDesktopUserAgent, seen.Get("User-Agent"))
	assert.Equal(t, "https://app.example/", seen.Get("Referer"))

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Contains(t, lines[2], `URI="http://gw.local/proxy?`)

	seg, err := url.Parse(lines[3])
	require.NoError(t, err)
	assert.Equal(t, "gw.local", seg.Host)
	assert.Equal(t, upstream.URL+"/live/seg1.ts", seg.Query().Get("url"))
	assert.Equal(t, "https://app.example/", seg.Query().Get("referer"))

	abs, err := url.Parse(lines[4])
	require.NoError(t, err)
	assert.Equal(t, "http://abs.example/seg2.ts", abs.Query().Get("url"))
}

func TestDASHManifestDetectedBySuffix(t *testing.T) {
	const mpd = `<?xml version="1.0"?><MPD xmlns="urn:mpeg:dash:schema:mpd:2011"><Period><AdaptationSet><Representation id="v"><SegmentTemplate media="v_$Number$.m4s"/></Representation></AdaptationSet></Period></MPD>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, mpd)
	}))
	defer upstream.Close()

	gw := newGateway(t, nil)
	rec := do(t, gw, httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/dash/manifest.mpd", nil), nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/dash+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<BaseURL>http://gw.local/proxy/seg/_/http/")
}

func TestManifestRewriteFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-mpegURL")
		_, _ = io.WriteString(w, "<html>not a playlist</html>")
	}))
	defer upstream.Close()

	gw := newGateway(t, nil)
	rec := do(t, gw, httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/live.m3u8", nil), nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, decodeErrorBody(t, rec).Error)
}

func TestErrorStatusPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "geo blocked")
	}))
	defer upstream.Close()

	gw := newGateway(t, nil)
	rec := do(t, gw, httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/live.m3u8", nil), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "geo blocked", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCompressedBodiesAreDecoded(t *testing.T) {
	payload := bytes.Repeat([]byte("mpeg-ts-packet "), 512)

	encoders := map[string]func(io.Writer) io.WriteCloser{
		"gzip": func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) },
		"br":   func(w io.Writer) io.WriteCloser { return brotli.NewWriter(w) },
		"deflate": func(w io.Writer) io.WriteCloser {
			return zlib.NewWriter(w)
		},
		"zstd": func(w io.Writer) io.WriteCloser {
			zw, err := zstd.NewWriter(w)
			if err != nil {
				panic(err)
			}
			return zw
		},
	}

	for enc, newWriter := range encoders {
		t.Run(enc, func(t *testing.T) {
			var compressed bytes.Buffer
			zw := newWriter(&compressed)
			_, err := zw.Write(payload)
			require.NoError(t, err)
			require.NoError(t, zw.Close())

			var acceptEnc string
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				acceptEnc = r.Header.Get("Accept-Encoding")
				w.Header().Set("Content-Type", "video/mp2t")
				w.Header().Set("Content-Encoding", enc)
				_, _ = w.Write(compressed.Bytes())
			}))
			defer upstream.Close()

			gw := newGateway(t, nil)
			rec := do(t, gw, httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/seg.ts", nil), nil))

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, acceptEncoding, acceptEnc)
			assert.Empty(t, rec.Header().Get("Content-Encoding"))
			assert.Empty(t, rec.Header().Get("Content-Length"))
			assert.Equal(t, payload, rec.Body.Bytes())
		})
	}
}

func TestGzippedManifestIsDecodedBeforeRewrite(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, _ = io.WriteString(zw, "#EXTM3U\nchunk.ts\n")
	require.NoError(t, zw.Close())

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressed.Bytes())
	}))
	defer upstream.Close()

	gw := newGateway(t, nil)
	rec := do(t, gw, httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/a/index.m3u8", nil), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Contains(t, rec.Body.String(), url.QueryEscape(upstream.URL+"/a/chunk.ts"))
}

func TestSegmentRoute(t *testing.T) {
	var gotPath, gotQuery, gotReferer string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotReferer = r.URL.Path, r.URL.RawQuery, r.Header.Get("Referer")
		w.Header().Set("Content-Type", "video/iso.segment")
		_, _ = io.WriteString(w, "segment")
	}))
	defer upstream.Close()

	host := strings.TrimPrefix(upstream.URL, "http://")
	token := manifest.EncodeToken(url.Values{"referer": {"https://app.example/"}})

	gw := newGateway(t, nil)
	rec := do(t, gw, httptest.NewRequest(http.MethodGet, "/proxy/seg/"+token+"/http/"+host+"/dash/v/seg_12.m4s?t=abc", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "segment", rec.Body.String())
	assert.Equal(t, "/dash/v/seg_12.m4s", gotPath)
	assert.Equal(t, "t=abc", gotQuery)
	assert.Equal(t, "https://app.example/", gotReferer)
}

func TestSegmentRouteRejectsBadInput(t *testing.T) {
	gw := newGateway(t, nil)
	rec := do(t, gw, httptest.NewRequest(http.MethodGet, "/proxy/seg/_/ftp/host/a.ts", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, gw, httptest.NewRequest(http.MethodGet, "/proxy/seg/!!!/http/host/a.ts", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRangeHandling(t *testing.T) {
	var gotRange string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	gw := newGateway(t, nil)

	tests := []struct {
		path, browser, want string
	}{
		{"/movie.mp4", "", "bytes=0-"},
		{"/v/init.m4s", "", "bytes=0-"},
		{"/live/seg.ts", "", ""},
		{"/live/index.m3u8", "", ""},
		{"/movie.mp4", "bytes=100-200", "bytes=100-200"},
		{"/live/seg.ts", "bytes=0-99", "bytes=0-99"},
	}
	for _, tt := range tests {
		gotRange = ""
		req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+tt.path, nil), nil)
		if tt.browser != "" {
			req.Header.Set("Range", tt.browser)
		}
		do(t, gw, req)
		assert.Equal(t, tt.want, gotRange, "%s range=%q", tt.path, tt.browser)
	}
}

func TestClientIPIsForwarded(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer upstream.Close()

	gw := newGateway(t, nil)
	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/seg.ts", nil), nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	do(t, gw, req)

	for _, k := range clientIPHeaders {
		assert.Equal(t, "203.0.113.9", seen.Get(k), k)
	}
}

func TestHeaderBundleAndAndroidProfile(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer upstream.Close()

	bundle := base64.RawURLEncoding.EncodeToString([]byte(`{"X-Token":"abc","Referer":"https://bundle.example/"}`))
	gw := newGateway(t, nil)
	rec := do(t, gw, httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/seg.ts", url.Values{
		"android":   {"1"},
		"referer":   {"https://param.example/"},
		"p_headers": {bundle},
	}), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DefaultAndroidUserAgent, seen.Get("User-Agent"))
	assert.Equal(t, "abc", seen.Get("X-Token"))
	assert.Equal(t, "https://bundle.example/", seen.Get("Referer"))

	rec = do(t, gw, httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/seg.ts", url.Values{"p_headers": {"!!!"}}), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLicensePassthrough(t *testing.T) {
	var gotBody, gotType, gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotType, gotMethod = string(b), r.Header.Get("Content-Type"), r.Method
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0x08, 0x02})
	}))
	defer upstream.Close()

	gw := newGateway(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/proxy/license?url="+url.QueryEscape(upstream.URL+"/wv"), strings.NewReader("challenge"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := do(t, gw, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "challenge", gotBody)
	assert.Equal(t, "application/octet-stream", gotType)
	assert.Equal(t, []byte{0x08, 0x02}, rec.Body.Bytes())
}

func TestHeadRequestStreamsNoBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "42")
	}))
	defer upstream.Close()

	gw := newGateway(t, nil)
	rec := do(t, gw, httptest.NewRequest(http.MethodHead, proxyPath(upstream.URL+"/movie.mp4", nil), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Content-Length"))
	assert.Zero(t, rec.Body.Len())
}

func TestForwardedBaseURL(t *testing.T) {
	h := New(Config{})
	req := httptest.NewRequest(http.MethodGet, "/proxy", nil)
	req.Host = "internal:8080"
	assert.Equal(t, "http://internal:8080", h.baseURL(req))

	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "tv.example.com, edge")
	assert.Equal(t, "https://tv.example.com", h.baseURL(req))
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, stateReceived.canMove(stateHeadersBuilt))
	assert.True(t, stateUpstreamFetching.canMove(stateUpstreamError))
	assert.True(t, stateUpstreamResponded.canMove(stateManifestBuffering))
	assert.True(t, stateRewriting.canMove(stateSent))
	assert.False(t, stateUpstreamError.canMove(stateSent))
	assert.False(t, stateSent.canMove(stateReceived))
	assert.False(t, statePassthroughStreaming.canMove(stateRewriting))

	assert.True(t, stateSent.terminal())
	assert.True(t, stateUpstreamError.terminal())
	assert.False(t, stateRewrittenResponse.terminal())
	assert.Equal(t, "manifest_buffering", stateManifestBuffering.String())
}

func TestClientCancelAbortsUpstream(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan struct{})
	var once sync.Once
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	gw := newGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/live/seg1.ts", nil), nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.ServeHTTP(rec, req)
	}()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream never received the request")
	}
	cancel()

	select {
	case <-aborted:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("proxy did not return after client cancel")
	}
	assert.NotEqual(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, rec.Body.String())
}
