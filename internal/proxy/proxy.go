// Package proxy forwards browser playback requests to upstream origins
// under an impersonated identity, rewriting manifests on the way back.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voyagen/iptvgate/internal/httpx"
	"github.com/voyagen/iptvgate/internal/log"
	"github.com/voyagen/iptvgate/internal/manifest"
	"github.com/voyagen/iptvgate/internal/metrics"
)

// Route labels for metrics and logs.
const (
	RouteQuery   = "query"
	RouteSegment = "segment"
	RouteLicense = "license"
)

const (
	defaultMaxManifestBytes = 8 << 20
	defaultManifestTimeout  = 20 * time.Second
	copyBufferSize          = 32 << 10
)

// carriedParams are the query parameters every rewritten URL keeps.
var carriedParams = []string{"referer", "origin", "user_agent", "android", "p_headers"}

// hopHeaders are never copied from the upstream response.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Connection",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Set-Cookie",
	"Access-Control-Allow-Origin", "Access-Control-Allow-Methods",
	"Access-Control-Allow-Headers", "Access-Control-Expose-Headers",
	"Access-Control-Allow-Credentials", "Access-Control-Max-Age",
}

// Config configures a Handler.
type Config struct {
	// PublicBaseURL is the externally visible origin of this service. When
	// empty it is derived from each request.
	PublicBaseURL string
	// MountPath is where the proxy routes are mounted. Default "/proxy".
	MountPath string
	// KeyPath is the ClearKey license route. Default "/drm/clearkey".
	KeyPath string

	Policy *Policy
	// Client performs upstream requests. It should not impose a total
	// timeout, since live passthrough bodies never end.
	Client *http.Client
	// UpstreamTimeout bounds connect and response headers when Client is nil.
	UpstreamTimeout  time.Duration
	MaxManifestBytes int64
	// ManifestTimeout bounds fetching and buffering a manifest body.
	ManifestTimeout time.Duration
	Logger          *zerolog.Logger
}

// Handler serves the proxy routes.
type Handler struct {
	cfg    Config
	client *http.Client
	policy *Policy
	logger zerolog.Logger
}

// New creates a Handler, filling defaults for unset fields.
func New(cfg Config) *Handler {
	if cfg.MountPath == "" {
		cfg.MountPath = "/proxy"
	}
	if cfg.KeyPath == "" {
		cfg.KeyPath = "/drm/clearkey"
	}
	if cfg.MaxManifestBytes <= 0 {
		cfg.MaxManifestBytes = defaultMaxManifestBytes
	}
	if cfg.ManifestTimeout <= 0 {
		cfg.ManifestTimeout = defaultManifestTimeout
	}
	cfg.PublicBaseURL = strings.TrimSuffix(cfg.PublicBaseURL, "/")
	h := &Handler{cfg: cfg, client: cfg.Client, policy: cfg.Policy}
	if h.client == nil {
		h.client = httpx.NewStreamingClient(cfg.UpstreamTimeout)
	}
	if h.policy == nil {
		h.policy = DefaultPolicy()
	}
	if cfg.Logger != nil {
		h.logger = *cfg.Logger
	} else {
		h.logger = log.WithComponent("proxy")
	}
	return h
}

// Routes returns the proxy router, to be mounted at MountPath.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Options("/", Preflight)
	r.Options("/*", Preflight)

	r.Get("/", h.serveQuery)
	r.Head("/", h.serveQuery)

	r.Get("/seg/{token}/{scheme}/{host}/*", h.serveSegment)
	r.Head("/seg/{token}/{scheme}/{host}/*", h.serveSegment)

	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch} {
		r.MethodFunc(m, "/license", h.serveLicense)
	}
	return r
}

// Preflight answers CORS preflight requests.
func Preflight(w http.ResponseWriter, _ *http.Request) {
	SetCORS(w.Header())
	w.WriteHeader(http.StatusNoContent)
}

// SetCORS applies the permissive CORS policy every proxied response gets.
func SetCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, PATCH, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")
	h.Set("Access-Control-Max-Age", "86400")
}

// requestContext is the transient per-request record.
type requestContext struct {
	id       string
	route    string
	target   *url.URL
	params   url.Values
	android  bool
	drm      manifest.Directive
	clientIP string
	profile  Profile
	state    state
	status   int
	canceled bool
	start    time.Time
	logger   zerolog.Logger
}

func (rc *requestContext) advance(next state) {
	if !rc.state.canMove(next) {
		rc.logger.Warn().Stringer("from", rc.state).Stringer("to", next).Msg("unexpected proxy state transition")
	}
	rc.state = next
}

func (rc *requestContext) finish() {
	if !rc.state.terminal() {
		rc.logger.Warn().Stringer("state", rc.state).Msg("proxy request finished in a non-terminal state")
	}
	outcome := rc.state.String()
	if rc.canceled {
		outcome = "canceled"
	}
	metrics.IncProxyRequest(rc.route, outcome)

	ev := rc.logger.Info()
	if rc.canceled {
		ev = rc.logger.Debug()
	} else if rc.state == stateUpstreamError || rc.status >= 500 {
		ev = rc.logger.Warn()
	}
	ev.Str(log.FieldState, outcome).
		Int(log.FieldStatus, rc.status).
		Str(log.FieldProfile, rc.profile.Name).
		Dur(log.FieldDuration, time.Since(rc.start)).
		Msg("proxy request")
}

func (h *Handler) newRequestContext(r *http.Request, route string, target *url.URL, params url.Values) *requestContext {
	id := log.RequestIDFromContext(r.Context())
	if id == "" {
		id = uuid.NewString()
	}
	rc := &requestContext{
		id:       id,
		route:    route,
		target:   target,
		params:   params,
		android:  isTruthy(params.Get("android")),
		drm:      manifest.ParseDirective(r.URL.Query().Get("drm"), r.URL.Query().Get("drm_key")),
		clientIP: ClientIP(r),
		state:    stateReceived,
		start:    time.Now(),
	}
	rc.logger = h.logger.With().
		Str(log.FieldRequestID, id).
		Str("route", route).
		Str(log.FieldTarget, target.Redacted()).
		Str(log.FieldDRM, rc.drm.Scheme).
		Logger()
	return rc
}

func (h *Handler) serveQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := parseTarget(q.Get("url"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	h.forward(w, r, h.newRequestContext(r, RouteQuery, target, carried(q)), false)
}

func (h *Handler) serveSegment(w http.ResponseWriter, r *http.Request) {
	params, err := manifest.DecodeToken(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	scheme := chi.URLParam(r, "scheme")
	if scheme != "http" && scheme != "https" {
		writeError(w, http.StatusBadRequest, "unsupported scheme", scheme)
		return
	}
	target := &url.URL{
		Scheme:   scheme,
		Host:     chi.URLParam(r, "host"),
		Path:     "/" + chi.URLParam(r, "*"),
		RawQuery: r.URL.RawQuery,
	}
	// keep upstream escaping of the tail
	if raw := r.URL.EscapedPath(); raw != "" {
		prefix := "/seg/" + chi.URLParam(r, "token") + "/" + scheme + "/" + target.Host
		if i := strings.Index(raw, prefix); i >= 0 {
			if p, err := url.PathUnescape(raw[i+len(prefix):]); err == nil {
				target.Path = p
				target.RawPath = raw[i+len(prefix):]
			}
		}
	}
	h.forward(w, r, h.newRequestContext(r, RouteSegment, target, params), false)
}

func (h *Handler) serveLicense(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := parseTarget(q.Get("url"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	h.forward(w, r, h.newRequestContext(r, RouteLicense, target, carried(q)), true)
}

// forward runs one request through the lifecycle.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, rc *requestContext, passthrough bool) {
	defer rc.finish()

	custom, err := ParseHeaderBundle(rc.params.Get("p_headers"))
	if err != nil {
		rc.status = http.StatusBadRequest
		rc.advance(stateSent)
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	headers, profile := h.policy.Headers(rc.target, rc.android, Overrides{
		Accept:    r.Header.Get("Accept"),
		Referer:   rc.params.Get("referer"),
		Origin:    rc.params.Get("origin"),
		UserAgent: rc.params.Get("user_agent"),
		Custom:    custom,
	})
	rc.profile = profile
	forwardClientIP(headers, rc.clientIP)
	if rg := r.Header.Get("Range"); rg != "" {
		headers.Set("Range", rg)
	} else if !passthrough && wantsSyntheticRange(rc.target) {
		headers.Set("Range", "bytes=0-")
	}
	var body io.Reader
	if passthrough && r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
		if ct := r.Header.Get("Content-Type"); ct != "" {
			headers.Set("Content-Type", ct)
		}
	}
	rc.advance(stateHeadersBuilt)

	// The inbound context is the parent so a client disconnect cancels
	// the upstream fetch.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, r.Method, rc.target.String(), body)
	if err != nil {
		rc.status = http.StatusBadRequest
		rc.advance(stateSent)
		writeError(w, http.StatusBadRequest, "invalid target", err.Error())
		return
	}
	req.Header = headers
	if body != nil && r.ContentLength > 0 {
		req.ContentLength = r.ContentLength
	}

	rc.advance(stateUpstreamFetching)
	resp, err := h.client.Do(req)
	if err != nil {
		rc.advance(stateUpstreamError)
		if r.Context().Err() != nil {
			rc.canceled = true
			return
		}
		upErr := Classify(err, rc.target.Redacted())
		rc.status = http.StatusBadGateway
		rc.logger.Warn().Err(err).Str("code", upErr.Code).Msg("upstream request failed")
		writeUpstreamError(w, upErr)
		return
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream(resp.StatusCode, time.Since(rc.start))
	rc.advance(stateUpstreamResponded)

	kind, isManifest := manifest.Kind(""), false
	if !passthrough && r.Method == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		kind, isManifest = manifest.DetectKind(resp.Header.Get("Content-Type"), rc.target.String())
	}
	if isManifest {
		h.serveManifest(ctx, cancel, w, r, rc, resp, kind)
		return
	}
	h.streamThrough(w, r, rc, resp)
}

func (h *Handler) serveManifest(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, r *http.Request, rc *requestContext, resp *http.Response, kind manifest.Kind) {
	rc.advance(stateManifestBuffering)
	timer := time.AfterFunc(h.cfg.ManifestTimeout, cancel)
	defer timer.Stop()

	body, _, err := decodeBody(resp)
	if err != nil {
		h.failManifest(w, rc, http.StatusBadGateway, "manifest decode failed", err)
		return
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, h.cfg.MaxManifestBytes+1))
	if err != nil {
		if r.Context().Err() != nil {
			rc.canceled = true
			rc.advance(stateSent)
			return
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("manifest not received within %s: %w", h.cfg.ManifestTimeout, err)
		}
		h.failManifest(w, rc, http.StatusBadGateway, "manifest read failed", err)
		return
	}
	if int64(len(data)) > h.cfg.MaxManifestBytes {
		h.failManifest(w, rc, http.StatusInternalServerError, "manifest too large", fmt.Errorf("limit is %d bytes", h.cfg.MaxManifestBytes))
		return
	}

	rc.advance(stateRewriting)
	out, err := manifest.Rewrite(kind, string(data), manifest.Context{
		OriginalURL: finalURL(resp, rc.target),
		ProxyBase:   h.baseURL(r) + h.cfg.MountPath,
		Params:      rc.params,
		DRM:         rc.drm,
		KeyRoute:    h.baseURL(r) + h.cfg.KeyPath,
	})
	if err != nil {
		h.failManifest(w, rc, http.StatusInternalServerError, "manifest rewrite failed", err)
		return
	}
	rc.advance(stateRewrittenResponse)

	hdr := w.Header()
	copyHeaders(hdr, resp.Header)
	hdr.Del("Content-Length")
	hdr.Del("Content-Encoding")
	hdr.Del("Content-Range")
	hdr.Del("Accept-Ranges")
	hdr.Del("ETag")
	hdr.Set("Content-Type", manifestContentType(kind, resp.Header.Get("Content-Type")))
	hdr.Set("Cache-Control", "no-cache")
	SetCORS(hdr)
	rc.status = resp.StatusCode
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, out)
	rc.advance(stateSent)
}

func (h *Handler) failManifest(w http.ResponseWriter, rc *requestContext, status int, msg string, err error) {
	rc.logger.Error().Err(err).Msg(msg)
	rc.status = status
	rc.advance(stateSent)
	writeError(w, status, msg, err.Error())
}

func (h *Handler) streamThrough(w http.ResponseWriter, r *http.Request, rc *requestContext, resp *http.Response) {
	rc.advance(statePassthroughStreaming)

	body, decoded, err := decodeBody(resp)
	if err != nil {
		// fail open: hand the bytes over as they came
		rc.logger.Debug().Err(err).Msg("content decoding failed, passing through encoded")
		body, decoded = resp.Body, false
	}
	defer body.Close()

	hdr := w.Header()
	copyHeaders(hdr, resp.Header)
	if decoded || (r.Method == http.MethodHead && resp.Header.Get("Content-Encoding") != "") {
		hdr.Del("Content-Encoding")
		hdr.Del("Content-Length")
	}
	SetCORS(hdr)
	rc.status = resp.StatusCode
	w.WriteHeader(resp.StatusCode)

	if r.Method != http.MethodHead {
		if err := copyFlushing(w, body); err != nil {
			if r.Context().Err() != nil {
				rc.canceled = true
			} else {
				rc.logger.Debug().Err(err).Msg("stream copy ended early")
			}
		}
	}
	rc.advance(stateSent)
}

// copyFlushing streams src to w, flushing after every chunk so live
// segments reach the player without buffering.
func copyFlushing(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
}

// baseURL returns the public origin used in rewritten URLs.
func (h *Handler) baseURL(r *http.Request) string {
	if h.cfg.PublicBaseURL != "" {
		return h.cfg.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	host := r.Host
	if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
		host, _, _ = strings.Cut(fh, ",")
		host = strings.TrimSpace(host)
	}
	return scheme + "://" + host
}

// finalURL is the URL the manifest was actually served from, after
// redirects, so relative references resolve against the right origin.
func finalURL(resp *http.Response, target *url.URL) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return target.String()
}

func manifestContentType(kind manifest.Kind, upstream string) string {
	if strings.Contains(strings.ToLower(upstream), "mpegurl") || strings.Contains(strings.ToLower(upstream), "dash+xml") {
		return upstream
	}
	if kind == manifest.KindDASH {
		return "application/dash+xml"
	}
	return "application/vnd.apple.mpegurl"
}

func parseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("missing url parameter")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("url must be an absolute http(s) URL")
	}
	return u, nil
}

func carried(q url.Values) url.Values {
	out := url.Values{}
	for _, k := range carriedParams {
		if v := q.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out
}

type errorBody struct {
	Status     int    `json:"status"`
	Error      string `json:"error"`
	Detail     string `json:"detail,omitempty"`
	Code       string `json:"code,omitempty"`
	Target     string `json:"target,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeErrorBody(w, errorBody{Status: status, Error: msg, Detail: detail})
}

func writeUpstreamError(w http.ResponseWriter, e *UpstreamError) {
	writeErrorBody(w, errorBody{
		Status:     http.StatusBadGateway,
		Error:      "upstream unreachable",
		Detail:     e.Err.Error(),
		Code:       e.Code,
		Target:     e.Target,
		Suggestion: e.Suggestion(),
	})
}

func writeErrorBody(w http.ResponseWriter, body errorBody) {
	hdr := w.Header()
	for _, k := range []string{"Content-Length", "Content-Encoding", "Content-Range"} {
		hdr.Del(k)
	}
	SetCORS(hdr)
	hdr.Set("Content-Type", "application/json")
	w.WriteHeader(body.Status)
	_ = json.NewEncoder(w).Encode(body)
}
