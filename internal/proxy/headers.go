package proxy

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// acceptEncoding mirrors what the impersonated apps send. Responses are
// decoded before they reach the browser.
const acceptEncoding = "gzip, deflate, br"

// clientIPHeaders carry the browser's address upstream; CDNs differ in
// which one they trust for geo checks.
var clientIPHeaders = []string{"X-Forwarded-For", "X-Real-IP", "Client-IP", "True-Client-IP", "X-Client-IP"}

// rangeableExt lists containers served as byte ranges. Live containers
// (.ts .flv .aac .m2ts) and manifests are deliberately absent.
var rangeableExt = map[string]bool{
	".mp4": true, ".m4s": true, ".m4v": true, ".m4a": true, ".mkv": true,
	".webm": true, ".mov": true, ".cmfv": true, ".cmfa": true,
}

// Policy builds outbound headers from a base profile and per-request
// overrides.
type Policy struct {
	desktop Profile
	android Profile
	rules   []DomainRule
}

// NewPolicy creates a Policy. Rules are evaluated in order.
func NewPolicy(desktop, android Profile, rules []DomainRule) *Policy {
	return &Policy{desktop: desktop, android: android, rules: rules}
}

// DefaultPolicy uses the built-in profiles and known origins.
func DefaultPolicy() *Policy {
	return NewPolicy(DesktopProfile("", "", ""), AndroidProfile(""), KnownOrigins())
}

// Overrides are the per-request header inputs, lowest priority first.
type Overrides struct {
	// Accept is the browser's Accept header.
	Accept    string
	Referer   string
	Origin    string
	UserAgent string
	// Custom is the decoded p_headers bundle, applied last.
	Custom map[string]string
}

// Headers returns the outbound header set for target and the profile it
// started from. Priority: custom bundle > query parameters > profile.
func (p *Policy) Headers(target *url.URL, android bool, o Overrides) (http.Header, Profile) {
	prof := p.Select(target, android)

	h := http.Header{}
	h.Set("Accept", "*/*")
	h.Set("Accept-Encoding", acceptEncoding)
	for k, v := range prof.Extra {
		h.Set(k, v)
	}
	setIf(h, "User-Agent", prof.UserAgent)
	setIf(h, "Referer", prof.Referer)
	setIf(h, "Origin", prof.Origin)

	setIf(h, "Accept", o.Accept)
	setIf(h, "Referer", o.Referer)
	setIf(h, "Origin", o.Origin)
	setIf(h, "User-Agent", o.UserAgent)

	for k, v := range o.Custom {
		if strings.EqualFold(k, "Host") {
			continue
		}
		h.Set(k, v)
	}
	return h, prof
}

func setIf(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

// ParseHeaderBundle decodes a p_headers value: a JSON object of header
// names to values, base64 encoded in either alphabet, padded or not.
func ParseHeaderBundle(s string) (map[string]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	raw, err := decodeAnyBase64(s)
	if err != nil {
		return nil, errors.New("p_headers is not base64")
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errors.New("p_headers is not a JSON object")
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case float64, bool:
			b, _ := json.Marshal(tv)
			out[k] = string(b)
		}
	}
	return out, nil
}

func decodeAnyBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// ClientIP returns the browser's address: the first X-Forwarded-For hop,
// else X-Real-IP. It returns "" when neither holds a valid IP.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return ""
}

// forwardClientIP sets every client address header upstream CDNs read.
func forwardClientIP(h http.Header, ip string) {
	if ip == "" {
		return
	}
	for _, k := range clientIPHeaders {
		h.Set(k, ip)
	}
}

// wantsSyntheticRange reports whether a request for target should carry
// "Range: bytes=0-" when the browser sent none.
func wantsSyntheticRange(target *url.URL) bool {
	return rangeableExt[strings.ToLower(path.Ext(target.Path))]
}

// isTruthy accepts the spellings used for the android flag.
func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
