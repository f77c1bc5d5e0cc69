package manifest

import (
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
)

// emptyToken stands in for a path-form token with no parameters.
const emptyToken = "_"

// ProxyURL returns the query-form proxy URL for an absolute target.
func (rc Context) ProxyURL(target string) string {
	q := url.Values{}
	for k, vs := range rc.Params {
		q[k] = append([]string(nil), vs...)
	}
	q.Set("url", target)
	if rc.DRM.Scheme != DRMNone {
		q.Set("drm", rc.DRM.Scheme)
		if rc.DRM.License != "" {
			q.Set("drm_key", rc.DRM.License)
		}
	}
	return rc.ProxyBase + "?" + q.Encode()
}

// SegmentURL returns the path-form proxy URL for target:
// <ProxyBase>/seg/<token>/<scheme>/<host>/<path>. Relative references
// resolved against it by a player stay inside the proxy.
func (rc Context) SegmentURL(target *url.URL) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(rc.ProxyBase, "/"))
	b.WriteString("/seg/")
	b.WriteString(EncodeToken(rc.Params))
	b.WriteByte('/')
	b.WriteString(target.Scheme)
	b.WriteByte('/')
	b.WriteString(target.Host)
	p := target.EscapedPath()
	if !strings.HasPrefix(p, "/") {
		b.WriteByte('/')
	}
	b.WriteString(p)
	if target.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(target.RawQuery)
	}
	return b.String()
}

// LicenseURL returns the ClearKey license URL for the directive's bundle,
// or "" when either the route or the bundle is unknown.
func (rc Context) LicenseURL() string {
	if rc.KeyRoute == "" || rc.DRM.License == "" {
		return ""
	}
	return rc.KeyRoute + "?license=" + url.QueryEscape(rc.DRM.License)
}

// EncodeToken packs impersonation parameters into a path segment.
func EncodeToken(params url.Values) string {
	if len(params) == 0 {
		return emptyToken
	}
	return base64.RawURLEncoding.EncodeToString([]byte(params.Encode()))
}

// DecodeToken reverses EncodeToken.
func DecodeToken(token string) (url.Values, error) {
	if token == emptyToken || token == "" {
		return url.Values{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errors.New("invalid segment token")
	}
	return url.ParseQuery(string(raw))
}

func isHTTP(u *url.URL) bool {
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
