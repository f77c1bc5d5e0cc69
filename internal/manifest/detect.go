package manifest

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// genericTypes are content types upstreams commonly use for manifests
// without saying so; the URL suffix decides for these.
var genericTypes = map[string]bool{
	"":                         true,
	"text/plain":               true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
	"application/xml":          true,
	"text/xml":                 true,
	"application/x-unknown":    true,
}

// DetectKind decides whether a response is a manifest from its content
// type, falling back to the URL suffix for generic types.
func DetectKind(contentType, rawURL string) (Kind, bool) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case strings.Contains(mt, "mpegurl"):
		return KindHLS, true
	case strings.Contains(mt, "dash+xml"):
		return KindDASH, true
	case !genericTypes[mt]:
		return "", false
	}
	return KindFromURL(rawURL)
}

// KindFromURL guesses the manifest kind from the URL path suffix.
func KindFromURL(rawURL string) (Kind, bool) {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".m3u8", ".m3u":
		return KindHLS, true
	case ".mpd":
		return KindDASH, true
	}
	return "", false
}
