package models

import (
	"net/url"
	"path"
	"strings"
)

// StreamKind tags how a channel must be played.
type StreamKind string

const (
	StreamHLS          StreamKind = "hls"
	StreamDASH         StreamKind = "dash"
	StreamDASHClearKey StreamKind = "dash-clearkey"
	StreamDASHWidevine StreamKind = "dash-widevine"
)

// Default ingestion categories.
const (
	CategoryIndonesia = "indonesia"
	CategoryEvent     = "event"
)

// DefaultCategories is the category set fetched when none is configured.
var DefaultCategories = []string{CategoryIndonesia, CategoryEvent}

// ParseStreamKind maps upstream spellings to a StreamKind. Unknown values
// return "".
func ParseStreamKind(s string) StreamKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hls", "m3u8":
		return StreamHLS
	case "dash", "mpd":
		return StreamDASH
	case "dash-clearkey", "clearkey", "dash_clearkey":
		return StreamDASHClearKey
	case "dash-widevine", "widevine", "dash_widevine":
		return StreamDASHWidevine
	}
	return ""
}

// InferStreamKind guesses the kind from the stream URL suffix and the
// shape of the license reference.
func InferStreamKind(streamURL, licenseRef string) StreamKind {
	if !strings.EqualFold(path.Ext(urlPath(streamURL)), ".mpd") {
		return StreamHLS
	}
	switch {
	case licenseRef == "":
		return StreamDASH
	case IsHTTPURL(licenseRef):
		return StreamDASHWidevine
	default:
		return StreamDASHClearKey
	}
}

// IsDASH reports whether the kind is one of the DASH variants.
func (k StreamKind) IsDASH() bool {
	return k == StreamDASH || k == StreamDASHClearKey || k == StreamDASHWidevine
}

func urlPath(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Path
	}
	return raw
}
