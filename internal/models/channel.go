package models

import (
	"net/url"
	"strings"
)

// Channel is the canonical unit of playable content.
type Channel struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	StreamURL      string     `json:"streamUrl"`
	LicenseRef     string     `json:"licenseRef,omitempty"`
	LicenseHeaders string     `json:"licenseHeaders,omitempty"`
	StreamKind     StreamKind `json:"streamKind"`
	Category       string     `json:"category"`
	Logo           string     `json:"logo,omitempty"`
}

// Resolve enforces the playable-stream invariant. Some upstream records
// carry the real stream locator in the license field; when the primary
// locator is not an absolute http(s) URL but the license value is, the two
// are swapped. It reports whether the channel ends up playable.
func (c *Channel) Resolve() bool {
	if !IsHTTPURL(c.StreamURL) && IsHTTPURL(c.LicenseRef) {
		c.StreamURL = c.LicenseRef
		c.LicenseRef = ""
	}
	if c.StreamKind == "" {
		c.StreamKind = InferStreamKind(c.StreamURL, c.LicenseRef)
	}
	return IsHTTPURL(c.StreamURL)
}

// LicenseServerURL returns the license reference when it is a license
// server address.
func (c Channel) LicenseServerURL() (string, bool) {
	if IsHTTPURL(c.LicenseRef) {
		return c.LicenseRef, true
	}
	return "", false
}

// KeyBundle returns the license reference when it is an inline key bundle.
func (c Channel) KeyBundle() (string, bool) {
	if c.LicenseRef != "" && !IsHTTPURL(c.LicenseRef) {
		return c.LicenseRef, true
	}
	return "", false
}

// IsHTTPURL reports whether s is an absolute http or https URL.
func IsHTTPURL(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
