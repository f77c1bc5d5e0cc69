package proxy

import (
	"net/url"
	"path"
	"strings"
)

// ProfileKind names one of the closed set of impersonation profiles.
type ProfileKind string

const (
	ProfileDesktop          ProfileKind = "desktop"
	ProfileAndroidExoPlayer ProfileKind = "android-exoplayer"
	ProfileDomainOverride   ProfileKind = "domain-override"
)

// Default identities. The desktop triple matches the web app the
// upstream CDNs expect; the Android one matches its ExoPlayer client.
const (
	DefaultDesktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	DefaultDesktopReferer   = "https://www.vidio.com/"
	DefaultDesktopOrigin    = "https://www.vidio.com"
	DefaultAndroidUserAgent = "ExoPlayerLib/2.19.1 (Linux; Android 13; SM-A536E) AppleWebKit/537.36"
)

// knownOrigins are upstream hosts that only answer their own web player.
var knownOrigins = []DomainRule{
	{Pattern: "*.vidio.com", Referer: "https://www.vidio.com/", Origin: "https://www.vidio.com"},
	{Pattern: "*.rctiplus.id", Referer: "https://www.rctiplus.com/", Origin: "https://www.rctiplus.com"},
	{Pattern: "*.visionplus.id", Referer: "https://www.visionplus.id/", Origin: "https://www.visionplus.id"},
	{Pattern: "*.cubmu.com", Referer: "https://www.cubmu.com/", Origin: "https://www.cubmu.com"},
	{Pattern: "*.indihometv.com", Referer: "https://www.indihometv.com/", Origin: "https://www.indihometv.com"},
}

// KnownOrigins returns a copy of the built-in domain rules.
func KnownOrigins() []DomainRule {
	return append([]DomainRule(nil), knownOrigins...)
}

// Profile is a User-Agent/Referer/Origin triple plus any extra headers a
// client application always sends.
type Profile struct {
	Kind      ProfileKind
	Name      string
	UserAgent string
	Referer   string
	Origin    string
	Extra     map[string]string
}

// DomainRule maps target hosts to a fixed identity. Pattern is a glob
// matched against the host ("*.cdn.example.com") or, without glob
// characters, a substring of it.
type DomainRule struct {
	Pattern   string            `yaml:"pattern"`
	UserAgent string            `yaml:"user_agent"`
	Referer   string            `yaml:"referer"`
	Origin    string            `yaml:"origin"`
	Headers   map[string]string `yaml:"headers"`
}

// Match reports whether the rule applies to host.
func (r DomainRule) Match(host string) bool {
	host = strings.ToLower(host)
	pattern := strings.ToLower(strings.TrimSpace(r.Pattern))
	if pattern == "" {
		return false
	}
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, host)
		return err == nil && ok
	}
	return strings.Contains(host, pattern)
}

// profile layers the rule over base.
func (r DomainRule) profile(base Profile) Profile {
	p := base
	p.Kind = ProfileDomainOverride
	p.Name = r.Pattern
	if r.UserAgent != "" {
		p.UserAgent = r.UserAgent
	}
	if r.Referer != "" {
		p.Referer = r.Referer
	}
	if r.Origin != "" {
		p.Origin = r.Origin
	}
	if len(r.Headers) > 0 {
		p.Extra = make(map[string]string, len(base.Extra)+len(r.Headers))
		for k, v := range base.Extra {
			p.Extra[k] = v
		}
		for k, v := range r.Headers {
			p.Extra[k] = v
		}
	}
	return p
}

// DesktopProfile returns the default browser identity, with any
// non-empty argument replacing the built-in value.
func DesktopProfile(userAgent, referer, origin string) Profile {
	p := Profile{
		Kind:      ProfileDesktop,
		Name:      string(ProfileDesktop),
		UserAgent: DefaultDesktopUserAgent,
		Referer:   DefaultDesktopReferer,
		Origin:    DefaultDesktopOrigin,
	}
	if userAgent != "" {
		p.UserAgent = userAgent
	}
	if referer != "" {
		p.Referer = referer
	}
	if origin != "" {
		p.Origin = origin
	}
	return p
}

// AndroidProfile returns the ExoPlayer identity. ExoPlayer sends neither
// Referer nor Origin.
func AndroidProfile(userAgent string) Profile {
	p := Profile{Kind: ProfileAndroidExoPlayer, Name: string(ProfileAndroidExoPlayer), UserAgent: DefaultAndroidUserAgent}
	if userAgent != "" {
		p.UserAgent = userAgent
	}
	p.Extra = map[string]string{"Accept-Language": "en-US"}
	return p
}

// Select picks the base profile for target: Android when requested, else
// the first matching domain rule, else the desktop default.
func (p *Policy) Select(target *url.URL, android bool) Profile {
	if android {
		return p.android
	}
	host := target.Hostname()
	for _, r := range p.rules {
		if r.Match(host) {
			return r.profile(p.desktop)
		}
	}
	return p.desktop
}
