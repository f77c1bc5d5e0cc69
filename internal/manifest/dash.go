package manifest

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/beevik/etree"
)

// DRM system identifiers used in ContentProtection@schemeIdUri.
const (
	ClearKeySchemeURI = "urn:uuid:e2719d58-a985-b3c9-781a-0070aaff49d2"
	WidevineSchemeURI = "urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"

	cencNamespace     = "urn:mpeg:cenc:2013"
	clearKeyNamespace = "http://dashif.org/guidelines/clearKey"
)

// DASH rewrites MPDs through an XML tree.
type DASH struct{}

// Rewrite implements Rewriter.
func (DASH) Rewrite(text string, rc Context) (string, error) {
	base, err := rc.base()
	if err != nil {
		return "", err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(text); err != nil {
		return "", fmt.Errorf("parse mpd: %v: %w", err, ErrMalformed)
	}
	mpd := doc.Root()
	if mpd == nil || mpd.Tag != "MPD" {
		return "", fmt.Errorf("missing MPD root: %w", ErrMalformed)
	}

	dir := base.ResolveReference(&url.URL{Path: "./"})
	orig := baseURLTexts(mpd)
	rewriteBaseURLs(mpd, dir, orig, rc)
	rewriteSegmentRefs(mpd, dir, orig, rc)
	rewriteLocations(mpd, base, rc)

	switch rc.DRM.Scheme {
	case DRMClearKey:
		injectClearKey(mpd, rc.LicenseURL())
	case DRMWidevine:
		injectWidevine(mpd)
	}

	out, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("write mpd: %w", err)
	}
	return out, nil
}

// rewriteBaseURLs points the document at the proxy. Without an MPD-level
// BaseURL one is injected for the manifest directory, so every relative
// reference resolves under the path-form route. Absolute BaseURLs anywhere
// and relative MPD-level ones are converted. Deeper relative BaseURLs stay
// relative to their converted parents unless they would climb out of them.
func rewriteBaseURLs(mpd *etree.Element, dir *url.URL, orig map[*etree.Element]string, rc Context) {
	for el, text := range orig {
		ref, err := url.Parse(text)
		if err != nil {
			continue
		}
		if el.Parent() != mpd && !isHTTP(ref) && !escapesBase(ref) {
			continue
		}
		if abs := upstreamBase(el.Parent().Parent(), dir, orig).ResolveReference(ref); isHTTP(abs) {
			el.SetText(rc.SegmentURL(abs))
		}
	}
	if mpd.SelectElement("BaseURL") == nil {
		bu := etree.NewElement("BaseURL")
		bu.SetText(rc.SegmentURL(dir))
		mpd.InsertChildAt(0, bu)
	}
}

// rewriteSegmentRefs converts segment addresses a player would resolve
// outside the proxy: absolute ones, root or host relative ones, and ones
// climbing with "..". They are resolved against the upstream BaseURL chain.
func rewriteSegmentRefs(mpd *etree.Element, dir *url.URL, orig map[*etree.Element]string, rc Context) {
	attrs := []struct{ path, attr string }{
		{"//SegmentTemplate", "media"},
		{"//SegmentTemplate", "initialization"},
		{"//SegmentURL", "media"},
		{"//Initialization", "sourceURL"},
		{"//RepresentationIndex", "sourceURL"},
	}
	for _, a := range attrs {
		for _, el := range mpd.FindElements(a.path) {
			v := el.SelectAttrValue(a.attr, "")
			if v == "" {
				continue
			}
			u, err := url.Parse(v)
			if err != nil {
				continue
			}
			if !isHTTP(u) {
				if !escapesBase(u) {
					continue
				}
				u = upstreamBase(el, dir, orig).ResolveReference(u)
				if !isHTTP(u) {
					continue
				}
			}
			el.CreateAttr(a.attr, rc.SegmentURL(u))
		}
	}
}

// baseURLTexts records every BaseURL as published upstream.
func baseURLTexts(mpd *etree.Element) map[*etree.Element]string {
	orig := make(map[*etree.Element]string)
	for _, el := range mpd.FindElements("//BaseURL") {
		orig[el] = strings.TrimSpace(el.Text())
	}
	return orig
}

// upstreamBase is the upstream URL relative references below el resolve
// against: the manifest directory joined with the first BaseURL of el and
// each of its ancestors, outermost first.
func upstreamBase(el *etree.Element, dir *url.URL, orig map[*etree.Element]string) *url.URL {
	var chain []*etree.Element
	for p := el; p != nil && p.Tag != ""; p = p.Parent() {
		chain = append(chain, p)
	}
	base := dir
	for i := len(chain) - 1; i >= 0; i-- {
		for _, bu := range chain[i].SelectElements("BaseURL") {
			text, ok := orig[bu]
			if !ok {
				continue
			}
			if ref, err := url.Parse(text); err == nil {
				base = base.ResolveReference(ref)
			}
			break
		}
	}
	return base
}

// escapesBase reports whether a relative reference would leave the
// directory it is resolved against.
func escapesBase(u *url.URL) bool {
	if u.Scheme != "" {
		return false
	}
	if u.Host != "" || strings.HasPrefix(u.Path, "/") {
		return true
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// rewriteLocations keeps live MPD refreshes on the proxy.
func rewriteLocations(mpd *etree.Element, base *url.URL, rc Context) {
	for _, el := range mpd.SelectElements("Location") {
		u, err := base.Parse(strings.TrimSpace(el.Text()))
		if err != nil || !isHTTP(u) {
			continue
		}
		el.SetText(rc.ProxyURL(u.String()))
	}
}

// injectClearKey replaces all protection signalling with a single ClearKey
// descriptor per AdaptationSet.
func injectClearKey(mpd *etree.Element, licenseURL string) {
	sets := mpd.FindElements("//AdaptationSet")
	docKID := defaultKID(mpd)
	kids := make([]string, len(sets))
	for i, as := range sets {
		kids[i] = defaultKID(as)
	}

	for _, cp := range mpd.FindElements("//ContentProtection") {
		if p := cp.Parent(); p != nil {
			p.RemoveChild(cp)
		}
	}

	mpd.CreateAttr("xmlns:cenc", cencNamespace)
	if licenseURL != "" {
		mpd.CreateAttr("xmlns:clearkey", clearKeyNamespace)
	}
	for i, as := range sets {
		cp := etree.NewElement("ContentProtection")
		cp.CreateAttr("schemeIdUri", ClearKeySchemeURI)
		cp.CreateAttr("value", "ClearKey")
		kid := kids[i]
		if kid == "" {
			kid = docKID
		}
		if kid != "" {
			cp.CreateAttr("cenc:default_KID", kid)
		}
		if licenseURL != "" {
			laurl := cp.CreateElement("clearkey:Laurl")
			laurl.CreateAttr("Lic_type", "EME-1.0")
			laurl.SetText(licenseURL)
		}
		as.InsertChildAt(0, cp)
	}
}

// injectWidevine adds a Widevine descriptor to protected AdaptationSets
// that advertise other systems only.
func injectWidevine(mpd *etree.Element) {
	docKID := defaultKID(mpd)
	added := false
	for _, as := range mpd.FindElements("//AdaptationSet") {
		cps := as.FindElements(".//ContentProtection")
		if len(cps) == 0 {
			continue
		}
		hasWidevine := false
		for _, cp := range cps {
			if strings.EqualFold(cp.SelectAttrValue("schemeIdUri", ""), WidevineSchemeURI) {
				hasWidevine = true
				break
			}
		}
		if hasWidevine {
			continue
		}
		cp := etree.NewElement("ContentProtection")
		cp.CreateAttr("schemeIdUri", WidevineSchemeURI)
		cp.CreateAttr("value", "Widevine")
		kid := defaultKID(as)
		if kid == "" {
			kid = docKID
		}
		if kid != "" {
			cp.CreateAttr("cenc:default_KID", kid)
			added = true
		}
		as.InsertChildAt(0, cp)
	}
	if added {
		mpd.CreateAttr("xmlns:cenc", cencNamespace)
	}
}

// defaultKID returns the first default_KID found on a ContentProtection
// element at or below el, whatever prefix the namespace uses.
func defaultKID(el *etree.Element) string {
	for _, cp := range el.FindElements(".//ContentProtection") {
		for _, a := range cp.Attr {
			if a.Key == "default_KID" && a.Value != "" {
				return a.Value
			}
		}
	}
	return ""
}
