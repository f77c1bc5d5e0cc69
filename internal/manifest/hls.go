package manifest

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/grafov/m3u8"
)

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// HLS rewrites m3u8 playlists line by line. Tag lines are kept byte for
// byte except for URI="..." attribute values.
type HLS struct{}

// Rewrite implements Rewriter.
func (HLS) Rewrite(text string, rc Context) (string, error) {
	base, err := rc.base()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(strings.TrimLeft(strings.TrimPrefix(text, "\ufeff"), " \t\r\n"), "#EXTM3U") {
		return "", fmt.Errorf("missing #EXTM3U header: %w", ErrMalformed)
	}

	var b strings.Builder
	b.Grow(len(text) * 2)
	for _, line := range strings.SplitAfter(text, "\n") {
		body, eol := splitEOL(line)
		trimmed := strings.TrimSpace(body)
		switch {
		case trimmed == "":
			b.WriteString(line)
			continue
		case strings.HasPrefix(trimmed, "#"):
			if !strings.Contains(body, `URI="`) {
				b.WriteString(line)
				continue
			}
			var rerr error
			body = uriAttr.ReplaceAllStringFunc(body, func(m string) string {
				v := uriAttr.FindStringSubmatch(m)[1]
				out, err := rewriteRef(base, v, rc)
				if err != nil {
					rerr = err
					return m
				}
				return `URI="` + out + `"`
			})
			if rerr != nil {
				return "", rerr
			}
		default:
			out, err := rewriteRef(base, trimmed, rc)
			if err != nil {
				return "", err
			}
			body = out
		}
		b.WriteString(body)
		b.WriteString(eol)
	}
	return b.String(), nil
}

// rewriteRef resolves ref against the playlist URL and returns its proxy
// URL. Inline data and FairPlay key identifiers are left alone.
func rewriteRef(base *url.URL, ref string, rc Context) (string, error) {
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "skd:") {
		return ref, nil
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("uri %q: %w", ref, ErrMalformed)
	}
	if !isHTTP(u) {
		return ref, nil
	}
	return rc.ProxyURL(u.String()), nil
}

func splitEOL(line string) (body, eol string) {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"):
		return line[:len(line)-1], "\n"
	}
	return line, ""
}

// HLSInfo summarises a playlist for logging.
type HLSInfo struct {
	Master    bool
	Variants  int
	Segments  int
	Encrypted bool
}

// InspectHLS decodes a playlist leniently and reports its shape.
func InspectHLS(text string) (HLSInfo, error) {
	p, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err != nil {
		return HLSInfo{}, err
	}
	switch listType {
	case m3u8.MASTER:
		mp, ok := p.(*m3u8.MasterPlaylist)
		if !ok {
			return HLSInfo{}, fmt.Errorf("unexpected master playlist type %T", p)
		}
		return HLSInfo{Master: true, Variants: len(mp.Variants)}, nil
	case m3u8.MEDIA:
		mp, ok := p.(*m3u8.MediaPlaylist)
		if !ok {
			return HLSInfo{}, fmt.Errorf("unexpected media playlist type %T", p)
		}
		info := HLSInfo{Segments: int(mp.Count())}
		if mp.Key != nil && mp.Key.Method != "" && mp.Key.Method != "NONE" {
			info.Encrypted = true
		}
		return info, nil
	}
	return HLSInfo{}, fmt.Errorf("unknown playlist type %v", listType)
}
