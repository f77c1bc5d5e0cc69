// Package manifest rewrites HLS playlists and DASH MPDs so that every
// segment, key and license request is routed back through the proxy.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/voyagen/iptvgate/internal/log"
	"github.com/voyagen/iptvgate/internal/metrics"
)

// Kind identifies a manifest format.
type Kind string

const (
	KindHLS  Kind = "hls"
	KindDASH Kind = "dash"
)

// DRM schemes accepted in a Directive.
const (
	DRMNone     = ""
	DRMClearKey = "clearkey"
	DRMWidevine = "widevine"
)

// ErrMalformed is returned when a manifest cannot be parsed or lacks the
// structure required to rewrite it.
var ErrMalformed = errors.New("malformed manifest")

// Directive tells the rewriter how to treat DRM signalling.
type Directive struct {
	Scheme string
	// License is the opaque key bundle for ClearKey, if known.
	License string
}

// ParseDirective normalises the drm query parameter. Unknown schemes are
// treated as no directive.
func ParseDirective(scheme, license string) Directive {
	switch scheme {
	case DRMClearKey, DRMWidevine:
		return Directive{Scheme: scheme, License: license}
	}
	return Directive{}
}

// Context carries everything a rewrite needs to know about the request.
type Context struct {
	// OriginalURL is the absolute upstream URL the manifest came from.
	OriginalURL string
	// ProxyBase is the absolute URL of the query-form proxy route.
	ProxyBase string
	// Params are the impersonation parameters every rewritten URL carries.
	Params url.Values
	DRM    Directive
	// KeyRoute is the absolute URL of the ClearKey license route.
	KeyRoute string
}

// Rewriter rewrites one manifest format.
type Rewriter interface {
	Rewrite(text string, rc Context) (string, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Rewriter{
		KindHLS:  HLS{},
		KindDASH: DASH{},
	}
)

// Register replaces the rewriter used for kind.
func Register(kind Kind, r Rewriter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = r
}

// inspectHLS decodes rewritten playlists for debug logging.
var inspectHLS = InspectHLS

// Rewrite dispatches to the rewriter registered for kind.
func Rewrite(kind Kind, text string, rc Context) (string, error) {
	registryMu.RLock()
	r, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no rewriter for %q: %w", kind, ErrMalformed)
	}
	out, err := r.Rewrite(text, rc)
	metrics.IncManifestRewrite(string(kind), err == nil)
	if err != nil {
		return "", err
	}
	if logger := log.WithComponent("manifest"); kind == KindHLS && logger.Debug().Enabled() {
		if info, err := inspectHLS(out); err != nil {
			logger.Debug().Err(err).Str(log.FieldTarget, rc.OriginalURL).Msg("hls inspection failed")
		} else {
			logger.Debug().
				Str(log.FieldTarget, rc.OriginalURL).
				Bool("master", info.Master).
				Int("variants", info.Variants).
				Int("segments", info.Segments).
				Bool("encrypted", info.Encrypted).
				Msg("hls rewritten")
		}
	}
	return out, nil
}

func (rc Context) base() (*url.URL, error) {
	u, err := url.Parse(rc.OriginalURL)
	if err != nil {
		return nil, fmt.Errorf("manifest url: %w", ErrMalformed)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("manifest url %q is not absolute: %w", rc.OriginalURL, ErrMalformed)
	}
	return u, nil
}
