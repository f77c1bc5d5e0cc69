package fetcher

import (
	"context"
	"encoding/json"
	"path"
	"strings"

	"golang.org/x/mod/semver"
)

// listingEntry covers GitHub-contents style ({name,type}) and git-tree
// style ({path,type}) directory listings.
type listingEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// ResolveVersion returns the highest numeric version folder named by the
// listing, or DefaultVersion when there is no listing, it cannot be
// fetched, or no entry parses.
func (c *Client) ResolveVersion(ctx context.Context) string {
	if c.cfg.ListingURL == "" {
		return DefaultVersion
	}
	body, err := c.get(ctx, c.cfg.ListingURL)
	if err != nil {
		c.logger.Warn().Err(err).Msg("version listing unavailable, using default")
		return DefaultVersion
	}
	version := LatestVersion(body)
	c.logger.Debug().Str("version", version).Msg("resolved playlist version")
	return version
}

// LatestVersion picks the highest numeric directory name from a listing
// document. Names are compared component-wise, so 1.10 ranks above 1.9.
func LatestVersion(body []byte) string {
	entries, ok := parseListing(body)
	if !ok {
		return DefaultVersion
	}
	best, bestKey := DefaultVersion, ""
	found := false
	for _, e := range entries {
		switch strings.ToLower(e.Type) {
		case "", "dir", "tree":
		default:
			continue
		}
		name := e.Name
		if name == "" {
			name = path.Base(e.Path)
		}
		key, ok := parseVersion(name)
		if !ok {
			continue
		}
		if !found || semver.Compare(key, bestKey) > 0 {
			best, bestKey, found = name, key, true
		}
	}
	return best
}

func parseListing(body []byte) ([]listingEntry, bool) {
	var entries []listingEntry
	if err := json.Unmarshal(body, &entries); err == nil {
		return entries, true
	}
	var wrapped struct {
		Items []listingEntry `json:"items"`
		Tree  []listingEntry `json:"tree"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, false
	}
	return append(wrapped.Items, wrapped.Tree...), true
}

// parseVersion maps a dotted numeric folder name ("12", "3.2", "v1.10.4")
// to a comparable semver key. Anything else, including pre-release tags,
// is not a version.
func parseVersion(name string) (string, bool) {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "v")
	if s == "" {
		return "", false
	}
	v := "v" + s
	if !semver.IsValid(v) || semver.Prerelease(v) != "" || semver.Build(v) != "" {
		return "", false
	}
	return v, true
}
