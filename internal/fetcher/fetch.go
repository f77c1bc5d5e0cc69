// Package fetcher talks to the upstream playlist source: it discovers the
// current data version, downloads per-category payloads, recovers their
// JSON and normalises records into channels.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/voyagen/iptvgate/internal/httpx"
	"github.com/voyagen/iptvgate/internal/log"
	"github.com/voyagen/iptvgate/internal/metrics"
	"github.com/voyagen/iptvgate/internal/models"
	"github.com/voyagen/iptvgate/internal/obfuscate"
)

// DefaultVersion is used when the listing yields no numeric version folder.
const DefaultVersion = "default"

const maxPayloadBytes = 32 << 20

var (
	// ErrNoCategories is returned by FetchAll when every category failed.
	ErrNoCategories = errors.New("no category could be fetched")
	// ErrUndecodable is returned when a payload is neither plain nor
	// recoverable playlist JSON.
	ErrUndecodable = errors.New("payload is not recoverable playlist data")
)

// Config configures a Client.
type Config struct {
	// ListingURL returns the directory listing used to discover the latest
	// version folder. Optional.
	ListingURL string
	// PayloadURL is a template containing {version} and {category}.
	PayloadURL string
	Categories []string
	UserAgent  string
	Timeout    time.Duration

	MaxOffset       int
	PreferredOffset int

	HTTPClient *http.Client
	Logger     *zerolog.Logger
	Now        func() time.Time
}

// Client fetches playlist snapshots from the upstream source.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Client, filling defaults for unset fields.
func New(cfg Config) *Client {
	if len(cfg.Categories) == 0 {
		cfg.Categories = models.DefaultCategories
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOffset <= 0 {
		cfg.MaxOffset = obfuscate.DefaultMaxOffset
	}
	c := &Client{cfg: cfg, http: cfg.HTTPClient, now: cfg.Now}
	if c.http == nil {
		c.http = httpx.NewClient(cfg.Timeout)
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.Logger != nil {
		c.logger = *cfg.Logger
	} else {
		c.logger = log.WithComponent("fetcher")
	}
	return c
}

// FetchAll resolves the current version and then fetches every category
// concurrently. A failing category is logged and left out; the call only
// fails when no category succeeded.
func (c *Client) FetchAll(ctx context.Context) (*models.Snapshot, error) {
	version := c.ResolveVersion(ctx)

	results := make([][]models.Channel, len(c.cfg.Categories))
	ok := make([]bool, len(c.cfg.Categories))

	// Branches never return an error so one category can't cancel another.
	var g errgroup.Group
	for i, category := range c.cfg.Categories {
		g.Go(func() error {
			channels, err := c.FetchCategory(ctx, version, category)
			metrics.IncPlaylistCategory(category, err == nil)
			if err != nil {
				c.logger.Warn().Err(err).
					Str(log.FieldCategory, category).
					Str(log.FieldVersion, version).
					Msg("category fetch failed")
				return nil
			}
			results[i] = channels
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	snap := &models.Snapshot{
		Channels:  make(map[string][]models.Channel, len(c.cfg.Categories)),
		Version:   version,
		FetchedAt: c.now(),
	}
	for i, category := range c.cfg.Categories {
		if ok[i] {
			snap.Channels[category] = results[i]
		}
	}
	if len(snap.Channels) == 0 {
		return nil, fmt.Errorf("version %s: %w", version, ErrNoCategories)
	}
	return snap, nil
}

// FetchCategory downloads and decodes one category payload.
func (c *Client) FetchCategory(ctx context.Context, version, category string) ([]models.Channel, error) {
	target := PayloadURL(c.cfg.PayloadURL, version, category)
	body, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}
	records, offset, err := c.decode(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", category, err)
	}
	if offset > 0 {
		metrics.ObserveScanOffset(offset)
		c.logger.Debug().Str(log.FieldCategory, category).Int(log.FieldOffset, offset).Msg("recovered obfuscated payload")
	}
	channels := Normalize(records, category, &c.logger)
	c.logger.Info().
		Str(log.FieldCategory, category).
		Str(log.FieldVersion, version).
		Int("channels", len(channels)).
		Msg("category fetched")
	return channels, nil
}

// PayloadURL expands the payload template.
func PayloadURL(template, version, category string) string {
	return strings.NewReplacer("{version}", version, "{category}", category).Replace(template)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("ReadAll: %w", err)
	}
	return body, nil
}
