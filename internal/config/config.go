// Package config loads gateway settings from the environment or a YAML file.
package config

import (
	"errors"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/voyagen/iptvgate/internal/proxy"
)

// ErrMissingPayloadURL is returned when no payload URL template is configured.
var ErrMissingPayloadURL = errors.New("PLAYLIST_PAYLOAD_URL is required")

// Defaults.
const (
	DefaultServerPort       = "8080"
	DefaultCacheTTL         = 5 * time.Minute
	DefaultMaxOffset        = 1000
	DefaultPreferredOffset  = 98
	DefaultFetcherUA        = "iptvgate/1.0"
	DefaultFetcherTimeout   = 30 * time.Second
	DefaultUpstreamTimeout  = 20 * time.Second
	DefaultMaxManifestBytes = 8 << 20
	DefaultRateLimitRPM     = 120
	DefaultArchiveRetention = 500
)

// DefaultCategories are fetched when none are configured.
var DefaultCategories = []string{"indonesia", "event"}

// Config holds application configuration.
type Config struct {
	ServerPort    string `yaml:"server_port" env:"SERVER_PORT"`
	PublicBaseURL string `yaml:"public_base_url" env:"PUBLIC_BASE_URL"`

	ListingURL string        `yaml:"listing_url" env:"PLAYLIST_LISTING_URL"`
	PayloadURL string        `yaml:"payload_url" env:"PLAYLIST_PAYLOAD_URL"`
	Categories []string      `yaml:"categories" env:"PLAYLIST_CATEGORIES"`
	CacheTTL   time.Duration `yaml:"cache_ttl" env:"PLAYLIST_CACHE_TTL"`

	ScanMaxOffset       int `yaml:"scan_max_offset" env:"SCAN_MAX_OFFSET"`
	ScanPreferredOffset int `yaml:"scan_preferred_offset" env:"SCAN_PREFERRED_OFFSET"`

	UserAgent string        `yaml:"user_agent" env:"FETCHER_USER_AGENT"`
	Timeout   time.Duration `yaml:"timeout" env:"FETCHER_TIMEOUT"`

	UpstreamTimeout       time.Duration      `yaml:"upstream_timeout" env:"UPSTREAM_TIMEOUT"`
	MaxManifestBytes      int64              `yaml:"max_manifest_bytes" env:"MAX_MANIFEST_BYTES"`
	ProxyUserAgent        string             `yaml:"proxy_user_agent" env:"PROXY_USER_AGENT"`
	ProxyReferer          string             `yaml:"proxy_referer" env:"PROXY_REFERER"`
	ProxyOrigin           string             `yaml:"proxy_origin" env:"PROXY_ORIGIN"`
	ProxyAndroidUserAgent string             `yaml:"proxy_android_user_agent" env:"PROXY_ANDROID_USER_AGENT"`
	DomainOverrides       []proxy.DomainRule `yaml:"domain_overrides"`

	RedisURL    string `yaml:"redis_url" env:"REDIS_URL"`
	RedisPrefix string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	DataDir     string `yaml:"data_dir" env:"DATA_DIR"`

	ArchiveRetention int `yaml:"archive_retention" env:"ARCHIVE_RETENTION"`

	LogLevel     string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat    string `yaml:"log_format" env:"LOG_FORMAT"`
	RateLimitRPM int    `yaml:"rate_limit_rpm" env:"RATE_LIMIT_RPM"`
}

func defaults() *Config {
	return &Config{
		ServerPort:          DefaultServerPort,
		Categories:          append([]string(nil), DefaultCategories...),
		CacheTTL:            DefaultCacheTTL,
		ScanMaxOffset:       DefaultMaxOffset,
		ScanPreferredOffset: DefaultPreferredOffset,
		UserAgent:           DefaultFetcherUA,
		Timeout:             DefaultFetcherTimeout,
		UpstreamTimeout:     DefaultUpstreamTimeout,
		MaxManifestBytes:    DefaultMaxManifestBytes,
		RateLimitRPM:        DefaultRateLimitRPM,
		ArchiveRetention:    DefaultArchiveRetention,
	}
}

// Load builds config from environment variables.
// If PLAYLIST_PAYLOAD_URL is not set, Load tries to load .env.local and .env
// from the current directory and the executable's directory first.
// PLAYLIST_PAYLOAD_URL is required; everything else has a default.
func Load() (*Config, error) {
	if os.Getenv("PLAYLIST_PAYLOAD_URL") == "" {
		loadEnvFiles()
	}
	c := defaults()

	setString(&c.ServerPort, "SERVER_PORT")
	setString(&c.PublicBaseURL, "PUBLIC_BASE_URL")
	setString(&c.ListingURL, "PLAYLIST_LISTING_URL")
	setString(&c.PayloadURL, "PLAYLIST_PAYLOAD_URL")
	if s := os.Getenv("PLAYLIST_CATEGORIES"); s != "" {
		c.Categories = splitList(s)
	}
	setDuration(&c.CacheTTL, "PLAYLIST_CACHE_TTL")
	setInt(&c.ScanMaxOffset, "SCAN_MAX_OFFSET")
	setInt(&c.ScanPreferredOffset, "SCAN_PREFERRED_OFFSET")
	setString(&c.UserAgent, "FETCHER_USER_AGENT")
	setDuration(&c.Timeout, "FETCHER_TIMEOUT")
	setDuration(&c.UpstreamTimeout, "UPSTREAM_TIMEOUT")
	if s := os.Getenv("MAX_MANIFEST_BYTES"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			c.MaxManifestBytes = n
		}
	}
	setString(&c.ProxyUserAgent, "PROXY_USER_AGENT")
	setString(&c.ProxyReferer, "PROXY_REFERER")
	setString(&c.ProxyOrigin, "PROXY_ORIGIN")
	setString(&c.ProxyAndroidUserAgent, "PROXY_ANDROID_USER_AGENT")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.RedisPrefix, "REDIS_PREFIX")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.DataDir, "DATA_DIR")
	setInt(&c.ArchiveRetention, "ARCHIVE_RETENTION")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setInt(&c.RateLimitRPM, "RATE_LIMIT_RPM")

	if c.PayloadURL == "" {
		return nil, ErrMissingPayloadURL
	}
	return c, nil
}

// Policy builds the proxy header policy from the identity settings.
// Configured domain overrides are matched before the built-in origins.
func (c *Config) Policy() *proxy.Policy {
	rules := append(slices.Clone(c.DomainOverrides), proxy.KnownOrigins()...)
	return proxy.NewPolicy(
		proxy.DesktopProfile(c.ProxyUserAgent, c.ProxyReferer, c.ProxyOrigin),
		proxy.AndroidProfile(c.ProxyAndroidUserAgent),
		rules,
	)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return ":" + c.ServerPort
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Invalid numbers and durations keep the default.
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
