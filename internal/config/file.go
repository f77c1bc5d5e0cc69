package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voyagen/iptvgate/internal/proxy"
)

type fileConfig struct {
	ServerPort    string `yaml:"server_port"`
	PublicBaseURL string `yaml:"public_base_url"`

	ListingURL string   `yaml:"listing_url"`
	PayloadURL string   `yaml:"payload_url"`
	Categories []string `yaml:"categories"`
	CacheTTL   string   `yaml:"cache_ttl"`

	ScanMaxOffset       int `yaml:"scan_max_offset"`
	ScanPreferredOffset int `yaml:"scan_preferred_offset"`

	UserAgent string `yaml:"user_agent"`
	Timeout   string `yaml:"timeout"`

	UpstreamTimeout       string             `yaml:"upstream_timeout"`
	MaxManifestBytes      int64              `yaml:"max_manifest_bytes"`
	ProxyUserAgent        string             `yaml:"proxy_user_agent"`
	ProxyReferer          string             `yaml:"proxy_referer"`
	ProxyOrigin           string             `yaml:"proxy_origin"`
	ProxyAndroidUserAgent string             `yaml:"proxy_android_user_agent"`
	DomainOverrides       []proxy.DomainRule `yaml:"domain_overrides"`

	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`

	ArchiveRetention int `yaml:"archive_retention"`

	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	RateLimitRPM int    `yaml:"rate_limit_rpm"`
}

// LoadFromFile loads config from a YAML file. payload_url is required.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.PayloadURL == "" {
		return nil, ErrMissingPayloadURL
	}
	for i, r := range f.DomainOverrides {
		if r.Pattern == "" {
			return nil, fmt.Errorf("domain_overrides[%d]: pattern is required", i)
		}
	}

	c := defaults()
	c.PayloadURL = f.PayloadURL
	c.ListingURL = f.ListingURL
	c.PublicBaseURL = f.PublicBaseURL
	c.DomainOverrides = f.DomainOverrides
	c.ProxyUserAgent = f.ProxyUserAgent
	c.ProxyReferer = f.ProxyReferer
	c.ProxyOrigin = f.ProxyOrigin
	c.ProxyAndroidUserAgent = f.ProxyAndroidUserAgent
	c.RedisURL = f.RedisURL
	c.RedisPrefix = f.RedisPrefix
	c.DatabaseURL = f.DatabaseURL
	c.DataDir = f.DataDir
	c.LogLevel = f.LogLevel
	c.LogFormat = f.LogFormat

	if f.ServerPort != "" {
		c.ServerPort = f.ServerPort
	}
	if len(f.Categories) > 0 {
		c.Categories = f.Categories
	}
	if f.UserAgent != "" {
		c.UserAgent = f.UserAgent
	}
	if f.ScanMaxOffset > 0 {
		c.ScanMaxOffset = f.ScanMaxOffset
	}
	if f.ScanPreferredOffset > 0 {
		c.ScanPreferredOffset = f.ScanPreferredOffset
	}
	if f.MaxManifestBytes > 0 {
		c.MaxManifestBytes = f.MaxManifestBytes
	}
	if f.RateLimitRPM > 0 {
		c.RateLimitRPM = f.RateLimitRPM
	}
	if f.ArchiveRetention > 0 {
		c.ArchiveRetention = f.ArchiveRetention
	}
	parseDuration(&c.CacheTTL, f.CacheTTL)
	parseDuration(&c.Timeout, f.Timeout)
	parseDuration(&c.UpstreamTimeout, f.UpstreamTimeout)
	return c, nil
}

func parseDuration(dst *time.Duration, s string) {
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		*dst = d
	}
}
