// Package metrics holds the Prometheus instruments for the playlist
// pipeline, the proxy and the license endpoint.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PlaylistRefreshTotal counts snapshot refresh attempts.
	PlaylistRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptvgate_playlist_refresh_total",
		Help: "Playlist snapshot refreshes by trigger and result",
	}, []string{"trigger", "result"})

	// PlaylistCategoryTotal counts per-category payload fetches.
	PlaylistCategoryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptvgate_playlist_category_fetch_total",
		Help: "Per-category payload fetches by result",
	}, []string{"category", "result"})

	// PlaylistChannels reports the channel count of the current snapshot.
	PlaylistChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "iptvgate_playlist_channels",
		Help: "Channels in the current snapshot per category",
	}, []string{"category"})

	// ScanOffset records the offset at which the obfuscated payload started.
	ScanOffset = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "iptvgate_scan_offset",
		Help:    "Offset at which the obfuscated playlist payload was found",
		Buckets: []float64{0, 1, 16, 64, 98, 128, 256, 512, 1000},
	})

	// ProxyRequestsTotal counts proxied requests by route and final state.
	ProxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptvgate_proxy_requests_total",
		Help: "Proxied requests by route and outcome",
	}, []string{"route", "outcome"})

	// UpstreamDuration tracks time to upstream response headers.
	UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iptvgate_upstream_header_seconds",
		Help:    "Time from request to upstream response headers",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	}, []string{"status_class"})

	// ManifestRewriteTotal counts manifest rewrites.
	ManifestRewriteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptvgate_manifest_rewrite_total",
		Help: "Manifest rewrites by kind and result",
	}, []string{"kind", "result"})

	// LicenseRequestsTotal counts ClearKey license translations.
	LicenseRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptvgate_clearkey_requests_total",
		Help: "ClearKey license requests by result",
	}, []string{"result"})
)

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// IncPlaylistRefresh records a refresh attempt.
func IncPlaylistRefresh(trigger string, ok bool) {
	PlaylistRefreshTotal.WithLabelValues(trigger, result(ok)).Inc()
}

// IncPlaylistCategory records a category fetch.
func IncPlaylistCategory(category string, ok bool) {
	PlaylistCategoryTotal.WithLabelValues(category, result(ok)).Inc()
}

// SetPlaylistChannels publishes the channel count of a category.
func SetPlaylistChannels(category string, n int) {
	PlaylistChannels.WithLabelValues(category).Set(float64(n))
}

// ObserveScanOffset records a recovered payload offset.
func ObserveScanOffset(offset int) {
	ScanOffset.Observe(float64(offset))
}

// IncProxyRequest records the terminal state of a proxied request.
func IncProxyRequest(route, outcome string) {
	ProxyRequestsTotal.WithLabelValues(route, outcome).Inc()
}

// ObserveUpstream records upstream header latency.
func ObserveUpstream(status int, d time.Duration) {
	UpstreamDuration.WithLabelValues(strconv.Itoa(status/100) + "xx").Observe(d.Seconds())
}

// IncManifestRewrite records a manifest rewrite.
func IncManifestRewrite(kind string, ok bool) {
	ManifestRewriteTotal.WithLabelValues(kind, result(ok)).Inc()
}

// IncLicenseRequest records a ClearKey license request.
func IncLicenseRequest(ok bool) {
	LicenseRequestsTotal.WithLabelValues(result(ok)).Inc()
}
