package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/voyagen/iptvgate/internal/drm"
	"github.com/voyagen/iptvgate/internal/models"
	"github.com/voyagen/iptvgate/internal/proxy"
	"github.com/voyagen/iptvgate/internal/service"
	"github.com/voyagen/iptvgate/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePlaylist struct {
	mu     sync.Mutex
	snap   *models.Snapshot
	err    error
	stats  service.Stats
	forced int
}

func (f *fakePlaylist) Get(_ context.Context, force bool) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if force {
		f.forced++
	}
	return f.snap, f.err
}

func (f *fakePlaylist) Stats() service.Stats { return f.stats }

type fakeArchive struct {
	versions []store.VersionInfo
}

func (a *fakeArchive) ArchiveSnapshot(context.Context, *models.Snapshot) (int64, error) {
	return 0, nil
}

func (a *fakeArchive) ListVersions(_ context.Context, limit int) ([]store.VersionInfo, error) {
	return a.versions[:min(limit, len(a.versions))], nil
}

func (a *fakeArchive) LatestSnapshot(context.Context) (*models.Snapshot, error) {
	return nil, store.ErrNotFound
}

var fetchedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSnapshot() *models.Snapshot {
	return &models.Snapshot{
		Version:   "3.2",
		FetchedAt: fetchedAt,
		Channels: map[string][]models.Channel{
			"indonesia": {{ID: "rcti", Name: "RCTI", StreamURL: "https://cdn.example/rcti.m3u8", StreamKind: models.StreamHLS, Category: "indonesia"}},
			"event":     {},
		},
	}
}

func newServer(t *testing.T, pl Playlist, archive store.Archive, rpm int) *Server {
	t.Helper()
	nop := zerolog.Nop()
	return New(Options{
		Playlist:     pl,
		Archive:      archive,
		Proxy:        proxy.New(proxy.Config{PublicBaseURL: "http://gw.local", Logger: &nop}).Routes(),
		License:      drm.NewHandler(),
		RateLimitRPM: rpm,
		Logger:       &nop,
	})
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestPlaylist(t *testing.T) {
	pl := &fakePlaylist{snap: testSnapshot()}
	srv := newServer(t, pl, nil, 0)

	for _, path := range []string{"/api/playlist", "/playlist"} {
		rec := get(t, srv, http.MethodGet, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		var body map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.JSONEq(t, `"3.2"`, string(body["version"]))
		assert.JSONEq(t, `[]`, string(body["event"]))
		assert.Contains(t, string(body["indonesia"]), `"streamUrl":"https://cdn.example/rcti.m3u8"`)
		assert.JSONEq(t, "1772366400000", string(body["lastUpdated"]))
	}
	assert.Zero(t, pl.forced)

	rec := get(t, srv, http.MethodGet, "/api/playlist?refresh=true")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, pl.forced)

	rec = get(t, srv, http.MethodGet, "/api/playlist?refresh=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaylistFailure(t *testing.T) {
	srv := newServer(t, &fakePlaylist{err: errors.New("upstream down")}, nil, 0)
	rec := get(t, srv, http.MethodGet, "/api/playlist")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.NotEmpty(t, apiErr.Error)
	assert.Contains(t, apiErr.Detail, "upstream down")
}

func TestChannelLookup(t *testing.T) {
	srv := newServer(t, &fakePlaylist{snap: testSnapshot()}, nil, 0)

	rec := get(t, srv, http.MethodGet, "/api/channels/indonesia/rcti")
	require.Equal(t, http.StatusOK, rec.Code)
	var ch models.Channel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ch))
	assert.Equal(t, "RCTI", ch.Name)

	rec = get(t, srv, http.MethodGet, "/api/channels/event/rcti")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	pl := &fakePlaylist{}
	srv := newServer(t, pl, nil, 0)

	rec := get(t, srv, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"starting"`)

	pl.stats = service.Stats{
		Version:     "3.2",
		FetchedAt:   fetchedAt,
		Refreshes:   4,
		LastSuccess: fetchedAt,
		LastFailure: fetchedAt.Add(time.Minute),
		LastError:   "timeout",
	}
	rec = get(t, srv, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "3.2", body["version"])
	assert.Equal(t, "timeout", body["lastError"])
	assert.EqualValues(t, 4, body["refreshes"])
	assert.Contains(t, body, "lastUpdated")
}

func TestVersions(t *testing.T) {
	rec := get(t, newServer(t, &fakePlaylist{}, nil, 0), http.MethodGet, "/api/versions")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	archive := &fakeArchive{versions: []store.VersionInfo{
		{ID: 2, Version: "3.2", FetchedAt: fetchedAt, Channels: 10},
		{ID: 1, Version: "3.1", FetchedAt: fetchedAt.Add(-time.Hour), Channels: 9},
	}}
	srv := newServer(t, &fakePlaylist{}, archive, 0)

	rec = get(t, srv, http.MethodGet, "/api/versions?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Versions []store.VersionInfo `json:"versions"`
		Limit    int                 `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Limit)
	require.Len(t, body.Versions, 1)
	assert.Equal(t, "3.2", body.Versions[0].Version)

	rec = get(t, srv, http.MethodGet, "/api/versions?limit=-3")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreflightAndMounts(t *testing.T) {
	srv := newServer(t, &fakePlaylist{snap: testSnapshot()}, nil, 0)

	rec := get(t, srv, http.MethodOptions, "/api/playlist")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, srv, http.MethodOptions, "/proxy")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	rec = get(t, srv, http.MethodOptions, "/drm/clearkey")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = get(t, srv, http.MethodGet, "/proxy")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, srv, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRateLimit(t *testing.T) {
	srv := newServer(t, &fakePlaylist{snap: testSnapshot()}, nil, 2)

	for range 2 {
		assert.Equal(t, http.StatusOK, get(t, srv, http.MethodGet, "/api/playlist").Code)
	}
	rec := get(t, srv, http.MethodGet, "/api/playlist")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// the player alias is not limited
	assert.Equal(t, http.StatusOK, get(t, srv, http.MethodGet, "/playlist").Code)
}

func TestListenAndServeShutsDown(t *testing.T) {
	nop := zerolog.Nop()
	srv := New(Options{Addr: "127.0.0.1:0", Playlist: &fakePlaylist{}, Logger: &nop})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}

func TestWriteErr(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusBadGateway} {
		rec := httptest.NewRecorder()
		writeErr(rec, status, errors.New("boom"))

		require.Equal(t, status, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var apiErr APIError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
		assert.Equal(t, status, apiErr.Status)
		assert.Equal(t, http.StatusText(status), apiErr.Error)
		assert.Equal(t, "boom", apiErr.Detail)
	}
}
