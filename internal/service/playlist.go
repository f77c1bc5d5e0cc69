// Package service holds the process-wide playlist snapshot and decides
// when to go back to the upstream source.
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/voyagen/iptvgate/internal/cache"
	"github.com/voyagen/iptvgate/internal/log"
	"github.com/voyagen/iptvgate/internal/metrics"
	"github.com/voyagen/iptvgate/internal/models"
)

// DefaultTTL is the freshness window of a snapshot.
const DefaultTTL = 5 * time.Minute

// Refresh triggers, used as metric labels.
const (
	TriggerInitial    = "initial"
	TriggerForced     = "forced"
	TriggerBackground = "background"
	TriggerMirror     = "mirror"
)

// FetchFunc produces a complete new snapshot from upstream.
type FetchFunc func(ctx context.Context) (*models.Snapshot, error)

// Clock returns the current time.
type Clock func() time.Time

// Sink receives every successfully fetched snapshot. Failures are logged
// and never affect the served snapshot.
type Sink interface {
	Name() string
	Save(ctx context.Context, snap *models.Snapshot) error
}

// Loader can seed a cold start with a previously saved snapshot.
type Loader interface {
	Load(ctx context.Context) (*models.Snapshot, error)
}

// Mirror is a shared snapshot store that also coordinates refreshes
// between instances.
type Mirror interface {
	Sink
	Loader
	Lock(ctx context.Context, ttl time.Duration) (unlock func(), err error)
}

// Options configures a Playlist.
type Options struct {
	Fetch FetchFunc
	Now   Clock
	TTL   time.Duration
	// RefreshTimeout bounds background refreshes, which run detached
	// from any request.
	RefreshTimeout time.Duration
	Mirror         Mirror
	Sinks          []Sink
	Logger         *zerolog.Logger
}

// Stats describes the refresh history for health reporting.
type Stats struct {
	Version     string    `json:"version,omitempty"`
	FetchedAt   time.Time `json:"lastUpdated"`
	Channels    int       `json:"channels"`
	Fresh       bool      `json:"fresh"`
	Refreshing  bool      `json:"refreshing"`
	Refreshes   int64     `json:"refreshes"`
	Failures    int64     `json:"failures"`
	LastSuccess time.Time `json:"lastSuccess"`
	LastFailure time.Time `json:"lastFailure"`
	LastError   string    `json:"lastError,omitempty"`
}

// Playlist caches the current snapshot. Reads never block on upstream
// once a snapshot exists: stale data is served while at most one
// background refresh runs.
type Playlist struct {
	fetch          FetchFunc
	now            Clock
	ttl            time.Duration
	refreshTimeout time.Duration
	mirror         Mirror
	sinks          []Sink
	logger         zerolog.Logger

	current  atomic.Pointer[models.Snapshot]
	inflight atomic.Bool
	group    singleflight.Group
	wg       sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New creates a Playlist. Fetch is required.
func New(opts Options) *Playlist {
	p := &Playlist{
		fetch:          opts.Fetch,
		now:            opts.Now,
		ttl:            opts.TTL,
		refreshTimeout: opts.RefreshTimeout,
		mirror:         opts.Mirror,
		sinks:          opts.Sinks,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.ttl <= 0 {
		p.ttl = DefaultTTL
	}
	if p.refreshTimeout <= 0 {
		p.refreshTimeout = time.Minute
	}
	if opts.Logger != nil {
		p.logger = *opts.Logger
	} else {
		p.logger = log.WithComponent("playlist")
	}
	return p
}

// Get returns the current snapshot. With force, or when nothing is cached
// yet, it fetches synchronously. A stale snapshot is returned as is and
// triggers a background refresh.
func (p *Playlist) Get(ctx context.Context, force bool) (*models.Snapshot, error) {
	snap := p.current.Load()
	if snap != nil && !force {
		if !p.fresh(snap) {
			p.refreshInBackground()
		}
		return snap, nil
	}
	trigger := TriggerInitial
	if force {
		trigger = TriggerForced
	}
	return p.refreshNow(ctx, trigger)
}

// Current returns the cached snapshot without triggering anything.
func (p *Playlist) Current() *models.Snapshot {
	return p.current.Load()
}

// Warm seeds an empty cache from the mirror, then from any sink that can
// load, keeping the newest snapshot found. A warmed snapshot keeps its
// original fetch time, so it may already be stale.
func (p *Playlist) Warm(ctx context.Context) *models.Snapshot {
	if cur := p.current.Load(); cur != nil {
		return cur
	}
	loaders := make([]Loader, 0, len(p.sinks)+1)
	if p.mirror != nil {
		loaders = append(loaders, p.mirror)
	}
	for _, s := range p.sinks {
		if l, ok := s.(Loader); ok {
			loaders = append(loaders, l)
		}
	}
	var best *models.Snapshot
	for _, l := range loaders {
		snap, err := l.Load(ctx)
		if err != nil {
			p.logger.Debug().Err(err).Msg("warm start source unavailable")
			continue
		}
		if snap != nil && (best == nil || snap.FetchedAt.After(best.FetchedAt)) {
			best = snap
		}
	}
	if best == nil {
		return nil
	}
	if p.current.CompareAndSwap(nil, best) {
		p.publish(best)
		p.logger.Info().
			Str(log.FieldVersion, best.Version).
			Time("fetched_at", best.FetchedAt).
			Int("channels", best.Count()).
			Msg("warm start from saved snapshot")
	}
	return p.current.Load()
}

// Stats returns a copy of the refresh statistics.
func (p *Playlist) Stats() Stats {
	p.mu.Lock()
	st := p.stats
	p.mu.Unlock()
	if snap := p.current.Load(); snap != nil {
		st.Version = snap.Version
		st.FetchedAt = snap.FetchedAt
		st.Channels = snap.Count()
		st.Fresh = p.fresh(snap)
	}
	st.Refreshing = p.inflight.Load()
	return st
}

// Wait blocks until background refreshes have finished.
func (p *Playlist) Wait() {
	p.wg.Wait()
}

func (p *Playlist) fresh(snap *models.Snapshot) bool {
	return p.now().Sub(snap.FetchedAt) < p.ttl
}

// refreshNow fetches synchronously. Concurrent synchronous callers share
// one upstream fetch, which outlives a caller that gives up.
func (p *Playlist) refreshNow(ctx context.Context, trigger string) (*models.Snapshot, error) {
	ch := p.group.DoChan(trigger, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.refreshTimeout)
		defer cancel()
		return p.refresh(fctx, trigger)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Playlist) refreshInBackground() {
	if !p.inflight.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inflight.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), p.refreshTimeout)
		defer cancel()

		if p.mirror != nil {
			unlock, err := p.mirror.Lock(ctx, p.refreshTimeout)
			switch {
			case errors.Is(err, cache.ErrLocked):
				p.adoptMirror(ctx)
				return
			case err != nil:
				p.logger.Warn().Err(err).Msg("refresh lock unavailable, refreshing anyway")
			default:
				defer unlock()
			}
		}
		_, _ = p.refresh(ctx, TriggerBackground)
	}()
}

// adoptMirror takes the shared snapshot when another instance is
// refreshing and its copy is newer than ours.
func (p *Playlist) adoptMirror(ctx context.Context) {
	snap, err := p.mirror.Load(ctx)
	if err != nil {
		p.logger.Debug().Err(err).Msg("mirror snapshot unavailable")
		return
	}
	cur := p.current.Load()
	if cur != nil && !snap.FetchedAt.After(cur.FetchedAt) {
		return
	}
	p.current.Store(snap)
	p.publish(snap)
	metrics.IncPlaylistRefresh(TriggerMirror, true)
	p.logger.Info().Str(log.FieldVersion, snap.Version).Msg("adopted snapshot from mirror")
}

func (p *Playlist) refresh(ctx context.Context, trigger string) (*models.Snapshot, error) {
	start := p.now()
	snap, err := p.fetch(ctx)
	if err == nil && snap == nil {
		err = errors.New("fetch returned no snapshot")
	}
	metrics.IncPlaylistRefresh(trigger, err == nil)
	if err != nil {
		p.mu.Lock()
		p.stats.Failures++
		p.stats.LastFailure = p.now()
		p.stats.LastError = err.Error()
		p.mu.Unlock()
		p.logger.Error().Err(err).Str("trigger", trigger).Msg("playlist refresh failed")
		return nil, err
	}

	p.current.Store(snap)
	p.mu.Lock()
	p.stats.Refreshes++
	p.stats.LastSuccess = p.now()
	p.stats.LastError = ""
	p.mu.Unlock()
	p.publish(snap)

	p.logger.Info().
		Str("trigger", trigger).
		Str(log.FieldVersion, snap.Version).
		Int("channels", snap.Count()).
		Dur(log.FieldDuration, p.now().Sub(start)).
		Msg("playlist refreshed")

	p.save(ctx, snap)
	return snap, nil
}

func (p *Playlist) publish(snap *models.Snapshot) {
	for _, category := range snap.Categories() {
		metrics.SetPlaylistChannels(category, len(snap.Channels[category]))
	}
}

func (p *Playlist) save(ctx context.Context, snap *models.Snapshot) {
	sinks := p.sinks
	if p.mirror != nil {
		sinks = append([]Sink{p.mirror}, sinks...)
	}
	for _, s := range sinks {
		if err := s.Save(ctx, snap); err != nil {
			p.logger.Warn().Err(err).Str("sink", s.Name()).Msg("snapshot save failed")
		}
	}
}
