package cache

import (
	"context"
	"time"

	"github.com/voyagen/iptvgate/internal/models"
)

// Default keys for the shared snapshot and its refresh lock.
const (
	DefaultSnapshotKey = "iptvgate:playlist:snapshot"
	DefaultLockKey     = "iptvgate:playlist:refresh-lock"
)

// SnapshotMirror stores the latest playlist snapshot in Redis and guards
// upstream refreshes across instances.
type SnapshotMirror struct {
	r       *Redis
	key     string
	lockKey string
	ttl     time.Duration
}

// NewSnapshotMirror returns a mirror using the default keys. The stored
// snapshot expires after ttl (zero keeps it forever).
func NewSnapshotMirror(r *Redis, ttl time.Duration) *SnapshotMirror {
	return &SnapshotMirror{r: r, key: DefaultSnapshotKey, lockKey: DefaultLockKey, ttl: ttl}
}

// WithPrefix namespaces the mirror keys, e.g. per deployment. An empty
// prefix keeps the default keys.
func (m *SnapshotMirror) WithPrefix(prefix string) *SnapshotMirror {
	cp := *m
	if prefix == "" {
		return &cp
	}
	cp.key = prefix + ":" + DefaultSnapshotKey
	cp.lockKey = prefix + ":" + DefaultLockKey
	return &cp
}

// Save stores snap as the shared snapshot.
func (m *SnapshotMirror) Save(ctx context.Context, snap *models.Snapshot) error {
	return Set(ctx, m.r, m.key, snap, m.ttl)
}

// Load returns the shared snapshot, or ErrMiss.
func (m *SnapshotMirror) Load(ctx context.Context) (*models.Snapshot, error) {
	snap, err := Get[models.Snapshot](ctx, m.r, m.key)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Lock takes the cross-instance refresh lock. ErrLocked means another
// instance is refreshing.
func (m *SnapshotMirror) Lock(ctx context.Context, ttl time.Duration) (func(), error) {
	return TryLock(ctx, m.r, m.lockKey, ttl)
}

// Purge removes the snapshot and any lock held under this mirror's keys.
func (m *SnapshotMirror) Purge(ctx context.Context) error {
	return Del(ctx, m.r, m.key, m.lockKey)
}

// Name identifies the mirror in logs.
func (m *SnapshotMirror) Name() string { return "redis" }
