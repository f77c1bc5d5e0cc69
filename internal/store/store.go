// Package store persists playlist snapshots: a Postgres archive of every
// refresh and an on-disk copy of the latest one for warm starts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/voyagen/iptvgate/internal/models"
)

// ErrNotFound is returned when no archived snapshot matches.
var ErrNotFound = errors.New("snapshot not found")

// Archive records snapshot history.
type Archive interface {
	// ArchiveSnapshot stores snap and returns its archive id.
	ArchiveSnapshot(ctx context.Context, snap *models.Snapshot) (int64, error)
	// ListVersions returns the most recent archived refreshes, newest first.
	ListVersions(ctx context.Context, limit int) ([]VersionInfo, error)
	// LatestSnapshot returns the newest archived snapshot.
	LatestSnapshot(ctx context.Context) (*models.Snapshot, error)
}

// VersionInfo summarises one archived refresh.
type VersionInfo struct {
	ID        int64     `json:"id"`
	Version   string    `json:"version"`
	FetchedAt time.Time `json:"fetchedAt"`
	Channels  int       `json:"channels"`
}
