package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyagen/iptvgate/internal/models"
)

// DefaultRetention is how many archived refreshes are kept.
const DefaultRetention = 500

// Postgres implements Archive using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
	keep int
}

// NewPostgres creates a Postgres archive from a DSN that keeps the
// DefaultRetention newest refreshes. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool, keep: DefaultRetention}, nil
}

// SetRetention changes how many refreshes are kept; n <= 0 keeps all.
func (p *Postgres) SetRetention(n int) {
	p.keep = n
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Name identifies the archive in logs.
func (p *Postgres) Name() string { return "postgres" }

// Save archives snap. It lets Postgres act as a snapshot sink.
func (p *Postgres) Save(ctx context.Context, snap *models.Snapshot) error {
	_, err := p.ArchiveSnapshot(ctx, snap)
	return err
}

// ArchiveSnapshot stores the snapshot payload and its channel rows in one
// transaction. A refresh whose channels match the newest archived one only
// bumps that row's fetched_at and payload. Rows beyond the retention are
// pruned.
func (p *Postgres) ArchiveSnapshot(ctx context.Context, snap *models.Snapshot) (int64, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err := contentHash(snap)
	if err != nil {
		return 0, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		id       int64
		lastHash string
	)
	err = tx.QueryRow(ctx,
		`SELECT id, content_hash FROM playlist_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&id, &lastHash)
	switch {
	case err == nil && lastHash == hash:
		_, err = tx.Exec(ctx,
			`UPDATE playlist_snapshots SET fetched_at = $2, payload = $3 WHERE id = $1`,
			id, snap.FetchedAt, payload)
		if err != nil {
			return 0, fmt.Errorf("touch snapshot: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("commit: %w", err)
		}
		return id, nil
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return 0, fmt.Errorf("latest snapshot: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO playlist_snapshots (version, fetched_at, channels, payload, content_hash)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		snap.Version, snap.FetchedAt, snap.Count(), payload, hash,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}

	rows := make([][]any, 0, snap.Count())
	for _, category := range snap.Categories() {
		for i, ch := range snap.Channels[category] {
			rows = append(rows, []any{id, category, i, ch.ID, ch.Name, ch.StreamURL, string(ch.StreamKind), ch.LicenseRef != ""})
		}
	}
	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"playlist_channels"},
			[]string{"snapshot_id", "category", "position", "channel_id", "name", "stream_url", "stream_kind", "has_license"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return 0, fmt.Errorf("copy channels: %w", err)
		}
	}
	if p.keep > 0 {
		// channel rows go with their snapshot (ON DELETE CASCADE)
		_, err = tx.Exec(ctx,
			`DELETE FROM playlist_snapshots
			 WHERE id <= (SELECT id FROM playlist_snapshots ORDER BY id DESC OFFSET $1 LIMIT 1)`,
			p.keep)
		if err != nil {
			return 0, fmt.Errorf("prune snapshots: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// ListVersions returns up to limit archived refreshes, newest first.
func (p *Postgres) ListVersions(ctx context.Context, limit int) ([]VersionInfo, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, version, fetched_at, channels
		 FROM playlist_snapshots
		 ORDER BY fetched_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListVersions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (VersionInfo, error) {
		var v VersionInfo
		err := row.Scan(&v.ID, &v.Version, &v.FetchedAt, &v.Channels)
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("ListVersions: %w", err)
	}
	return out, nil
}

// LatestSnapshot returns the newest archived snapshot, or ErrNotFound.
func (p *Postgres) LatestSnapshot(ctx context.Context) (*models.Snapshot, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM playlist_snapshots ORDER BY fetched_at DESC, id DESC LIMIT 1`,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("LatestSnapshot: %w", err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("LatestSnapshot: decode: %w", err)
	}
	return &snap, nil
}

// Load returns the latest archived snapshot so the archive can seed a
// cold start.
func (p *Postgres) Load(ctx context.Context) (*models.Snapshot, error) {
	return p.LatestSnapshot(ctx)
}

// contentHash fingerprints what a refresh delivered: the version and the
// channel lists, but not when it was fetched.
func contentHash(snap *models.Snapshot) (string, error) {
	data, err := json.Marshal(struct {
		Version  string                      `json:"version"`
		Channels map[string][]models.Channel `json:"channels"`
	}{snap.Version, snap.Channels})
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
