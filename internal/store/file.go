package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/voyagen/iptvgate/internal/models"
)

// SnapshotFileName is the file written inside the data directory.
const SnapshotFileName = "playlist.json"

// File keeps the latest snapshot on disk. Writes are atomic so a crash
// never leaves a truncated file behind.
type File struct {
	path string
}

// NewFile returns a File storing its snapshot in dir, creating dir if
// needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &File{path: filepath.Join(dir, SnapshotFileName)}, nil
}

// Path returns the snapshot file location.
func (f *File) Path() string { return f.path }

// Name identifies the sink in logs.
func (f *File) Name() string { return "file" }

// Save atomically replaces the snapshot file.
func (f *File) Save(_ context.Context, snap *models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := renameio.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	return nil
}

// Load reads the snapshot file, or returns ErrNotFound if there is none.
func (f *File) Load(_ context.Context) (*models.Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return &snap, nil
}
