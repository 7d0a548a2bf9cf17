package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blockberries/graphberry/wal"
)

const (
	snapshotPrefix  = "snapshot-"
	snapshotSuffix  = ".json"
	snapshotPerm    = 0600
	snapshotDirPerm = 0700
)

// FileStore keeps one JSON file per snapshot in a directory.
// Files are written atomically: temp file, fsync, rename, fsync dir.
type FileStore struct {
	dir string
}

// NewFileStore creates a file store in dir
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty snapshot dir")
	}
	if err := os.MkdirAll(dir, snapshotDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func fileName(meta Meta) string {
	return fmt.Sprintf("%s%05d-%012d-%020d%s", snapshotPrefix, meta.Position.Segment, meta.Position.Offset, meta.LastSeq, snapshotSuffix)
}

func parseFileName(name string) (Meta, bool) {
	if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
		return Meta{}, false
	}
	var meta Meta
	body := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
	n, err := fmt.Sscanf(body, "%d-%d-%d", &meta.Position.Segment, &meta.Position.Offset, &meta.LastSeq)
	if err != nil || n != 3 || fileName(meta) != name {
		return Meta{}, false
	}
	return meta, true
}

func (s *FileStore) path(meta Meta) string {
	return filepath.Join(s.dir, fileName(meta))
}

// Save implements Store
func (s *FileStore) Save(_ context.Context, meta Meta, data []byte) error {
	return wal.WriteFileAtomic(s.path(meta), data, snapshotPerm)
}

// Load implements Store
func (s *FileStore) Load(_ context.Context, meta Meta) ([]byte, error) {
	data, err := os.ReadFile(s.path(meta))
	if os.IsNotExist(err) {
		return nil, ErrNoSnapshot
	}
	return data, err
}

// List implements Store
func (s *FileStore) List(_ context.Context) ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	var metas []Meta
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if meta, ok := parseFileName(e.Name()); ok {
			metas = append(metas, meta)
		}
	}
	sortNewestFirst(metas)
	return metas, nil
}

// Delete implements Store
func (s *FileStore) Delete(_ context.Context, meta Meta) error {
	if err := os.Remove(s.path(meta)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close implements Store
func (s *FileStore) Close() error { return nil }

// Dir returns the snapshot directory
func (s *FileStore) Dir() string { return s.dir }

var _ Store = (*FileStore)(nil)
