package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// Store kinds accepted by OpenStore
const (
	StoreFile   = "file"
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
)

// Store persists encoded snapshots. Save must be durable when it returns.
type Store interface {
	// Save stores data under meta, replacing an existing entry
	Save(ctx context.Context, meta Meta, data []byte) error

	// Load returns the data stored under meta, or ErrNoSnapshot
	Load(ctx context.Context, meta Meta) ([]byte, error)

	// List returns stored snapshots, newest first
	List(ctx context.Context) ([]Meta, error)

	// Delete removes a snapshot. Deleting a missing snapshot is not an error.
	Delete(ctx context.Context, meta Meta) error

	// Close releases the store
	Close() error
}

// OpenStore opens a store of the given kind rooted at dir
func OpenStore(kind, dir string, logger *slog.Logger) (Store, error) {
	switch kind {
	case StoreFile, "":
		return NewFileStore(dir)
	case StoreBadger:
		return OpenBadgerStore(BadgerConfig{Path: dir, SyncWrites: true, Logger: logger})
	case StoreSQLite:
		return OpenSQLiteStore(dir)
	default:
		return nil, fmt.Errorf("unknown snapshot store %q", kind)
	}
}

// sortNewestFirst orders metas by position, newest first
func sortNewestFirst(metas []Meta) {
	slices.SortFunc(metas, func(a, b Meta) int {
		return b.Position.Compare(a.Position)
	})
}
