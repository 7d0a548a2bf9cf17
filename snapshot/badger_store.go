package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/blockberries/graphberry/wal"
)

var badgerKeyPrefix = []byte("snapshot/")

// BadgerConfig configures a BadgerStore
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory. Useful for testing.
	InMemory bool

	// SyncWrites makes every commit durable before it returns.
	SyncWrites bool

	// Logger for BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore keeps snapshots in a BadgerDB keyed by log position
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens or creates a BadgerDB snapshot store
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent snapshot store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create snapshot store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// badgerKey sorts lexicographically in position order
func badgerKey(meta Meta) []byte {
	return fmt.Appendf(append([]byte{}, badgerKeyPrefix...), "%010d-%020d-%020d",
		meta.Position.Segment, meta.Position.Offset, meta.LastSeq)
}

func parseBadgerKey(key []byte) (Meta, bool) {
	var meta Meta
	var seg int
	var off int64
	n, err := fmt.Sscanf(string(key[len(badgerKeyPrefix):]), "%d-%d-%d", &seg, &off, &meta.LastSeq)
	if err != nil || n != 3 {
		return Meta{}, false
	}
	meta.Position = wal.Position{Segment: seg, Offset: off}
	return meta, true
}

// Save implements Store
func (s *BadgerStore) Save(_ context.Context, meta Meta, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(meta), data)
	})
}

// Load implements Store
func (s *BadgerStore) Load(_ context.Context, meta Meta) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(meta))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoSnapshot
	}
	return data, err
}

// List implements Store
func (s *BadgerStore) List(_ context.Context) ([]Meta, error) {
	var metas []Meta
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if meta, ok := parseBadgerKey(it.Item().Key()); ok {
				metas = append(metas, meta)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(metas)
	return metas, nil
}

// Delete implements Store
func (s *BadgerStore) Delete(_ context.Context, meta Meta) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(meta))
	})
}

// Close implements Store
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
