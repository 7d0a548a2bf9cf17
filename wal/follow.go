package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultFollowPollInterval bounds how long a follower can miss an append
// when filesystem notifications are lost or coalesced
const DefaultFollowPollInterval = 250 * time.Millisecond

// FollowFunc receives each record consumed by a follower
type FollowFunc func(rec *Record, pos Position) error

// Follower tails a WAL directory that another process or goroutine is
// appending to. Only newline-terminated records are delivered; a partially
// written record is retried on the next wakeup.
type Follower struct {
	Dir          string
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Follow tails dir starting at from until ctx is done or fn returns an error
func Follow(ctx context.Context, dir string, from Position, fn FollowFunc) error {
	f := &Follower{Dir: dir}
	return f.Run(ctx, from, fn)
}

// Run delivers records to fn until ctx is done or fn returns an error.
// It returns ctx.Err() on cancellation.
func (f *Follower) Run(ctx context.Context, from Position, fn FollowFunc) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "wal-follower"), slog.String("dir", f.Dir))

	interval := f.PollInterval
	if interval <= 0 {
		interval = DefaultFollowPollInterval
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(f.Dir); err != nil {
		return fmt.Errorf("failed to watch WAL directory: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pos := from
	for {
		pos, err = f.drain(pos, fn)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			logger.Debug("WAL directory event", slog.String("op", ev.Op.String()), slog.String("name", ev.Name))
		case werr, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			logger.Warn("watcher error", slog.String("error", werr.Error()))
		case <-ticker.C:
		}
	}
}

// drain delivers every complete record from pos on and returns the position
// after the last one delivered
func (f *Follower) drain(pos Position, fn FollowFunc) (Position, error) {
	for {
		// A segment is final once its successor exists; checking before the
		// read guarantees the read below saw all of it.
		nextExists := f.segmentExists(pos.Segment + 1)

		var err error
		pos, err = f.drainSegment(pos, fn)
		if err != nil {
			return pos, err
		}
		if !nextExists {
			return pos, nil
		}
		pos = Position{Segment: pos.Segment + 1}
	}
}

func (f *Follower) drainSegment(pos Position, fn FollowFunc) (Position, error) {
	file, err := os.Open(filepath.Join(f.Dir, segmentName(pos.Segment)))
	if err != nil {
		if os.IsNotExist(err) {
			return pos, nil
		}
		return pos, fmt.Errorf("failed to open WAL segment %d: %w", pos.Segment, err)
	}
	defer file.Close()

	if _, err := file.Seek(pos.Offset, io.SeekStart); err != nil {
		return pos, fmt.Errorf("failed to seek WAL segment %d: %w", pos.Segment, err)
	}

	dec := NewDecoder(file, pos.Segment, pos.Offset)
	for {
		rec, at, err := dec.Decode()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, ErrIncompleteRecord):
			// partial lines stay unconsumed
			return pos, nil
		default:
			return at, err
		}
		if err := fn(rec, at); err != nil {
			return pos, err
		}
		pos = Position{Segment: pos.Segment, Offset: dec.Offset()}
	}
}

func (f *Follower) segmentExists(index int) bool {
	_, err := os.Stat(filepath.Join(f.Dir, segmentName(index)))
	return err == nil
}
