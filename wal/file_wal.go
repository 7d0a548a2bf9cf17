package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// WAL file settings
	walFilePerm       = 0600
	walDirPerm        = 0700
	defaultBufSize    = 64 * 1024        // 64KB buffer
	defaultMaxSegSize = 64 * 1024 * 1024 // 64MB default segment size
)

// Options configures a FileWAL
type Options struct {
	// MaxSegmentBytes triggers rotation once the current segment reaches it.
	// Zero selects the default (64MB).
	MaxSegmentBytes int64

	// Logger for WAL lifecycle events. Default: slog.Default().
	Logger *slog.Logger

	// OnAppend is called after every durable append with the encoded size
	// and the time spent in flush+sync.
	OnAppend func(bytes int, sync time.Duration)

	// Now supplies record timestamps. Default: time.Now.
	Now func() time.Time
}

// FileWAL is a file-based WAL implementation.
//
// Every Append is flushed and fsync'd before it returns. A failed write or
// sync puts the WAL in a failed state: durability of anything after the
// failure can no longer be assumed, so all later appends fail too.
type FileWAL struct {
	mu   sync.Mutex
	dir  string
	file *os.File
	buf  *bufio.Writer

	group        *Group
	started      bool
	failed       error
	segmentIndex int   // Current segment index
	segmentSize  int64 // Current segment size in bytes
	maxSegSize   int64 // Maximum segment size before rotation
	seq          uint64

	logger   *slog.Logger
	onAppend func(int, time.Duration)
	now      func() time.Time
}

// NewFileWAL creates a new file-based WAL
func NewFileWAL(dir string) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, Options{})
}

// NewFileWALWithOptions creates a new file-based WAL with custom options
func NewFileWALWithOptions(dir string, opts Options) (*FileWAL, error) {
	if dir == "" {
		return nil, errors.New("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	maxSegSize := opts.MaxSegmentBytes
	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &FileWAL{
		dir:        dir,
		maxSegSize: maxSegSize,
		group: &Group{
			Dir:     dir,
			Prefix:  "wal",
			MaxSize: maxSegSize,
		},
		logger:   logger.With(slog.String("component", "wal"), slog.String("dir", dir)),
		onAppend: opts.OnAppend,
		now:      now,
	}, nil
}

// Start opens the newest segment for appending.
//
// If the newest segment does not end on a record boundary (a torn write
// from a crash, or a corrupt record) the WAL starts a fresh segment instead
// of appending after the damaged bytes.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	segments, err := findSegments(w.dir)
	if err != nil {
		return fmt.Errorf("failed to find WAL segments: %w", err)
	}

	idx := 0
	if len(segments) > 0 {
		w.group.MinIndex = segments[0]
		idx = segments[len(segments)-1]

		clean, err := w.recoverSeq(segments)
		if err != nil {
			return err
		}
		if !clean {
			w.logger.Warn("newest WAL segment has a damaged tail, starting a new segment",
				slog.Int("segment", idx))
			idx++
		}
	}
	w.segmentIndex = idx
	w.group.MaxIndex = idx

	if err := w.openSegment(idx); err != nil {
		return err
	}

	w.started = true
	w.logger.Info("WAL started",
		slog.Int("segment", w.segmentIndex),
		slog.Int64("offset", w.segmentSize),
		slog.Uint64("last_seq", w.seq))
	return nil
}

// recoverSeq restores the sequence counter from the newest segments that
// hold records and reports whether the newest segment ends cleanly.
func (w *FileWAL) recoverSeq(segments []int) (bool, error) {
	clean := true
	for i := len(segments) - 1; i >= 0; i-- {
		last, tailOK, err := scanSegment(w.segmentPath(segments[i]), segments[i])
		if err != nil {
			return false, err
		}
		if i == len(segments)-1 {
			clean = tailOK
		}
		if last > 0 {
			w.seq = last
			break
		}
	}
	return clean, nil
}

// scanSegment returns the last decodable sequence number of a segment and
// whether the segment ends exactly on a record boundary
func scanSegment(path string, index int) (uint64, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}
	defer file.Close()

	var last uint64
	dec := NewDecoder(file, index, 0)
	for {
		rec, _, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return last, true, nil
		}
		if errors.Is(err, ErrIncompleteRecord) || errors.Is(err, ErrCorruptRecord) {
			return last, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		last = rec.Seq
	}
}

// segmentPath returns the file path for a segment index
func (w *FileWAL) segmentPath(index int) string {
	return filepath.Join(w.dir, segmentName(index))
}

// openSegment opens a segment file for writing
func (w *FileWAL) openSegment(index int) error {
	path := w.segmentPath(index)
	_, statErr := os.Stat(path)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}

	// Get current file size
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL segment: %w", err)
	}

	// A new directory entry must survive a crash before records in it count
	if os.IsNotExist(statErr) {
		if err := syncDir(w.dir); err != nil {
			file.Close()
			return fmt.Errorf("failed to sync WAL directory: %w", err)
		}
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.segmentSize = info.Size()

	return nil
}

// Stop closes the WAL file
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}

	w.started = false

	if w.failed == nil {
		if err := w.flushAndSync(); err != nil {
			w.file.Close()
			return err
		}
	}

	w.logger.Info("WAL stopped", slog.Int("segment", w.segmentIndex), slog.Uint64("last_seq", w.seq))
	return w.file.Close()
}

// Append encodes a record, writes it and syncs it to disk. On success the
// record is durable. The writer assigns Seq and, when unset, Time.
func (w *FileWAL) Append(rec *Record) (Position, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return Position{}, ErrWALClosed
	}
	if w.failed != nil {
		return Position{}, w.failed
	}

	// Check if rotation is needed before writing
	if w.segmentSize >= w.maxSegSize {
		if _, err := w.rotate(); err != nil {
			return Position{}, w.fail(fmt.Errorf("failed to rotate WAL: %w", err))
		}
	}

	rec.Seq = w.seq + 1
	if rec.Time == 0 {
		rec.Time = w.now().UnixNano()
	}
	line, err := Encode(rec)
	if err != nil {
		// Nothing was written; the WAL stays usable
		return Position{}, err
	}

	pos := Position{Segment: w.segmentIndex, Offset: w.segmentSize}
	if _, err := w.buf.Write(line); err != nil {
		return Position{}, w.fail(err)
	}
	start := time.Now()
	if err := w.flushAndSync(); err != nil {
		return Position{}, w.fail(err)
	}
	elapsed := time.Since(start)

	w.seq = rec.Seq
	w.segmentSize += int64(len(line))

	if w.onAppend != nil {
		w.onAppend(len(line), elapsed)
	}
	w.logger.Debug("record appended",
		slog.String("kind", rec.Kind.String()),
		slog.String("tag", rec.Tag),
		slog.Uint64("seq", rec.Seq),
		slog.String("pos", pos.String()))

	return pos, nil
}

// fail records a fatal I/O error; it is returned by every later append
func (w *FileWAL) fail(err error) error {
	w.failed = fmt.Errorf("%w: %v", ErrIoFailure, err)
	w.logger.Error("WAL write failed, refusing further appends", slog.String("error", err.Error()))
	return w.failed
}

// Rotate closes the current segment and opens a new one.
// It returns the position of the first byte of the new segment.
func (w *FileWAL) Rotate() (Position, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return Position{}, ErrWALClosed
	}
	if w.failed != nil {
		return Position{}, w.failed
	}
	pos, err := w.rotate()
	if err != nil {
		return Position{}, w.fail(err)
	}
	return pos, nil
}

// rotate closes the current segment and opens a new one
func (w *FileWAL) rotate() (Position, error) {
	// Flush and sync current segment
	if err := w.flushAndSync(); err != nil {
		return Position{}, err
	}

	// Close current file
	if err := w.file.Close(); err != nil {
		return Position{}, err
	}

	// Increment segment index
	w.segmentIndex++
	w.group.MaxIndex = w.segmentIndex

	// Open new segment
	if err := w.openSegment(w.segmentIndex); err != nil {
		return Position{}, err
	}
	w.logger.Info("WAL rotated", slog.Int("segment", w.segmentIndex))
	return Position{Segment: w.segmentIndex, Offset: w.segmentSize}, nil
}

// flushAndSync is the internal version that assumes lock is held
func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return syncFile(w.file)
}

// Position returns where the next record will be written
func (w *FileWAL) Position() Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Position{Segment: w.segmentIndex, Offset: w.segmentSize}
}

// LastSeq returns the sequence number of the last appended record
func (w *FileWAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// EnsureSeq raises the sequence counter to at least seq. Used after
// compaction removed the segments that held the latest sequence numbers.
func (w *FileWAL) EnsureSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Dir returns the WAL directory
func (w *FileWAL) Dir() string {
	return w.dir
}

// Group returns the WAL group
func (w *FileWAL) Group() *Group {
	w.mu.Lock()
	defer w.mu.Unlock()
	g := *w.group
	return &g
}

// Checkpoint deletes WAL segments that lie entirely before pos.
// This must only be called once the state up to pos is durably persisted
// elsewhere (a snapshot).
func (w *FileWAL) Checkpoint(pos Position) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	segments, err := findSegments(w.dir)
	if err != nil {
		return fmt.Errorf("failed to list WAL segments: %w", err)
	}

	deleted := 0
	for _, idx := range segments {
		// Never delete current segment
		if idx >= pos.Segment || idx >= w.segmentIndex {
			break
		}
		if err := os.Remove(w.segmentPath(idx)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete segment %d: %w", idx, err)
		}
		deleted++
	}

	if deleted > 0 {
		if err := syncDir(w.dir); err != nil {
			return fmt.Errorf("failed to sync WAL directory: %w", err)
		}
		w.group.MinIndex = min(pos.Segment, w.segmentIndex)
		w.logger.Info("WAL checkpoint", slog.String("pos", pos.String()), slog.Int("deleted_segments", deleted))
	}
	return nil
}

// Quarantine renames a closed segment so readers no longer see it. The
// bytes are kept for forensics.
func (w *FileWAL) Quarantine(segment int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started && segment == w.segmentIndex {
		return ErrActiveSegment
	}

	src := w.segmentPath(segment)
	dst := src + quarantineSuffix
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to quarantine segment %d: %w", segment, err)
	}
	w.logger.Warn("WAL segment quarantined", slog.Int("segment", segment), slog.String("path", dst))
	return syncDir(w.dir)
}

// SegmentCount returns the number of segments
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.group.MaxIndex - w.group.MinIndex + 1
}

// CurrentSegmentSize returns the size of the current segment
func (w *FileWAL) CurrentSegmentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentSize
}

// Ensure FileWAL implements WAL
var _ WAL = (*FileWAL)(nil)
