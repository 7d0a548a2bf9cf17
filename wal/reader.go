package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
)

// SegmentReader reads records across consecutive segments of a WAL
// directory, starting at an arbitrary position
type SegmentReader struct {
	dir     string
	segment int
	file    *os.File
	dec     *Decoder
	err     error
}

// OpenReader opens a reader positioned at from.
//
// The segment named by from must exist, unless it is the segment directly
// after the newest one and from.Offset is zero (a freshly rotated log whose
// new segment has not been created yet); that reader is immediately at EOF.
// ErrWALNotFound is returned when dir holds no segments at all.
func OpenReader(dir string, from Position) (*SegmentReader, error) {
	segments, err := findSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL segments: %w", err)
	}
	if len(segments) == 0 {
		return nil, ErrWALNotFound
	}

	r := &SegmentReader{dir: dir, segment: from.Segment}
	if !slices.Contains(segments, from.Segment) {
		newest := segments[len(segments)-1]
		if from.Segment == newest+1 && from.Offset == 0 {
			return r, nil
		}
		return nil, fmt.Errorf("%w: segment %d (have %d..%d)", ErrSegmentGap, from.Segment, segments[0], newest)
	}

	if err := r.open(from.Segment, from.Offset); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SegmentReader) open(segment int, offset int64) error {
	file, err := os.Open(filepath.Join(r.dir, segmentName(segment)))
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", segment, err)
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return fmt.Errorf("failed to seek WAL segment %d: %w", segment, err)
		}
	}
	r.segment = segment
	r.file = file
	r.dec = NewDecoder(file, segment, offset)
	return nil
}

// Read returns the next record and the position it starts at.
//
// A torn tail returns ErrIncompleteRecord once; the next call continues in
// the following segment. A corrupt record returns a *CorruptRecordError and
// every later call returns the same error.
func (r *SegmentReader) Read() (*Record, Position, error) {
	if r.err != nil {
		return nil, Position{}, r.err
	}
	for {
		if r.dec == nil {
			return nil, Position{Segment: r.segment}, io.EOF
		}

		rec, pos, err := r.dec.Decode()
		if err == nil || errors.Is(err, ErrIncompleteRecord) {
			return rec, pos, err
		}
		if !errors.Is(err, io.EOF) {
			r.err = err
			return nil, pos, err
		}

		advanced, err := r.advance()
		if err != nil {
			r.err = err
			return nil, pos, err
		}
		if !advanced {
			return nil, pos, io.EOF
		}
	}
}

// advance moves to the next segment if it exists
func (r *SegmentReader) advance() (bool, error) {
	segments, err := findSegments(r.dir)
	if err != nil {
		return false, fmt.Errorf("failed to list WAL segments: %w", err)
	}
	next := r.segment + 1
	if !slices.Contains(segments, next) {
		if len(segments) > 0 && segments[len(segments)-1] > next {
			return false, fmt.Errorf("%w: segment %d", ErrSegmentGap, next)
		}
		return false, nil
	}

	r.file.Close()
	r.file, r.dec = nil, nil
	if err := r.open(next, 0); err != nil {
		return false, err
	}
	return true, nil
}

// Position returns the position of the next byte to be read
func (r *SegmentReader) Position() Position {
	if r.dec == nil {
		return Position{Segment: r.segment}
	}
	return Position{Segment: r.segment, Offset: r.dec.Offset()}
}

// Close closes the reader
func (r *SegmentReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.dec = nil, nil
	return err
}

// Ensure SegmentReader implements Reader
var _ Reader = (*SegmentReader)(nil)
