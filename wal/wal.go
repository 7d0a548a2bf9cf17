package wal

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/blockberries/graphberry/types"
)

// Errors
var (
	ErrWALClosed        = errors.New("WAL is closed")
	ErrWALNotFound      = errors.New("WAL file not found")
	ErrIoFailure        = errors.New("WAL I/O failure")
	ErrCorruptRecord    = errors.New("corrupt WAL record")
	ErrIncompleteRecord = errors.New("incomplete WAL record")
	ErrSegmentGap       = errors.New("WAL segment missing")
	ErrActiveSegment    = errors.New("cannot modify the active WAL segment")
	ErrInvalidRecord    = errors.New("invalid WAL record")
)

// CorruptRecordError reports bytes that cannot be decoded: a complete
// (newline terminated) line that is invalid, or an unterminated tail that
// cannot start any record. Offset is relative to the segment.
type CorruptRecordError struct {
	Segment int
	Offset  int64
	Reason  string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt WAL record at %s: %s", Position{Segment: e.Segment, Offset: e.Offset}, e.Reason)
}

func (e *CorruptRecordError) Unwrap() error { return ErrCorruptRecord }

// Position returns where the corrupt record starts
func (e *CorruptRecordError) Position() Position {
	return Position{Segment: e.Segment, Offset: e.Offset}
}

// RecordKind identifies the type of a WAL record
type RecordKind uint8

const (
	KindUnknown RecordKind = iota
	KindBegin
	KindSet
	KindMark
	KindEnd
)

var recordKindNames = map[RecordKind]string{
	KindBegin: "BEGIN",
	KindSet:   "SET",
	KindMark:  "MARK",
	KindEnd:   "END",
}

func (k RecordKind) String() string {
	if name, ok := recordKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("RecordKind(%d)", uint8(k))
}

func parseRecordKind(s string) RecordKind {
	for k, name := range recordKindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Record is a single WAL entry.
//
// Tag is the frame tag for BEGIN, SET and END, and the annotation tag for
// MARK. Object, Slot and Value are only meaningful for SET; Metadata only
// for BEGIN and MARK. Seq and Time are assigned by the writer.
type Record struct {
	Kind     RecordKind
	Seq      uint64
	Time     int64
	Tag      string
	Object   types.ObjectID
	Slot     types.SlotPath
	Value    types.Value
	Metadata map[string]types.Value
}

// NewBeginRecord creates a record opening frame tag
func NewBeginRecord(tag string, metadata map[string]types.Value) *Record {
	return &Record{Kind: KindBegin, Tag: tag, Metadata: metadata}
}

// NewSetRecord creates a record setting slot on object inside frame tag
func NewSetRecord(tag string, object types.ObjectID, slot types.SlotPath, value types.Value) *Record {
	return &Record{Kind: KindSet, Tag: tag, Object: object, Slot: slot, Value: value}
}

// NewMarkRecord creates an audit annotation
func NewMarkRecord(tag string, metadata map[string]types.Value) *Record {
	return &Record{Kind: KindMark, Tag: tag, Metadata: metadata}
}

// NewEndRecord creates a record closing frame tag
func NewEndRecord(tag string) *Record {
	return &Record{Kind: KindEnd, Tag: tag}
}

// Validate checks that the fields required by the record kind are present
func (r *Record) Validate() error {
	switch r.Kind {
	case KindBegin, KindEnd, KindMark:
		if r.Tag == "" {
			return fmt.Errorf("%s record without tag", r.Kind)
		}
	case KindSet:
		if r.Tag == "" {
			return errors.New("SET record without frame tag")
		}
		if err := r.Object.Validate(); err != nil {
			return err
		}
		if err := r.Slot.Validate(); err != nil {
			return err
		}
		if err := r.Value.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown record kind %d", r.Kind)
	}
	// JSON would replace invalid bytes with U+FFFD, mapping distinct
	// records to the same line
	if !utf8.ValidString(r.Tag) {
		return fmt.Errorf("%w: tag is not valid UTF-8", ErrInvalidRecord)
	}
	for k, v := range r.Metadata {
		if !utf8.ValidString(k) {
			return fmt.Errorf("%w: metadata key %q is not valid UTF-8", ErrInvalidRecord, k)
		}
		if err := v.Validate(); err != nil {
			return fmt.Errorf("metadata %q: %w", k, err)
		}
	}
	return nil
}

// Position addresses a byte offset inside a WAL segment
type Position struct {
	Segment int   `json:"segment" yaml:"segment"`
	Offset  int64 `json:"offset" yaml:"offset"`
}

// Compare orders positions by segment, then offset
func (p Position) Compare(o Position) int {
	switch {
	case p.Segment < o.Segment:
		return -1
	case p.Segment > o.Segment:
		return 1
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	}
	return 0
}

// Less reports whether p comes before o
func (p Position) Less(o Position) bool { return p.Compare(o) < 0 }

func (p Position) String() string {
	return fmt.Sprintf("%05d:%d", p.Segment, p.Offset)
}

// WAL interface for the record log
type WAL interface {
	// Append writes a record and syncs it to stable storage before returning
	Append(rec *Record) (Position, error)

	// Position returns where the next record will be written
	Position() Position

	// Rotate closes the current segment and starts a new one
	Rotate() (Position, error)

	// Checkpoint deletes segments entirely before pos
	Checkpoint(pos Position) error

	// Quarantine moves a closed segment out of the readable log
	Quarantine(segment int) error

	// LastSeq returns the sequence number of the last appended record
	LastSeq() uint64

	// EnsureSeq raises the sequence counter to at least seq
	EnsureSeq(seq uint64)

	// Start opens the WAL for writing
	Start() error

	// Stop flushes, syncs and closes the WAL
	Stop() error

	// Group returns the current segment group
	Group() *Group
}

// Reader interface for reading from WAL
type Reader interface {
	// Read returns the next record and its position. io.EOF ends the log.
	// ErrIncompleteRecord reports a torn segment tail; reading may continue
	// with the next segment. A *CorruptRecordError ends the readable log.
	Read() (*Record, Position, error)

	// Close closes the reader
	Close() error
}

// Group represents a group of WAL files (for rotation)
type Group struct {
	Dir      string
	Prefix   string
	MaxSize  int64
	MinIndex int
	MaxIndex int
}
