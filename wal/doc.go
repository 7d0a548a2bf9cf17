// Package wal implements the append-only record log backing the object graph.
//
// Every mutation of the live graph is persisted as a record before it becomes
// visible. After a restart the log is replayed (see package engine) to rebuild
// the graph up to the last committed transaction.
//
// # Core Interface
//
// WAL defines the interface for appending records and managing segments:
//
//	type WAL interface {
//	    Append(rec *Record) (Position, error)
//	    Rotate() (Position, error)
//	    Checkpoint(pos Position) error
//	    Start() error
//	    Stop() error
//	}
//
// # Implementation
//
// FileWAL: Disk-based WAL split into segment files. Every Append is flushed
// and fdatasync'd before it returns, so a returned Position is durable.
// A failed write or sync is sticky: all later appends fail with ErrIoFailure.
//
// # Record Kinds
//
//   - BEGIN: opens a frame (transaction) with audit metadata
//   - SET: sets a slot on an object inside a frame
//   - MARK: audit annotation, independent of frames
//   - END: closes a frame
//
// # File Format
//
// Each record is one line:
//
//	<8 hex digits: CRC32-C of payload> <JSON payload>\n
//
// The payload never contains a raw newline. A line without its terminator is
// a torn write (ErrIncompleteRecord); a terminated line that fails the
// checksum or does not parse is corrupt (*CorruptRecordError).
//
// # Segments
//
// Segments are named by a zero-padded index and rotated by size or on
// snapshot:
//
//	wal-00000
//	wal-00001
//
// Checkpoint deletes segments wholly covered by a snapshot. Quarantine
// renames a damaged segment to wal-NNNNN.corrupt.
//
// # Torn Tails
//
// If the newest segment does not end on a record boundary when the WAL
// starts, writing continues in a new segment. The damaged bytes are never
// overwritten and replay treats them as the end of the previous session.
//
// # Readers
//
// OpenReader reads across segments from any Position. Follow tails a live
// directory using fsnotify with a polling fallback and only ever delivers
// complete records.
//
// # Usage Example
//
//	w, err := wal.NewFileWAL("./data/wal")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := w.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
//	pos, err := w.Append(wal.NewBeginRecord("tx-1", nil))
package wal
