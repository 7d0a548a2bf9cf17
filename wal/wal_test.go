package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockberries/graphberry/types"
)

func testRecords() []*Record {
	return []*Record{
		NewBeginRecord("f1", map[string]types.Value{"user": types.String("alice")}),
		NewSetRecord("f1", "obj1", "kind", types.String("Rectangle")),
		NewSetRecord("f1", "obj1", "width", types.Int(40)),
		NewMarkRecord("checkpoint", nil),
		NewEndRecord("f1"),
	}
}

func startWAL(t *testing.T, dir string, opts Options) *FileWAL {
	t.Helper()
	w, err := NewFileWALWithOptions(dir, opts)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	return w
}

type readResult struct {
	rec *Record
	pos Position
}

// readAll reads from `from` until EOF, skipping torn tails
func readAll(t *testing.T, dir string, from Position) []readResult {
	t.Helper()
	reader, err := OpenReader(dir, from)
	if err != nil {
		t.Fatalf("failed to open WAL for reading: %v", err)
	}
	defer reader.Close()

	var out []readResult
	for {
		rec, pos, err := reader.Read()
		if err == io.EOF {
			return out
		}
		if errors.Is(err, ErrIncompleteRecord) {
			continue
		}
		if err != nil {
			t.Fatalf("failed to read record: %v", err)
		}
		out = append(out, readResult{rec, pos})
	}
}

func TestFileWALBasic(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	// Start WAL
	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	for _, rec := range testRecords() {
		if _, err := wal.Append(rec); err != nil {
			t.Fatalf("failed to append record: %v", err)
		}
	}

	// Stop WAL
	if err := wal.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	// Verify segment file exists
	walPath := filepath.Join(dir, "wal-00000")
	if _, err := os.Stat(walPath); os.IsNotExist(err) {
		t.Error("WAL segment file should exist")
	}
}

func TestFileWALReadWrite(t *testing.T) {
	dir := t.TempDir()
	wal := startWAL(t, dir, Options{})

	records := testRecords()
	var positions []Position
	for _, rec := range records {
		pos, err := wal.Append(rec)
		if err != nil {
			t.Fatalf("failed to append record: %v", err)
		}
		positions = append(positions, pos)
	}
	if wal.LastSeq() != uint64(len(records)) {
		t.Errorf("expected last seq %d, got %d", len(records), wal.LastSeq())
	}

	if err := wal.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	got := readAll(t, dir, Position{})
	if len(got) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(got))
	}
	for i, r := range got {
		want := records[i]
		if r.rec.Kind != want.Kind || r.rec.Tag != want.Tag || r.rec.Object != want.Object || r.rec.Slot != want.Slot {
			t.Errorf("record %d: expected %s %s, got %s %s", i, want.Kind, want.Tag, r.rec.Kind, r.rec.Tag)
		}
		if !r.rec.Value.Equal(want.Value) {
			t.Errorf("record %d: expected value %s, got %s", i, want.Value, r.rec.Value)
		}
		if !types.EqualMetadata(r.rec.Metadata, want.Metadata) {
			t.Errorf("record %d: metadata mismatch", i)
		}
		if r.rec.Seq != uint64(i+1) {
			t.Errorf("record %d: expected seq %d, got %d", i, i+1, r.rec.Seq)
		}
		if r.rec.Time == 0 {
			t.Errorf("record %d: timestamp not assigned", i)
		}
		if r.pos != positions[i] {
			t.Errorf("record %d: expected position %s, got %s", i, positions[i], r.pos)
		}
	}

	// Reading from the middle starts at that record
	got = readAll(t, dir, positions[2])
	if len(got) != len(records)-2 || got[0].rec.Slot != "width" {
		t.Errorf("expected to resume at the width record, got %d records", len(got))
	}
}

func TestFileWALAppendBeforeStart(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	// Appending before start should fail
	_, err = wal.Append(NewEndRecord("f1"))
	if err != ErrWALClosed {
		t.Errorf("expected ErrWALClosed, got %v", err)
	}
}

func TestFileWALAppendInvalidRecord(t *testing.T) {
	wal := startWAL(t, t.TempDir(), Options{})
	defer wal.Stop()

	if _, err := wal.Append(NewSetRecord("f1", "", "x", types.Int(1))); !errors.Is(err, types.ErrInvalidObjectID) {
		t.Errorf("expected ErrInvalidObjectID, got %v", err)
	}
	// An encode failure must not poison the WAL
	if _, err := wal.Append(NewEndRecord("f1")); err != nil {
		t.Errorf("append after rejected record failed: %v", err)
	}
	if wal.LastSeq() != 1 {
		t.Errorf("expected last seq 1, got %d", wal.LastSeq())
	}
}

func TestFileWALDoubleStart(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	// First start
	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	// Second start should be a no-op
	if err := wal.Start(); err != nil {
		t.Errorf("double start should be a no-op, got: %v", err)
	}

	if err := wal.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}
}

func TestFileWALDoubleStop(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	// First stop
	if err := wal.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	// Second stop should be a no-op
	if err := wal.Stop(); err != nil {
		t.Errorf("double stop should be a no-op, got: %v", err)
	}
}

func TestOpenReaderNotFound(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenReader(dir, Position{})
	if err != ErrWALNotFound {
		t.Errorf("expected ErrWALNotFound, got %v", err)
	}

	_, err = FirstPosition(dir)
	if err != ErrWALNotFound {
		t.Errorf("expected ErrWALNotFound, got %v", err)
	}
}

func TestFileWALRotation(t *testing.T) {
	dir := t.TempDir()
	wal := startWAL(t, dir, Options{MaxSegmentBytes: 256})

	const n = 40
	for i := 0; i < n; i++ {
		if _, err := wal.Append(NewSetRecord("f1", "obj1", "x", types.Int(int64(i)))); err != nil {
			t.Fatalf("failed to append record %d: %v", i, err)
		}
	}
	if wal.SegmentCount() < 2 {
		t.Fatalf("expected rotation, got %d segments", wal.SegmentCount())
	}
	if err := wal.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	got := readAll(t, dir, Position{})
	if len(got) != n {
		t.Fatalf("expected %d records across segments, got %d", n, len(got))
	}
	for i, r := range got {
		if v, _ := r.rec.Value.AsInt(); v != int64(i) {
			t.Errorf("record %d out of order: value %d", i, v)
		}
		if i > 0 && !got[i-1].pos.Less(r.pos) {
			t.Errorf("positions not increasing: %s then %s", got[i-1].pos, r.pos)
		}
	}
}

func TestFileWALCheckpoint(t *testing.T) {
	dir := t.TempDir()
	wal := startWAL(t, dir, Options{})
	defer wal.Stop()

	wal.Append(NewBeginRecord("f1", nil))
	wal.Append(NewEndRecord("f1"))

	pos, err := wal.Rotate()
	if err != nil {
		t.Fatalf("failed to rotate: %v", err)
	}
	if pos != (Position{Segment: 1}) {
		t.Errorf("expected rotate to return 00001:0, got %s", pos)
	}
	if wal.Position() != pos {
		t.Errorf("expected write position %s, got %s", pos, wal.Position())
	}
	wal.Append(NewMarkRecord("after", nil))

	if err := wal.Checkpoint(pos); err != nil {
		t.Fatalf("failed to checkpoint: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "wal-00000")); !os.IsNotExist(err) {
		t.Error("covered segment should be deleted")
	}
	first, err := FirstPosition(dir)
	if err != nil {
		t.Fatalf("failed to get first position: %v", err)
	}
	if first != pos {
		t.Errorf("expected first position %s, got %s", pos, first)
	}
	if wal.Group().MinIndex != 1 {
		t.Errorf("expected min index 1, got %d", wal.Group().MinIndex)
	}

	// Reading the compacted prefix is a gap
	if _, err := OpenReader(dir, Position{}); !errors.Is(err, ErrSegmentGap) {
		t.Errorf("expected ErrSegmentGap, got %v", err)
	}

	// The active segment is never deleted
	if err := wal.Checkpoint(Position{Segment: 99}); err != nil {
		t.Fatalf("failed to checkpoint: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "wal-00001")); err != nil {
		t.Errorf("active segment was deleted: %v", err)
	}
}

func TestFileWALTornTailStartsNewSegment(t *testing.T) {
	dir := t.TempDir()
	wal := startWAL(t, dir, Options{})
	for _, rec := range testRecords() {
		wal.Append(rec)
	}
	wal.Stop()

	// Simulate a crash in the middle of a write
	line, err := Encode(&Record{Kind: KindBegin, Seq: 6, Tag: "f2"})
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "wal-00000"), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("failed to open segment: %v", err)
	}
	f.Write(line[:len(line)/2])
	f.Close()

	wal = startWAL(t, dir, Options{})
	if got := wal.Position(); got != (Position{Segment: 1}) {
		t.Errorf("expected writer to move to a new segment, got %s", got)
	}
	if wal.LastSeq() != 5 {
		t.Errorf("expected last seq 5 after restart, got %d", wal.LastSeq())
	}
	if _, err := wal.Append(NewMarkRecord("resumed", nil)); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	wal.Stop()

	reader, err := OpenReader(dir, Position{})
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer reader.Close()

	var torn, read int
	var last *Record
	for {
		rec, _, err := reader.Read()
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrIncompleteRecord) {
			torn++
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		read++
		last = rec
	}
	if torn != 1 || read != 6 {
		t.Errorf("expected 6 records and 1 torn tail, got %d and %d", read, torn)
	}
	if last == nil || last.Tag != "resumed" || last.Seq != 6 {
		t.Errorf("expected resumed mark with seq 6, got %+v", last)
	}
}

func TestFileWALSeqRecovery(t *testing.T) {
	dir := t.TempDir()
	wal := startWAL(t, dir, Options{})
	wal.Append(NewMarkRecord("a", nil))
	wal.Append(NewMarkRecord("b", nil))
	wal.Rotate()
	wal.Stop()

	// The newest segment is empty; the counter comes from the previous one
	wal = startWAL(t, dir, Options{})
	defer wal.Stop()
	if wal.LastSeq() != 2 {
		t.Errorf("expected last seq 2, got %d", wal.LastSeq())
	}

	wal.EnsureSeq(10)
	wal.EnsureSeq(3)
	if wal.LastSeq() != 10 {
		t.Errorf("expected last seq 10, got %d", wal.LastSeq())
	}
}

func TestFileWALQuarantine(t *testing.T) {
	dir := t.TempDir()
	wal := startWAL(t, dir, Options{})
	defer wal.Stop()

	wal.Append(NewMarkRecord("a", nil))
	if err := wal.Quarantine(0); err != ErrActiveSegment {
		t.Errorf("expected ErrActiveSegment, got %v", err)
	}

	wal.Rotate()
	if err := wal.Quarantine(0); err != nil {
		t.Fatalf("failed to quarantine: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "wal-00000.corrupt")); err != nil {
		t.Errorf("quarantined segment should be kept: %v", err)
	}
	segments, _ := findSegments(dir)
	if len(segments) != 1 || segments[0] != 1 {
		t.Errorf("expected only segment 1 to remain, got %v", segments)
	}
}

func TestFileWALFailedState(t *testing.T) {
	dir := t.TempDir()
	wal := startWAL(t, dir, Options{})

	// Pull the file out from under the writer
	wal.file.Close()

	_, err := wal.Append(NewMarkRecord("a", nil))
	if !errors.Is(err, ErrIoFailure) {
		t.Fatalf("expected ErrIoFailure, got %v", err)
	}
	_, err = wal.Append(NewMarkRecord("b", nil))
	if !errors.Is(err, ErrIoFailure) {
		t.Errorf("expected failure to be sticky, got %v", err)
	}
	if _, err := wal.Rotate(); !errors.Is(err, ErrIoFailure) {
		t.Errorf("expected rotate to fail, got %v", err)
	}
	if wal.LastSeq() != 0 {
		t.Errorf("failed append must not advance seq, got %d", wal.LastSeq())
	}
	wal.Stop()
}

func TestOnAppendCallback(t *testing.T) {
	var calls, total int
	wal := startWAL(t, t.TempDir(), Options{OnAppend: func(n int, _ time.Duration) {
		calls++
		total += n
	}})
	defer wal.Stop()

	for _, rec := range testRecords() {
		wal.Append(rec)
	}
	if calls != 5 {
		t.Errorf("expected 5 callbacks, got %d", calls)
	}
	if int64(total) != wal.CurrentSegmentSize() {
		t.Errorf("expected %d bytes reported, got %d", wal.CurrentSegmentSize(), total)
	}
}

func TestSegmentReaderGap(t *testing.T) {
	dir := t.TempDir()
	line, _ := Encode(&Record{Kind: KindMark, Seq: 1, Tag: "a"})
	os.WriteFile(filepath.Join(dir, segmentName(0)), line, 0600)
	os.WriteFile(filepath.Join(dir, segmentName(2)), line, 0600)

	reader, err := OpenReader(dir, Position{})
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer reader.Close()

	if _, _, err := reader.Read(); err != nil {
		t.Fatalf("failed to read first record: %v", err)
	}
	if _, _, err := reader.Read(); !errors.Is(err, ErrSegmentGap) {
		t.Errorf("expected ErrSegmentGap, got %v", err)
	}
}

func TestSegmentReaderCorruptIsSticky(t *testing.T) {
	dir := t.TempDir()
	good, _ := Encode(&Record{Kind: KindMark, Seq: 1, Tag: "a"})
	data := append(append([]byte{}, good...), []byte("zzzzzzzz {}\n")...)
	data = append(data, good...)
	os.WriteFile(filepath.Join(dir, segmentName(0)), data, 0600)

	reader, err := OpenReader(dir, Position{})
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer reader.Close()

	reader.Read()
	_, pos, err := reader.Read()
	var cerr *CorruptRecordError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CorruptRecordError, got %v", err)
	}
	if cerr.Offset != int64(len(good)) || pos.Offset != int64(len(good)) {
		t.Errorf("expected corruption at offset %d, got %d", len(good), cerr.Offset)
	}
	if _, _, err := reader.Read(); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("expected corruption to be sticky, got %v", err)
	}
}

func TestOpenReaderAfterRotation(t *testing.T) {
	dir := t.TempDir()
	line, _ := Encode(&Record{Kind: KindMark, Seq: 1, Tag: "a"})
	os.WriteFile(filepath.Join(dir, segmentName(0)), line, 0600)

	// The segment after the newest, at offset zero, is an empty log
	reader, err := OpenReader(dir, Position{Segment: 1})
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	if _, _, err := reader.Read(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
	reader.Close()

	if _, err := OpenReader(dir, Position{Segment: 1, Offset: 10}); !errors.Is(err, ErrSegmentGap) {
		t.Errorf("expected ErrSegmentGap, got %v", err)
	}
}

func TestRecordKinds(t *testing.T) {
	for _, kind := range []RecordKind{KindBegin, KindSet, KindMark, KindEnd} {
		if parseRecordKind(kind.String()) != kind {
			t.Errorf("kind %v does not round trip", kind)
		}
	}
	if parseRecordKind("COMMIT") != KindUnknown {
		t.Error("unexpected kind parsed")
	}
}

func TestPositionOrdering(t *testing.T) {
	a := Position{Segment: 0, Offset: 100}
	b := Position{Segment: 1, Offset: 0}
	c := Position{Segment: 1, Offset: 5}
	if !a.Less(b) || !b.Less(c) || c.Less(a) {
		t.Error("positions should order by segment then offset")
	}
	if a.Compare(a) != 0 {
		t.Error("position should equal itself")
	}
	if b.String() != "00001:0" {
		t.Errorf("unexpected position string %q", b.String())
	}
}
