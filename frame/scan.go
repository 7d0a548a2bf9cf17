package frame

import (
	"maps"
	"slices"

	"github.com/blockberries/graphberry/types"
	"github.com/blockberries/graphberry/wal"
)

// Frame is one frame instance found while scanning a log. Instances are
// identified by the position of their BEGIN record, so a tag reused by
// later transactions yields several instances.
type Frame struct {
	Tag      string
	Metadata map[string]types.Value
	Begin    wal.Position
	End      wal.Position // zero unless Complete
	Complete bool

	// SetCount is the number of SET records enclosed by the frame
	SetCount int

	// Sets holds the enclosed SET records in log order. Only populated
	// when the scan was created with WithRecords.
	Sets []*wal.Record
}

// RecordCount is the number of records belonging to the frame including
// BEGIN and, when complete, END
func (f *Frame) RecordCount() int {
	n := f.SetCount + 1
	if f.Complete {
		n++
	}
	return n
}

// Mark is an audit annotation found while scanning
type Mark struct {
	Tag      string
	Metadata map[string]types.Value
	Pos      wal.Position
	Seq      uint64
	Time     int64
}

// ScanOption configures a Scan
type ScanOption func(*Scan)

// WithRecords keeps the enclosed SET records of every frame
func WithRecords() ScanOption {
	return func(s *Scan) { s.keepRecords = true }
}

// Scan discovers frame instances in a stream of records (replay pass 1).
//
// Rules:
//   - BEGIN opens a new instance. A previous instance of the same tag that
//     is still open is abandoned; it can only be the leftover of a crashed
//     session.
//   - SET joins the open instance of its tag. A SET without one is an orphan.
//   - END completes the open instance of its tag.
//   - Break abandons every open instance (torn tail, session boundary).
//   - MARK is recorded and never affects frames.
type Scan struct {
	keepRecords bool

	open    map[string]*Frame
	frames  []*Frame
	byBegin map[wal.Position]*Frame
	marks   []Mark

	orphanSets int
	orphanEnds int
	records    int
}

// NewScan creates an empty scan
func NewScan(opts ...ScanOption) *Scan {
	s := &Scan{
		open:    make(map[string]*Frame),
		byBegin: make(map[wal.Position]*Frame),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe feeds one record read at pos into the scan
func (s *Scan) Observe(rec *wal.Record, pos wal.Position) {
	s.records++
	switch rec.Kind {
	case wal.KindBegin:
		s.Begin(rec.Tag, rec.Metadata, pos)
	case wal.KindSet:
		s.Set(rec)
	case wal.KindEnd:
		s.End(rec.Tag, pos)
	case wal.KindMark:
		s.Mark(rec, pos)
	}
}

// Begin opens an instance of tag at pos
func (s *Scan) Begin(tag string, metadata map[string]types.Value, pos wal.Position) {
	delete(s.open, tag)

	f := &Frame{Tag: tag, Metadata: metadata, Begin: pos}
	s.open[tag] = f
	s.frames = append(s.frames, f)
	s.byBegin[pos] = f
}

// Set attributes a SET record to the open instance of its tag. It reports
// false for an orphan.
func (s *Scan) Set(rec *wal.Record) bool {
	f, ok := s.open[rec.Tag]
	if !ok {
		s.orphanSets++
		return false
	}
	f.SetCount++
	if s.keepRecords {
		f.Sets = append(f.Sets, rec)
	}
	return true
}

// End completes the open instance of tag
func (s *Scan) End(tag string, pos wal.Position) bool {
	f, ok := s.open[tag]
	if !ok {
		s.orphanEnds++
		return false
	}
	f.Complete = true
	f.End = pos
	delete(s.open, tag)
	return true
}

// Mark records an audit annotation
func (s *Scan) Mark(rec *wal.Record, pos wal.Position) {
	s.marks = append(s.marks, Mark{
		Tag:      rec.Tag,
		Metadata: rec.Metadata,
		Pos:      pos,
		Seq:      rec.Seq,
		Time:     rec.Time,
	})
}

// Break abandons every open instance
func (s *Scan) Break() {
	clear(s.open)
}

// OpenTags returns the tags whose latest instance is still open
func (s *Scan) OpenTags() []string {
	return slices.Sorted(maps.Keys(s.open))
}

// IsComplete reports whether the instance that began at pos is complete
func (s *Scan) IsComplete(begin wal.Position) bool {
	f, ok := s.byBegin[begin]
	return ok && f.Complete
}

// CompleteFrameTags returns the distinct tags with at least one complete
// instance, sorted
func (s *Scan) CompleteFrameTags() []string {
	tags := make(map[string]struct{})
	for _, f := range s.frames {
		if f.Complete {
			tags[f.Tag] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(tags))
}

// Frames returns all instances in BEGIN order
func (s *Scan) Frames() []*Frame {
	return slices.Clone(s.frames)
}

// CompleteFrames returns the complete instances in BEGIN order
func (s *Scan) CompleteFrames() []*Frame {
	out := make([]*Frame, 0, len(s.frames))
	for _, f := range s.frames {
		if f.Complete {
			out = append(out, f)
		}
	}
	return out
}

// Marks returns the audit annotations in log order
func (s *Scan) Marks() []Mark {
	return slices.Clone(s.marks)
}

// Orphans returns the number of SET records without an open frame
func (s *Scan) Orphans() int { return s.orphanSets }

// OrphanEnds returns the number of END records without an open frame
func (s *Scan) OrphanEnds() int { return s.orphanEnds }

// Records returns the number of records observed
func (s *Scan) Records() int { return s.records }

// Counts returns the number of complete and incomplete instances
func (s *Scan) Counts() (complete, incomplete int) {
	for _, f := range s.frames {
		if f.Complete {
			complete++
		} else {
			incomplete++
		}
	}
	return complete, incomplete
}

// Cursor maps the records of a second pass over the same log back to the
// frame instances found by the scan
func (s *Scan) Cursor() *Cursor {
	return &Cursor{scan: s, open: make(map[string]wal.Position)}
}

// Cursor follows frame structure during replay pass 2. It must see exactly
// the records, positions and breaks the scan saw.
type Cursor struct {
	scan *Scan
	open map[string]wal.Position
}

// Observe feeds one record and reports whether it is a SET belonging to a
// complete frame instance
func (c *Cursor) Observe(rec *wal.Record, pos wal.Position) bool {
	switch rec.Kind {
	case wal.KindBegin:
		c.open[rec.Tag] = pos
	case wal.KindEnd:
		delete(c.open, rec.Tag)
	case wal.KindSet:
		begin, ok := c.open[rec.Tag]
		return ok && c.scan.IsComplete(begin)
	}
	return false
}

// Break abandons every open instance
func (c *Cursor) Break() {
	clear(c.open)
}
