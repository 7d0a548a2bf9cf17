package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/graphberry/types"
	"github.com/blockberries/graphberry/wal"
)

func TestTracker(t *testing.T) {
	t.Run("open and close", func(t *testing.T) {
		tr := NewTracker()
		require.NoError(t, tr.Open("f1", map[string]types.Value{"user": types.String("a")}))
		assert.True(t, tr.IsOpen("f1"))
		require.NoError(t, tr.CountSet("f1"))
		require.NoError(t, tr.CountSet("f1"))

		f, err := tr.Close("f1")
		require.NoError(t, err)
		assert.Equal(t, 2, f.Sets)
		assert.False(t, tr.IsOpen("f1"))
	})

	t.Run("already open", func(t *testing.T) {
		tr := NewTracker()
		require.NoError(t, tr.Open("f1", nil))
		assert.ErrorIs(t, tr.Open("f1", nil), ErrFrameAlreadyOpen)
	})

	t.Run("distinct tags", func(t *testing.T) {
		tr := NewTracker()
		require.NoError(t, tr.Open("b", nil))
		require.NoError(t, tr.Open("a", nil))
		assert.Equal(t, []string{"a", "b"}, tr.OpenTags())
		assert.Equal(t, 2, tr.Len())
	})

	t.Run("not open", func(t *testing.T) {
		tr := NewTracker()
		_, err := tr.Close("f1")
		assert.ErrorIs(t, err, ErrFrameNotOpen)
		assert.ErrorIs(t, tr.CountSet("f1"), ErrFrameNotOpen)
		assert.False(t, tr.Abandon("f1"))
	})

	t.Run("abandon allows reopen", func(t *testing.T) {
		tr := NewTracker()
		require.NoError(t, tr.Open("f1", nil))
		assert.True(t, tr.Abandon("f1"))
		assert.NoError(t, tr.Open("f1", nil))
	})

	t.Run("empty tag", func(t *testing.T) {
		assert.ErrorIs(t, NewTracker().Open("", nil), ErrEmptyTag)
	})
}

// feed observes records with synthetic positions, one per record
func feed(s *Scan, records ...*wal.Record) []wal.Position {
	positions := make([]wal.Position, len(records))
	for i, rec := range records {
		positions[i] = wal.Position{Offset: int64(i * 100)}
		s.Observe(rec, positions[i])
	}
	return positions
}

func set(tag string, obj types.ObjectID, slot types.SlotPath, v int64) *wal.Record {
	return wal.NewSetRecord(tag, obj, slot, types.Int(v))
}

func TestScanIncompleteTail(t *testing.T) {
	s := NewScan(WithRecords())
	pos := feed(s,
		wal.NewBeginRecord("f1", nil),
		set("f1", "obj1", "x", 5),
		wal.NewEndRecord("f1"),
		wal.NewBeginRecord("f2", nil),
		set("f2", "obj1", "x", 9),
	)

	assert.Equal(t, []string{"f1"}, s.CompleteFrameTags())
	assert.True(t, s.IsComplete(pos[0]))
	assert.False(t, s.IsComplete(pos[3]))
	assert.Equal(t, []string{"f2"}, s.OpenTags())

	frames := s.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, pos[2], frames[0].End)
	assert.Equal(t, 3, frames[0].RecordCount())
	require.Len(t, frames[0].Sets, 1)
	assert.Equal(t, types.SlotPath("x"), frames[0].Sets[0].Slot)
	assert.Equal(t, 2, frames[1].RecordCount())

	complete, incomplete := s.Counts()
	assert.Equal(t, 1, complete)
	assert.Equal(t, 1, incomplete)
	assert.Equal(t, 5, s.Records())
}

func TestScanTagReuse(t *testing.T) {
	s := NewScan()
	pos := feed(s,
		wal.NewBeginRecord("f1", nil),
		set("f1", "a", "x", 1),
		wal.NewEndRecord("f1"),
		wal.NewBeginRecord("f1", nil),
		set("f1", "a", "x", 2),
		wal.NewEndRecord("f1"),
	)

	frames := s.CompleteFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, pos[0], frames[0].Begin)
	assert.Equal(t, pos[3], frames[1].Begin)
	assert.Equal(t, []string{"f1"}, s.CompleteFrameTags())
	assert.Nil(t, frames[0].Sets, "records are only kept with WithRecords")
}

func TestScanBeginAbandonsOpenInstance(t *testing.T) {
	s := NewScan()
	pos := feed(s,
		wal.NewBeginRecord("f1", nil),
		set("f1", "a", "x", 1),
		// crash, new session reuses the tag
		wal.NewBeginRecord("f1", nil),
		set("f1", "a", "x", 2),
		wal.NewEndRecord("f1"),
	)

	assert.False(t, s.IsComplete(pos[0]))
	assert.True(t, s.IsComplete(pos[2]))

	c := s.Cursor()
	var applied []int
	for i, rec := range []*wal.Record{
		wal.NewBeginRecord("f1", nil),
		set("f1", "a", "x", 1),
		wal.NewBeginRecord("f1", nil),
		set("f1", "a", "x", 2),
		wal.NewEndRecord("f1"),
	} {
		if c.Observe(rec, pos[i]) {
			applied = append(applied, i)
		}
	}
	assert.Equal(t, []int{3}, applied)
}

func TestScanBreak(t *testing.T) {
	s := NewScan()
	s.Observe(wal.NewBeginRecord("f1", nil), wal.Position{Offset: 0})
	s.Observe(set("f1", "a", "x", 1), wal.Position{Offset: 10})
	s.Break()
	// END of a later session cannot complete the abandoned instance
	s.Observe(wal.NewEndRecord("f1"), wal.Position{Segment: 1})

	assert.Empty(t, s.CompleteFrameTags())
	assert.Equal(t, 1, s.OrphanEnds())

	s.Observe(set("f1", "a", "x", 2), wal.Position{Segment: 1, Offset: 10})
	assert.Equal(t, 1, s.Orphans())
}

func TestScanInterleavedFrames(t *testing.T) {
	records := []*wal.Record{
		wal.NewBeginRecord("a", nil),
		wal.NewBeginRecord("b", nil),
		set("a", "o", "x", 1),
		set("b", "o", "y", 2),
		wal.NewEndRecord("b"),
		set("a", "o", "z", 3),
	}
	s := NewScan()
	pos := feed(s, records...)

	c := s.Cursor()
	var applied []types.SlotPath
	for i, rec := range records {
		if c.Observe(rec, pos[i]) {
			applied = append(applied, rec.Slot)
		}
	}
	assert.Equal(t, []types.SlotPath{"y"}, applied)
}

func TestScanMarksAreIndependent(t *testing.T) {
	s := NewScan()
	feed(s,
		wal.NewMarkRecord("boot", map[string]types.Value{"v": types.Int(1)}),
		wal.NewBeginRecord("f1", nil),
		wal.NewMarkRecord("inside", nil),
	)

	marks := s.Marks()
	require.Len(t, marks, 2)
	assert.Equal(t, "boot", marks[0].Tag)
	assert.Equal(t, "inside", marks[1].Tag)
	assert.Empty(t, s.CompleteFrameTags())

	c := s.Cursor()
	assert.False(t, c.Observe(wal.NewMarkRecord("boot", nil), wal.Position{}))
}

func TestCursorOrphanSet(t *testing.T) {
	s := NewScan()
	c := s.Cursor()
	rec := set("ghost", "o", "x", 1)
	s.Observe(rec, wal.Position{})
	assert.False(t, c.Observe(rec, wal.Position{}))
	assert.Equal(t, 1, s.Orphans())
}
