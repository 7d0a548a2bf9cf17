// Package frame tracks transaction frames, both while they are being written
// and while a log is scanned during replay.
package frame

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/blockberries/graphberry/types"
)

// Errors
var (
	ErrFrameAlreadyOpen = errors.New("frame already open")
	ErrFrameNotOpen     = errors.New("frame not open")
	ErrEmptyTag         = errors.New("empty frame tag")
)

// OpenFrame is the live bookkeeping of a frame between BEGIN and END
type OpenFrame struct {
	Tag      string
	Metadata map[string]types.Value
	Opened   time.Time
	Sets     int
}

// Tracker tracks frames that are open during live operation.
// It imposes no limit on distinct concurrently open tags.
type Tracker struct {
	mu   sync.Mutex
	open map[string]*OpenFrame
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{open: make(map[string]*OpenFrame)}
}

// Open registers tag as open. Opening a tag that is already open fails with
// ErrFrameAlreadyOpen.
func (t *Tracker) Open(tag string, metadata map[string]types.Value) error {
	if tag == "" {
		return ErrEmptyTag
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.open[tag]; ok {
		return ErrFrameAlreadyOpen
	}
	t.open[tag] = &OpenFrame{
		Tag:      tag,
		Metadata: maps.Clone(metadata),
		Opened:   time.Now(),
	}
	return nil
}

// CountSet records one SET logged inside tag
func (t *Tracker) CountSet(tag string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.open[tag]
	if !ok {
		return ErrFrameNotOpen
	}
	f.Sets++
	return nil
}

// Close removes tag after its END was logged and returns its bookkeeping
func (t *Tracker) Close(tag string) (*OpenFrame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.open[tag]
	if !ok {
		return nil, ErrFrameNotOpen
	}
	delete(t.open, tag)
	return f, nil
}

// Abandon removes tag without closing it. It reports whether tag was open.
func (t *Tracker) Abandon(tag string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.open[tag]
	delete(t.open, tag)
	return ok
}

// IsOpen reports whether tag is open
func (t *Tracker) IsOpen(tag string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[tag]
	return ok
}

// OpenTags returns the open tags in sorted order
func (t *Tracker) OpenTags() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.open))
}

// Len returns the number of open frames
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
