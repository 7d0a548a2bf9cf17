// Package snapshot persists full copies of the object graph so the log can
// be compacted and startup only replays records written after the latest
// snapshot.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blockberries/graphberry/graph"
	"github.com/blockberries/graphberry/types"
	"github.com/blockberries/graphberry/wal"
)

// FormatVersion is the snapshot format written by this package
const FormatVersion = 1

// Errors
var (
	ErrNoSnapshot         = errors.New("no snapshot")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
	ErrChecksumMismatch   = errors.New("snapshot checksum mismatch")
	ErrCorruptSnapshot    = errors.New("corrupt snapshot")
)

// Meta identifies a stored snapshot. Position is the first log position
// not covered by the snapshot.
type Meta struct {
	Position wal.Position `json:"position"`
	LastSeq  uint64       `json:"last_seq"`
}

func (m Meta) String() string {
	return fmt.Sprintf("%s/%d", m.Position, m.LastSeq)
}

// Snapshot is a decoded snapshot
type Snapshot struct {
	Meta
	Version   int
	CreatedAt time.Time
	KindSlot  string
	Objects   []graph.ObjectState
}

// fileFormat is the on-disk layout. Checksum covers the raw objects array.
type fileFormat struct {
	Version   int             `json:"version"`
	Position  wal.Position    `json:"position"`
	LastSeq   uint64          `json:"last_seq"`
	CreatedAt time.Time       `json:"created_at"`
	KindSlot  string          `json:"kind_slot,omitempty"`
	Checksum  types.Hash      `json:"checksum"`
	Objects   json.RawMessage `json:"objects"`
}

// Encode serializes a snapshot in the current format version
func Encode(s *Snapshot) ([]byte, error) {
	objects := s.Objects
	if objects == nil {
		objects = []graph.ObjectState{}
	}
	raw, err := json.Marshal(objects)
	if err != nil {
		return nil, fmt.Errorf("marshal objects: %w", err)
	}
	return json.Marshal(&fileFormat{
		Version:   FormatVersion,
		Position:  s.Position,
		LastSeq:   s.LastSeq,
		CreatedAt: s.CreatedAt.UTC(),
		KindSlot:  s.KindSlot,
		Checksum:  types.HashBytes(raw),
		Objects:   raw,
	})
}

// Decode parses and verifies a snapshot
func Decode(data []byte) (*Snapshot, error) {
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}

	if types.HashBytes(f.Objects) != f.Checksum {
		return nil, ErrChecksumMismatch
	}

	var objects []graph.ObjectState
	if err := json.Unmarshal(f.Objects, &objects); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	return &Snapshot{
		Meta:      Meta{Position: f.Position, LastSeq: f.LastSeq},
		Version:   f.Version,
		CreatedAt: f.CreatedAt,
		KindSlot:  f.KindSlot,
		Objects:   objects,
	}, nil
}
