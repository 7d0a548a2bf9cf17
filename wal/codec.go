package wal

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/blockberries/graphberry/types"
)

const (
	// maxRecordSize bounds the JSON payload of a single record
	maxRecordSize = 10 * 1024 * 1024 // 10MB

	// checksumLen is the width of the hex CRC prefix
	checksumLen = 8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// wireRecord is the JSON payload of one line
type wireRecord struct {
	Kind     string                 `json:"k"`
	Seq      uint64                 `json:"seq"`
	Time     int64                  `json:"ts,omitempty"`
	Tag      string                 `json:"tag"`
	Object   types.ObjectID         `json:"obj,omitempty"`
	Slot     types.SlotPath         `json:"slot,omitempty"`
	Value    json.RawMessage        `json:"v,omitempty"`
	Metadata map[string]types.Value `json:"md,omitempty"`
}

// Encode serializes a record as one line:
//
//	<crc32c of payload, 8 hex digits> <JSON payload>\n
//
// The JSON payload never contains a raw newline, so a stream of encoded
// records splits unambiguously on '\n' and a torn final record is
// recognisable by its missing terminator.
func Encode(rec *Record) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}

	w := wireRecord{
		Kind:     rec.Kind.String(),
		Seq:      rec.Seq,
		Time:     rec.Time,
		Tag:      rec.Tag,
		Metadata: rec.Metadata,
	}
	if rec.Kind == KindSet {
		raw, err := rec.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		w.Object = rec.Object
		w.Slot = rec.Slot
		w.Value = raw
	}

	payload, err := json.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	if len(payload) > maxRecordSize {
		return nil, fmt.Errorf("record too large: %d bytes", len(payload))
	}

	line := make([]byte, 0, checksumLen+1+len(payload)+1)
	line = fmt.Appendf(line, "%08x ", crc32.Checksum(payload, castagnoli))
	line = append(line, payload...)
	line = append(line, '\n')
	return line, nil
}

// DecodeRecord decodes the first record of buf and returns the number of
// bytes it occupied. It returns io.EOF for an empty buffer,
// ErrIncompleteRecord when buf holds only part of a record, and a
// *CorruptRecordError (offset 0) when the line is complete but invalid or
// when the unterminated bytes cannot start any record.
func DecodeRecord(buf []byte) (*Record, int, error) {
	if len(buf) == 0 {
		return nil, 0, io.EOF
	}
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		if !isRecordPrefix(buf) {
			return nil, len(buf), &CorruptRecordError{Reason: "unterminated garbage"}
		}
		return nil, 0, ErrIncompleteRecord
	}
	rec, err := parseLine(buf[:idx])
	if err != nil {
		return nil, idx + 1, &CorruptRecordError{Reason: err.Error()}
	}
	return rec, idx + 1, nil
}

// isRecordPrefix reports whether b could be the start of an encoded record:
// up to 8 hex digits, a space, then the opening brace of the payload.
func isRecordPrefix(b []byte) bool {
	for i, c := range b {
		switch {
		case i < checksumLen:
			if !isHexDigit(c) {
				return false
			}
		case i == checksumLen:
			if c != ' ' {
				return false
			}
		default:
			return c == '{'
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func parseLine(line []byte) (*Record, error) {
	if len(line) < checksumLen+2 || line[checksumLen] != ' ' {
		return nil, errors.New("malformed line")
	}

	var sum [4]byte
	if _, err := hex.Decode(sum[:], line[:checksumLen]); err != nil {
		return nil, fmt.Errorf("bad checksum field: %v", err)
	}
	expected := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	payload := line[checksumLen+1:]
	if actual := crc32.Checksum(payload, castagnoli); actual != expected {
		return nil, fmt.Errorf("CRC mismatch (expected %08x, got %08x)", expected, actual)
	}

	var w wireRecord
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("bad payload: %v", err)
	}

	rec := &Record{
		Kind:     parseRecordKind(w.Kind),
		Seq:      w.Seq,
		Time:     w.Time,
		Tag:      w.Tag,
		Metadata: w.Metadata,
	}
	if rec.Kind == KindUnknown {
		return nil, fmt.Errorf("unknown record kind %q", w.Kind)
	}
	if rec.Kind == KindSet {
		if len(w.Value) == 0 {
			return nil, errors.New("SET record without value")
		}
		if err := rec.Value.UnmarshalJSON(w.Value); err != nil {
			return nil, err
		}
		rec.Object = w.Object
		rec.Slot = w.Slot
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Decoder reads records sequentially from one segment
type Decoder struct {
	r       *bufio.Reader
	segment int
	offset  int64
}

// NewDecoder creates a decoder reading segment from r, which must be
// positioned at offset
func NewDecoder(r io.Reader, segment int, offset int64) *Decoder {
	return &Decoder{
		r:       bufio.NewReaderSize(r, defaultBufSize),
		segment: segment,
		offset:  offset,
	}
}

// Decode returns the next record and the position it starts at.
// At a torn tail it returns ErrIncompleteRecord and the tail's position;
// the following call returns io.EOF. Unterminated bytes that cannot start
// a record are reported as a *CorruptRecordError instead.
func (d *Decoder) Decode() (*Record, Position, error) {
	pos := Position{Segment: d.segment, Offset: d.offset}

	line, err := d.r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				return nil, pos, io.EOF
			}
			d.offset += int64(len(line))
			if !isRecordPrefix(line) {
				return nil, pos, &CorruptRecordError{Segment: d.segment, Offset: pos.Offset, Reason: "unterminated garbage"}
			}
			return nil, pos, ErrIncompleteRecord
		}
		return nil, pos, fmt.Errorf("read WAL segment %d: %w", d.segment, err)
	}
	d.offset += int64(len(line))

	rec, err := parseLine(line[:len(line)-1])
	if err != nil {
		return nil, pos, &CorruptRecordError{Segment: d.segment, Offset: pos.Offset, Reason: err.Error()}
	}
	return rec, pos, nil
}

// Offset returns the number of bytes consumed from the segment
func (d *Decoder) Offset() int64 {
	return d.offset
}
