package types

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Errors
var (
	ErrInvalidObjectID = errors.New("invalid object id")
	ErrInvalidSlotPath = errors.New("invalid slot path")
)

// PathSeparator separates the segments of a slot path
const PathSeparator = "."

// ObjectID is the stable identifier of an object in the live graph
type ObjectID string

// Validate checks that id is usable as an object key
func (id ObjectID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidObjectID)
	}
	if !utf8.ValidString(string(id)) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidObjectID)
	}
	return nil
}

// SlotPath addresses a slot on an object. A single segment names a
// top-level slot; further segments walk into nested map values.
type SlotPath string

// Segments splits the path into its components
func (p SlotPath) Segments() []string {
	return strings.Split(string(p), PathSeparator)
}

// Root returns the top-level slot name
func (p SlotPath) Root() string {
	root, _, _ := strings.Cut(string(p), PathSeparator)
	return root
}

// IsTopLevel reports whether p names a top-level slot
func (p SlotPath) IsTopLevel() bool {
	return !strings.Contains(string(p), PathSeparator)
}

// Validate rejects empty paths and empty segments
func (p SlotPath) Validate() error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSlotPath)
	}
	if !utf8.ValidString(string(p)) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidSlotPath)
	}
	for _, seg := range p.Segments() {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidSlotPath, string(p))
		}
	}
	return nil
}
