// Package graph holds the live object graph: addressable objects with named
// slots, a kind registry for implicit object creation, and transactional
// staging of mutations.
package graph

import (
	"maps"
	"slices"

	"github.com/blockberries/graphberry/types"
)

// Object is a node of the live graph. Published objects are immutable;
// every mutation replaces the object with an updated copy.
type Object struct {
	id    types.ObjectID
	kind  string
	slots map[string]types.Value
}

// ID returns the object id
func (o *Object) ID() types.ObjectID { return o.id }

// Kind returns the kind the object was created with, or the last string
// written to the kind slot. Empty for untyped objects.
func (o *Object) Kind() string { return o.kind }

// Slot returns the value at path
func (o *Object) Slot(path types.SlotPath) (types.Value, bool) {
	segs := path.Segments()
	v, ok := o.slots[segs[0]]
	if !ok {
		return types.Value{}, false
	}
	if len(segs) == 1 {
		return v, true
	}
	return v.Lookup(segs[1:])
}

// Slots returns a copy of the top-level slots
func (o *Object) Slots() map[string]types.Value {
	return maps.Clone(o.slots)
}

// SlotNames returns the top-level slot names, sorted
func (o *Object) SlotNames() []string {
	return slices.Sorted(maps.Keys(o.slots))
}

// Equal compares id, kind and all slot values
func (o *Object) Equal(other *Object) bool {
	if o.id != other.id || o.kind != other.kind || len(o.slots) != len(other.slots) {
		return false
	}
	for k, v := range o.slots {
		ov, ok := other.slots[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// State returns the serializable form of the object
func (o *Object) State() ObjectState {
	return ObjectState{ID: o.id, Kind: o.kind, Slots: maps.Clone(o.slots)}
}

func (o *Object) clone() *Object {
	return &Object{id: o.id, kind: o.kind, slots: maps.Clone(o.slots)}
}

// set writes value at path and reports whether anything changed.
// Non-map intermediates on a nested path are replaced by maps.
func (o *Object) set(path types.SlotPath, value types.Value, kindSlot string) bool {
	if cur, ok := o.Slot(path); ok && cur.Equal(value) {
		return false
	}

	segs := path.Segments()
	if len(segs) == 1 {
		o.slots[segs[0]] = value
	} else {
		o.slots[segs[0]] = o.slots[segs[0]].WithPath(segs[1:], value)
	}

	if string(path) == kindSlot {
		if s, ok := value.AsString(); ok {
			o.kind = s
		}
	}
	return true
}

// ObjectState is the serializable form of an object, used by snapshots and
// the inspection surface
type ObjectState struct {
	ID    types.ObjectID         `json:"id"`
	Kind  string                 `json:"kind,omitempty"`
	Slots map[string]types.Value `json:"slots"`
}

func (s ObjectState) object() *Object {
	slots := maps.Clone(s.Slots)
	if slots == nil {
		slots = make(map[string]types.Value)
	}
	return &Object{id: s.ID, kind: s.Kind, slots: slots}
}
