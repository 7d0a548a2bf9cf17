// Package types defines the values stored in the object graph.
//
// # Core Types
//
// Value: A closed variant holding null, bool, int, float, string, list or
// map. Values are immutable once built; List and Map copy their input.
//
// ObjectID: The stable identity of an object in the graph.
//
// SlotPath: A dotted path naming a slot. The first segment is a top-level
// slot; further segments walk into nested map values.
//
// Hash: A SHA-256 content hash, used to verify snapshots.
//
// # Wire Form
//
// Values serialize to JSON without losing their variant:
//
//	null, true, "text", ["a"]    plain JSON
//	{"i":42}                     int
//	{"f":"0.1"}                  float (exact decimal text)
//	{"m":{"k":{"i":1}}}          map
//
// Bare JSON numbers are accepted on input for hand-written values.
package types
