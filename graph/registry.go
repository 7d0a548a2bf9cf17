package graph

import (
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/blockberries/graphberry/types"
)

// Errors
var (
	ErrUnknownKind    = errors.New("unknown object kind")
	ErrObjectNotFound = errors.New("object not found")
)

// Constructor returns the initial slots of a new object of its kind.
// It may return nil.
type Constructor func(id types.ObjectID) map[string]types.Value

// Registry maps kind names to constructors. It is consulted only when an
// object id is seen for the first time.
type Registry struct {
	mu     sync.RWMutex
	kinds  map[string]Constructor
	strict bool
}

// NewRegistry creates an empty, lenient registry
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Constructor)}
}

// Register adds or replaces the constructor for kind. A nil constructor
// registers a kind without initial slots.
func (r *Registry) Register(kind string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = ctor
}

// Lookup returns the constructor for kind
func (r *Registry) Lookup(kind string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.kinds[kind]
	return ctor, ok
}

// Kinds returns the registered kind names, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.kinds))
}

// SetStrict makes new transactions reject objects of unregistered kinds.
// Replay never rejects a logged record.
func (r *Registry) SetStrict(strict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strict = strict
}

// Strict reports whether unknown kinds are rejected
func (r *Registry) Strict() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strict
}

// instantiate creates a fresh object of kind. Unregistered kinds yield an
// object without initial slots.
func (r *Registry) instantiate(id types.ObjectID, kind string) *Object {
	obj := &Object{id: id, kind: kind, slots: make(map[string]types.Value)}
	if ctor, ok := r.Lookup(kind); ok && ctor != nil {
		maps.Copy(obj.slots, ctor(id))
	}
	return obj
}
