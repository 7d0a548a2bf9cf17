package graph

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"github.com/blockberries/graphberry/types"
)

// DefaultKindSlot is the top-level slot naming an object's kind
const DefaultKindSlot = "kind"

// Mutation sets one slot on one object
type Mutation struct {
	Object types.ObjectID
	Slot   types.SlotPath
	Value  types.Value
}

// Validate checks the id, path and value
func (m Mutation) Validate() error {
	if err := m.Object.Validate(); err != nil {
		return err
	}
	if err := m.Slot.Validate(); err != nil {
		return err
	}
	return m.Value.Validate()
}

// Outcome is the effect of applying a mutation
type Outcome uint8

const (
	// Unchanged: the slot already held an equal value
	Unchanged Outcome = iota
	// Updated: an existing object changed
	Updated
	// Created: the object did not exist and was instantiated
	Created
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	case Created:
		return "created"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

type objectIndex = skipmap.FuncMap[types.ObjectID, *Object]

func newObjectIndex() *objectIndex {
	return skipmap.NewFunc[types.ObjectID, *Object](func(a, b types.ObjectID) bool {
		return a < b
	})
}

// Option configures a Graph
type Option func(*Graph)

// WithRegistry sets the kind registry
func WithRegistry(r *Registry) Option {
	return func(g *Graph) { g.registry = r }
}

// WithKindSlot sets the top-level slot that names an object's kind
func WithKindSlot(slot string) Option {
	return func(g *Graph) { g.kindSlot = slot }
}

// Graph is the live object graph.
//
// Objects are kept in an ordered index. Writers hold the write lock for a
// whole batch, so readers under the read lock never observe part of a
// transaction.
type Graph struct {
	mu       sync.RWMutex
	objects  *objectIndex
	registry *Registry
	kindSlot string
	version  uint64
}

// New creates an empty graph
func New(opts ...Option) *Graph {
	g := &Graph{
		objects:  newObjectIndex(),
		kindSlot: DefaultKindSlot,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.registry == nil {
		g.registry = NewRegistry()
	}
	return g
}

// Registry returns the kind registry
func (g *Graph) Registry() *Registry { return g.registry }

// KindSlot returns the slot naming an object's kind
func (g *Graph) KindSlot() string { return g.kindSlot }

// Get returns the object with id. The returned object must not be modified.
func (g *Graph) Get(id types.ObjectID) (*Object, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.objects.Load(id)
}

// Slot returns the value of a slot
func (g *Graph) Slot(id types.ObjectID, path types.SlotPath) (types.Value, bool) {
	obj, ok := g.Get(id)
	if !ok {
		return types.Value{}, false
	}
	return obj.Slot(path)
}

// Len returns the number of objects
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.objects.Len()
}

// Version counts published batches
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// IDs returns all object ids in order
func (g *Graph) IDs() []types.ObjectID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]types.ObjectID, 0, g.objects.Len())
	g.objects.Range(func(id types.ObjectID, _ *Object) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Objects returns all objects in id order
func (g *Graph) Objects() []*Object {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.objectsLocked()
}

func (g *Graph) objectsLocked() []*Object {
	out := make([]*Object, 0, g.objects.Len())
	g.objects.Range(func(_ types.ObjectID, obj *Object) bool {
		out = append(out, obj)
		return true
	})
	return out
}

// View runs fn with a consistent read-only view of the graph. No batch is
// published while fn runs.
func (g *Graph) View(fn func(v *View) error) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn(&View{g: g})
}

// View is a consistent read-only view handed out by Graph.View
type View struct {
	g *Graph
}

// Get returns the object with id
func (v *View) Get(id types.ObjectID) (*Object, bool) {
	return v.g.objects.Load(id)
}

// Slot returns the value of a slot
func (v *View) Slot(id types.ObjectID, path types.SlotPath) (types.Value, bool) {
	obj, ok := v.g.objects.Load(id)
	if !ok {
		return types.Value{}, false
	}
	return obj.Slot(path)
}

// Len returns the number of objects
func (v *View) Len() int { return v.g.objects.Len() }

// Range calls fn for every object in id order until fn returns false
func (v *View) Range(fn func(obj *Object) bool) {
	v.g.objects.Range(func(_ types.ObjectID, obj *Object) bool {
		return fn(obj)
	})
}

// Apply applies one mutation. Replay uses it directly: it never rejects an
// unknown kind.
func (g *Graph) Apply(m Mutation) (Outcome, error) {
	outcomes, err := g.ApplyBatch([]Mutation{m})
	if err != nil {
		return Unchanged, err
	}
	return outcomes[0], nil
}

// ApplyBatch applies mutations in order within a single critical section.
// All mutations are validated first; on error nothing is applied.
func (g *Graph) ApplyBatch(ms []Mutation) ([]Outcome, error) {
	for i, m := range ms {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("mutation %d: %w", i, err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	outcomes := make([]Outcome, len(ms))
	touched := make(map[types.ObjectID]*Object)
	for i, m := range ms {
		obj, ok := touched[m.Object]
		if !ok {
			if cur, exists := g.objects.Load(m.Object); exists {
				obj = cur.clone()
			}
		}

		if obj == nil {
			obj = g.instantiate(m)
			obj.set(m.Slot, m.Value, g.kindSlot)
			outcomes[i] = Created
		} else if obj.set(m.Slot, m.Value, g.kindSlot) {
			outcomes[i] = Updated
		}
		touched[m.Object] = obj
	}

	for id, obj := range touched {
		g.objects.Store(id, obj)
	}
	g.version++
	return outcomes, nil
}

// instantiate creates the object first named by m. A kind-slot mutation
// with a string value goes through the registry.
func (g *Graph) instantiate(m Mutation) *Object {
	if string(m.Slot) == g.kindSlot {
		if kind, ok := m.Value.AsString(); ok {
			return g.registry.instantiate(m.Object, kind)
		}
	}
	return &Object{id: m.Object, slots: make(map[string]types.Value)}
}

// checkKind rejects a new object of an unregistered kind when the registry
// is strict
func (g *Graph) checkKind(m Mutation) error {
	if !g.registry.Strict() || string(m.Slot) != g.kindSlot {
		return nil
	}
	kind, ok := m.Value.AsString()
	if !ok {
		return fmt.Errorf("%w: kind slot of %q must be a string, got %s", ErrUnknownKind, m.Object, m.Value.Type())
	}
	if _, ok := g.registry.Lookup(kind); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}

// Export returns the state of every object in id order
func (g *Graph) Export() []ObjectState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ObjectState, 0, g.objects.Len())
	g.objects.Range(func(_ types.ObjectID, obj *Object) bool {
		out = append(out, obj.State())
		return true
	})
	return out
}

// Restore replaces the content of the graph with states
func (g *Graph) Restore(states []ObjectState) error {
	idx := newObjectIndex()
	for _, s := range states {
		if err := s.ID.Validate(); err != nil {
			return err
		}
		for name, v := range s.Slots {
			if err := types.SlotPath(name).Validate(); err != nil {
				return err
			}
			if err := v.Validate(); err != nil {
				return fmt.Errorf("object %q slot %q: %w", s.ID, name, err)
			}
		}
		if _, dup := idx.LoadOrStore(s.ID, s.object()); dup {
			return fmt.Errorf("duplicate object %q", s.ID)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects = idx
	g.version++
	return nil
}

// Clone returns an independent graph with the same objects, registry and
// kind slot. Objects are immutable once published, so they are shared.
func (g *Graph) Clone() *Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := &Graph{
		objects:  newObjectIndex(),
		registry: g.registry,
		kindSlot: g.kindSlot,
		version:  g.version,
	}
	g.objects.Range(func(id types.ObjectID, obj *Object) bool {
		c.objects.Store(id, obj)
		return true
	})
	return c
}

// Equal reports whether both graphs hold equal objects
func (g *Graph) Equal(o *Graph) bool {
	a, b := g.Objects(), o.Objects()
	return slices.EqualFunc(a, b, func(x, y *Object) bool { return x.Equal(y) })
}

// Diff returns the ids of objects that differ between the graphs
func (g *Graph) Diff(o *Graph) []types.ObjectID {
	seen := make(map[types.ObjectID]struct{})
	var diff []types.ObjectID
	for _, obj := range g.Objects() {
		seen[obj.ID()] = struct{}{}
		other, ok := o.Get(obj.ID())
		if !ok || !obj.Equal(other) {
			diff = append(diff, obj.ID())
		}
	}
	for _, id := range o.IDs() {
		if _, ok := seen[id]; !ok {
			diff = append(diff, id)
		}
	}
	slices.SortFunc(diff, cmp.Compare)
	return diff
}
