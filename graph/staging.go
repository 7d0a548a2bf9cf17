package graph

import (
	"github.com/blockberries/graphberry/types"
)

// Staging collects the mutations of one transaction on top of a graph
// without publishing them. Reads through the staging see the staged values;
// readers of the graph do not.
type Staging struct {
	g         *Graph
	objects   map[types.ObjectID]*Object
	mutations []Mutation
}

// NewStaging starts an empty staging area over g
func (g *Graph) NewStaging() *Staging {
	return &Staging{g: g, objects: make(map[types.ObjectID]*Object)}
}

// Check validates m and, for a strict registry, rejects creating an object
// of an unknown kind. Nothing is staged.
func (s *Staging) Check(m Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if _, ok := s.Get(m.Object); ok {
		return nil
	}
	return s.g.checkKind(m)
}

// Set stages m. Callers check m first; Set itself applies the same
// lenient rules as replay.
func (s *Staging) Set(m Mutation) Outcome {
	s.mutations = append(s.mutations, m)

	obj, ok := s.objects[m.Object]
	if !ok {
		if cur, exists := s.g.Get(m.Object); exists {
			obj = cur.clone()
		}
	}

	outcome := Unchanged
	if obj == nil {
		obj = s.g.instantiate(m)
		obj.set(m.Slot, m.Value, s.g.kindSlot)
		outcome = Created
	} else if obj.set(m.Slot, m.Value, s.g.kindSlot) {
		outcome = Updated
	}
	s.objects[m.Object] = obj
	return outcome
}

// Get returns the staged object, falling back to the graph
func (s *Staging) Get(id types.ObjectID) (*Object, bool) {
	if obj, ok := s.objects[id]; ok {
		return obj, true
	}
	return s.g.Get(id)
}

// Slot returns a slot value as seen by the transaction
func (s *Staging) Slot(id types.ObjectID, path types.SlotPath) (types.Value, bool) {
	obj, ok := s.Get(id)
	if !ok {
		return types.Value{}, false
	}
	return obj.Slot(path)
}

// Len returns the number of staged mutations
func (s *Staging) Len() int { return len(s.mutations) }

// Publish applies every staged mutation to the graph in one critical section
func (s *Staging) Publish() ([]Outcome, error) {
	if len(s.mutations) == 0 {
		return nil, nil
	}
	return s.g.ApplyBatch(s.mutations)
}
