package graph

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/graphberry/types"
)

func mut(obj types.ObjectID, slot types.SlotPath, v types.Value) Mutation {
	return Mutation{Object: obj, Slot: slot, Value: v}
}

func shapesRegistry() *Registry {
	r := NewRegistry()
	r.Register("Rectangle", func(types.ObjectID) map[string]types.Value {
		return map[string]types.Value{"width": types.Int(0), "height": types.Int(0)}
	})
	r.Register("Label", nil)
	return r
}

func TestApplyCreatesObjectFromKind(t *testing.T) {
	g := New(WithRegistry(shapesRegistry()))

	out, err := g.Apply(mut("obj1", "kind", types.String("Rectangle")))
	require.NoError(t, err)
	assert.Equal(t, Created, out)

	out, err = g.Apply(mut("obj1", "width", types.Int(40)))
	require.NoError(t, err)
	assert.Equal(t, Updated, out)

	obj, ok := g.Get("obj1")
	require.True(t, ok)
	assert.Equal(t, "Rectangle", obj.Kind())
	w, _ := obj.Slot("width")
	assert.True(t, w.Equal(types.Int(40)))
	h, ok := obj.Slot("height")
	require.True(t, ok, "constructor defaults are applied")
	assert.True(t, h.Equal(types.Int(0)))
}

func TestApplyUnknownKindIsLenient(t *testing.T) {
	g := New(WithRegistry(shapesRegistry()))
	g.Registry().SetStrict(true)

	_, err := g.Apply(mut("obj1", "kind", types.String("Triangle")))
	require.NoError(t, err)
	obj, _ := g.Get("obj1")
	assert.Equal(t, "Triangle", obj.Kind())
	assert.Equal(t, []string{"kind"}, obj.SlotNames())
}

func TestApplyUntypedObject(t *testing.T) {
	g := New()
	out, err := g.Apply(mut("obj1", "x", types.Int(1)))
	require.NoError(t, err)
	assert.Equal(t, Created, out)
	obj, _ := g.Get("obj1")
	assert.Empty(t, obj.Kind())

	// the kind slot written later types the object
	_, err = g.Apply(mut("obj1", "kind", types.String("Label")))
	require.NoError(t, err)
	obj, _ = g.Get("obj1")
	assert.Equal(t, "Label", obj.Kind())
}

func TestApplyIsIdempotent(t *testing.T) {
	g := New()
	m := mut("obj1", "x", types.Float(2.5))
	_, err := g.Apply(m)
	require.NoError(t, err)
	before := g.Clone()

	out, err := g.Apply(m)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, out)
	assert.True(t, g.Equal(before))
}

func TestApplyNestedSlot(t *testing.T) {
	g := New()
	_, err := g.Apply(mut("obj1", "style", types.Int(3)))
	require.NoError(t, err)

	_, err = g.Apply(mut("obj1", "style.color", types.String("red")))
	require.NoError(t, err)

	v, ok := g.Slot("obj1", "style.color")
	require.True(t, ok)
	assert.True(t, v.Equal(types.String("red")))

	style, _ := g.Slot("obj1", "style")
	assert.Equal(t, types.TypeMap, style.Type(), "non-map intermediate replaced by a map")

	out, err := g.Apply(mut("obj1", "style.color", types.String("red")))
	require.NoError(t, err)
	assert.Equal(t, Unchanged, out)
}

func TestApplyBatchValidatesFirst(t *testing.T) {
	g := New()
	_, err := g.ApplyBatch([]Mutation{
		mut("obj1", "x", types.Int(1)),
		mut("", "x", types.Int(2)),
	})
	require.ErrorIs(t, err, types.ErrInvalidObjectID)
	assert.Equal(t, 0, g.Len())

	_, err = g.Apply(mut("obj1", "a..b", types.Int(1)))
	assert.ErrorIs(t, err, types.ErrInvalidSlotPath)
}

func TestPublishedObjectsAreImmutable(t *testing.T) {
	g := New()
	g.Apply(mut("obj1", "x", types.Int(1)))
	held, _ := g.Get("obj1")

	g.Apply(mut("obj1", "x", types.Int(2)))
	v, _ := held.Slot("x")
	assert.True(t, v.Equal(types.Int(1)))

	clone := g.Clone()
	g.Apply(mut("obj1", "x", types.Int(3)))
	v, _ = clone.Slot("obj1", "x")
	assert.True(t, v.Equal(types.Int(2)))
}

func TestStaging(t *testing.T) {
	g := New(WithRegistry(shapesRegistry()))
	g.Apply(mut("obj1", "x", types.Int(1)))

	s := g.NewStaging()
	assert.Equal(t, Updated, s.Set(mut("obj1", "x", types.Int(2))))
	assert.Equal(t, Created, s.Set(mut("obj2", "kind", types.String("Rectangle"))))
	assert.Equal(t, Unchanged, s.Set(mut("obj2", "width", types.Int(0))))

	v, _ := s.Slot("obj1", "x")
	assert.True(t, v.Equal(types.Int(2)))
	v, _ = g.Slot("obj1", "x")
	assert.True(t, v.Equal(types.Int(1)), "staged values stay private")
	_, ok := g.Get("obj2")
	assert.False(t, ok)

	assert.Equal(t, 3, s.Len())
	_, err := s.Publish()
	require.NoError(t, err)

	v, _ = g.Slot("obj1", "x")
	assert.True(t, v.Equal(types.Int(2)))
	obj, ok := g.Get("obj2")
	require.True(t, ok)
	assert.Equal(t, "Rectangle", obj.Kind())
}

func TestStagingCheckStrictKinds(t *testing.T) {
	g := New(WithRegistry(shapesRegistry()))
	s := g.NewStaging()

	assert.NoError(t, s.Check(mut("obj1", "kind", types.String("Triangle"))))

	g.Registry().SetStrict(true)
	assert.ErrorIs(t, s.Check(mut("obj1", "kind", types.String("Triangle"))), ErrUnknownKind)
	assert.ErrorIs(t, s.Check(mut("obj1", "kind", types.Int(1))), ErrUnknownKind)
	assert.NoError(t, s.Check(mut("obj1", "kind", types.String("Rectangle"))))
	assert.NoError(t, s.Check(mut("obj1", "width", types.Int(1))))

	// existing objects may change kind freely
	s.Set(mut("obj1", "kind", types.String("Rectangle")))
	assert.NoError(t, s.Check(mut("obj1", "kind", types.String("Triangle"))))
}

func TestCustomKindSlot(t *testing.T) {
	g := New(WithRegistry(shapesRegistry()), WithKindSlot("type"))
	g.Apply(mut("obj1", "type", types.String("Rectangle")))
	obj, _ := g.Get("obj1")
	assert.Equal(t, "Rectangle", obj.Kind())
	assert.Equal(t, "type", g.KindSlot())
}

func TestExportRestore(t *testing.T) {
	g := New(WithRegistry(shapesRegistry()))
	g.Apply(mut("b", "kind", types.String("Rectangle")))
	g.Apply(mut("a", "style.color", types.String("red")))

	states := g.Export()
	require.Len(t, states, 2)
	assert.Equal(t, types.ObjectID("a"), states[0].ID)

	restored := New()
	require.NoError(t, restored.Restore(states))
	assert.True(t, g.Equal(restored))
	assert.Empty(t, g.Diff(restored))

	restored.Apply(mut("c", "x", types.Int(1)))
	assert.Equal(t, []types.ObjectID{"c"}, g.Diff(restored))

	err := New().Restore([]ObjectState{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)
}

func TestViewIsConsistent(t *testing.T) {
	g := New()
	const objects = 20

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= 200; i++ {
			batch := make([]Mutation, 0, objects)
			for j := 0; j < objects; j++ {
				batch = append(batch, mut(types.ObjectID(rune('a'+j)), "n", types.Int(i)))
			}
			_, err := g.ApplyBatch(batch)
			assert.NoError(t, err)
		}
	}()

	for i := 0; i < 200; i++ {
		g.View(func(v *View) error {
			var first *int64
			v.Range(func(obj *Object) bool {
				n, _ := obj.Slot("n")
				val, _ := n.AsInt()
				if first == nil {
					first = &val
				} else if val != *first {
					t.Errorf("torn batch observed: %d != %d", val, *first)
					return false
				}
				return true
			})
			return nil
		})
	}
	wg.Wait()
	assert.Equal(t, objects, g.Len())
}
