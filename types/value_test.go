package types

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleValues() map[string]Value {
	return map[string]Value{
		"null":        Null(),
		"true":        Bool(true),
		"false":       Bool(false),
		"zero":        Int(0),
		"max int":     Int(math.MaxInt64),
		"min int":     Int(math.MinInt64),
		"float":       Float(0.1),
		"neg zero":    Float(math.Copysign(0, -1)),
		"nan":         Float(math.NaN()),
		"inf":         Float(math.Inf(1)),
		"neg inf":     Float(math.Inf(-1)),
		"tiny":        Float(math.SmallestNonzeroFloat64),
		"empty str":   String(""),
		"unicode":     String("héllo\n\"wörld\"\t<&>"),
		"empty list":  List(),
		"empty map":   Map(nil),
		"nested list": List(Int(1), String("two"), List(Null(), Bool(true))),
		"nested map": Map(map[string]Value{
			"a": Int(1),
			"b": Map(map[string]Value{"c": List(Float(2.5)), "i": String("x")}),
			"":  Null(),
		}),
	}
}

func TestValueRoundTrip(t *testing.T) {
	for name, v := range sampleValues() {
		t.Run(name, func(t *testing.T) {
			data, err := json.Marshal(v)
			require.NoError(t, err)

			var got Value
			require.NoError(t, json.Unmarshal(data, &got))
			assert.True(t, v.Equal(got), "round trip of %s produced %s", v, got)

			// re-encoding a decoded value is byte-identical
			again, err := json.Marshal(got)
			require.NoError(t, err)
			assert.Equal(t, string(data), string(again))
		})
	}
}

func TestValueTypesAreDistinct(t *testing.T) {
	assert.False(t, Int(1).Equal(Float(1)))
	assert.False(t, String("1").Equal(Int(1)))
	assert.False(t, Null().Equal(Bool(false)))
	assert.False(t, List().Equal(Map(nil)))
	assert.False(t, Float(0).Equal(Float(math.Copysign(0, -1))))

	// a map holding a single "i" key must not decode as an int
	m := Map(map[string]Value{"i": Int(3)})
	got, err := ParseValue(m.String())
	require.NoError(t, err)
	assert.Equal(t, TypeMap, got.Type())
	assert.True(t, m.Equal(got))
}

func TestParseValueBareLiterals(t *testing.T) {
	tests := []struct {
		in   string
		want Value
	}{
		{"42", Int(42)},
		{"-7", Int(-7)},
		{"2.5", Float(2.5)},
		{"1e3", Float(1000)},
		{`"Rectangle"`, String("Rectangle")},
		{"true", Bool(true)},
		{"null", Null()},
		{`[1, {"f":"NaN"}]`, List(Int(1), Float(math.NaN()))},
	}
	for _, tt := range tests {
		got, err := ParseValue(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: want %s got %s", tt.in, tt.want, got)
	}
}

func TestParseValueRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "nul", "{}", `{"i":1,"f":"2"}`, `{"x":1}`, `{"i":1.5}`, `{"f":"abc"}`, `{"m":null}`, "[1,", "0x10"} {
		_, err := ParseValue(in)
		assert.ErrorIs(t, err, ErrInvalidValue, "input %q", in)
	}
}

func TestValueImmutability(t *testing.T) {
	items := []Value{Int(1)}
	l := List(items...)
	items[0] = Int(2)
	got, _ := l.AsList()
	assert.True(t, got[0].Equal(Int(1)))

	got[0] = Int(3)
	again, _ := l.AsList()
	assert.True(t, again[0].Equal(Int(1)))

	src := map[string]Value{"a": Int(1)}
	m := Map(src)
	src["a"] = Int(2)
	v, ok := m.Field("a")
	require.True(t, ok)
	assert.True(t, v.Equal(Int(1)))
}

func TestValueWithPath(t *testing.T) {
	base := Map(map[string]Value{"color": String("red"), "size": Int(3)})

	updated := base.WithPath([]string{"color"}, String("blue"))
	got, ok := updated.Lookup([]string{"color"})
	require.True(t, ok)
	assert.True(t, got.Equal(String("blue")))

	// original untouched
	orig, _ := base.Lookup([]string{"color"})
	assert.True(t, orig.Equal(String("red")))

	// non-map intermediates are replaced by maps
	deep := Int(5).WithPath([]string{"a", "b"}, Bool(true))
	got, ok = deep.Lookup([]string{"a", "b"})
	require.True(t, ok)
	assert.True(t, got.Equal(Bool(true)))

	_, ok = base.Lookup([]string{"missing"})
	assert.False(t, ok)
}

func TestValueValidate(t *testing.T) {
	assert.NoError(t, sampleValues()["nested map"].Validate())
	assert.ErrorIs(t, String("\xff").Validate(), ErrInvalidValue)
	assert.ErrorIs(t, List(String("ok"), String("\xfe")).Validate(), ErrInvalidValue)
	assert.ErrorIs(t, Map(map[string]Value{"\xff": Null()}).Validate(), ErrInvalidValue)

	_, err := json.Marshal(String("\xff"))
	assert.Error(t, err)
}

func TestSlotPath(t *testing.T) {
	assert.NoError(t, SlotPath("width").Validate())
	assert.NoError(t, SlotPath("style.color").Validate())
	assert.ErrorIs(t, SlotPath("").Validate(), ErrInvalidSlotPath)
	assert.ErrorIs(t, SlotPath("a..b").Validate(), ErrInvalidSlotPath)
	assert.ErrorIs(t, SlotPath(".a").Validate(), ErrInvalidSlotPath)

	assert.Equal(t, []string{"style", "color"}, SlotPath("style.color").Segments())
	assert.Equal(t, "style", SlotPath("style.color").Root())
	assert.True(t, SlotPath("kind").IsTopLevel())
	assert.False(t, SlotPath("style.color").IsTopLevel())

	assert.ErrorIs(t, ObjectID("").Validate(), ErrInvalidObjectID)
	assert.NoError(t, ObjectID("obj1").Validate())
}

func TestEqualMetadata(t *testing.T) {
	assert.True(t, EqualMetadata(nil, map[string]Value{}))
	assert.True(t, EqualMetadata(map[string]Value{"a": Int(1)}, map[string]Value{"a": Int(1)}))
	assert.False(t, EqualMetadata(map[string]Value{"a": Int(1)}, map[string]Value{"a": Int(2)}))
	assert.False(t, EqualMetadata(map[string]Value{"a": Int(1)}, map[string]Value{"b": Int(1)}))
}
