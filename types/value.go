package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Errors
var (
	ErrInvalidValue = errors.New("invalid value")
)

// ValueType identifies the variant held by a Value
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeList
	TypeMap
)

var valueTypeNames = [...]string{
	TypeNull:   "null",
	TypeBool:   "bool",
	TypeInt:    "int",
	TypeFloat:  "float",
	TypeString: "string",
	TypeList:   "list",
	TypeMap:    "map",
}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("ValueType(%d)", uint8(t))
}

// Value is a closed tagged variant holding a slot value.
// The zero Value is null. Values are immutable: lists and maps are copied
// on construction and on every accessor that exposes them.
type Value struct {
	typ  ValueType
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null returns the null value
func Null() Value { return Value{} }

// Bool wraps a boolean
func Bool(b bool) Value { return Value{typ: TypeBool, b: b} }

// Int wraps a signed integer
func Int(i int64) Value { return Value{typ: TypeInt, i: i} }

// Float wraps a floating point number, including NaN and infinities
func Float(f float64) Value { return Value{typ: TypeFloat, f: f} }

// String wraps a string
func String(s string) Value { return Value{typ: TypeString, s: s} }

// List builds an ordered list value
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{typ: TypeList, list: cp}
}

// Map builds a mapping value. Key order is irrelevant.
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{typ: TypeMap, m: cp}
}

// Type returns the variant held by v
func (v Value) Type() ValueType { return v.typ }

// IsNull reports whether v is null
func (v Value) IsNull() bool { return v.typ == TypeNull }

// AsBool returns the boolean held by v
func (v Value) AsBool() (bool, bool) { return v.b, v.typ == TypeBool }

// AsInt returns the integer held by v
func (v Value) AsInt() (int64, bool) { return v.i, v.typ == TypeInt }

// AsFloat returns the float held by v
func (v Value) AsFloat() (float64, bool) { return v.f, v.typ == TypeFloat }

// AsString returns the string held by v
func (v Value) AsString() (string, bool) { return v.s, v.typ == TypeString }

// AsList returns a copy of the list held by v
func (v Value) AsList() ([]Value, bool) {
	if v.typ != TypeList {
		return nil, false
	}
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp, true
}

// AsMap returns a copy of the mapping held by v
func (v Value) AsMap() (map[string]Value, bool) {
	if v.typ != TypeMap {
		return nil, false
	}
	cp := make(map[string]Value, len(v.m))
	for k, e := range v.m {
		cp[k] = e
	}
	return cp, true
}

// Len returns the number of elements of a list or map, zero otherwise
func (v Value) Len() int {
	switch v.typ {
	case TypeList:
		return len(v.list)
	case TypeMap:
		return len(v.m)
	}
	return 0
}

// Field returns the map entry for key
func (v Value) Field(key string) (Value, bool) {
	if v.typ != TypeMap {
		return Value{}, false
	}
	e, ok := v.m[key]
	return e, ok
}

// Lookup walks a path of map keys starting at v
func (v Value) Lookup(path []string) (Value, bool) {
	cur := v
	for _, key := range path {
		next, ok := cur.Field(key)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// WithPath returns a copy of v where the entry addressed by path is nv.
// Intermediate entries that are missing or not maps are replaced by maps.
func (v Value) WithPath(path []string, nv Value) Value {
	if len(path) == 0 {
		return nv
	}
	var m map[string]Value
	if v.typ == TypeMap {
		m = make(map[string]Value, len(v.m)+1)
		for k, e := range v.m {
			m[k] = e
		}
	} else {
		m = make(map[string]Value, 1)
	}
	m[path[0]] = m[path[0]].WithPath(path[1:], nv)
	return Value{typ: TypeMap, m: m}
}

// Equal reports deep equality. Floats compare by bit pattern so NaN equals
// itself and -0 differs from +0, matching what the codec round-trips.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeNull:
		return true
	case TypeBool:
		return v.b == o.b
	case TypeInt:
		return v.i == o.i
	case TypeFloat:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case TypeString:
		return v.s == o.s
	case TypeList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case TypeMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// Validate checks that v can be encoded without loss: strings and map keys
// must be valid UTF-8.
func (v Value) Validate() error {
	switch v.typ {
	case TypeString:
		if !utf8.ValidString(v.s) {
			return fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidValue)
		}
	case TypeList:
		for i, e := range v.list {
			if err := e.Validate(); err != nil {
				return fmt.Errorf("list[%d]: %w", i, err)
			}
		}
	case TypeMap:
		for k, e := range v.m {
			if !utf8.ValidString(k) {
				return fmt.Errorf("%w: map key is not valid UTF-8", ErrInvalidValue)
			}
			if err := e.Validate(); err != nil {
				return fmt.Errorf("map[%q]: %w", k, err)
			}
		}
	case TypeNull, TypeBool, TypeInt, TypeFloat:
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidValue, v.typ)
	}
	return nil
}

// String renders v in its wire form
func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

// Wire form: null, booleans, strings and lists map onto plain JSON. Ints,
// floats and maps are single-key objects so the variant survives the trip:
//
//	{"i":42}  {"f":"0.1"}  {"m":{"k":...}}
const (
	tagInt   = "i"
	tagFloat = "f"
	tagMap   = "m"
)

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.typ {
	case TypeNull:
		buf.WriteString("null")
	case TypeBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case TypeInt:
		buf.WriteString(`{"i":`)
		buf.WriteString(strconv.FormatInt(v.i, 10))
		buf.WriteByte('}')
	case TypeFloat:
		buf.WriteString(`{"f":"`)
		buf.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
		buf.WriteString(`"}`)
	case TypeString:
		if !utf8.ValidString(v.s) {
			return fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidValue)
		}
		data, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(data)
	case TypeList:
		buf.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case TypeMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteString(`{"m":{`)
		for i, k := range keys {
			if !utf8.ValidString(k) {
				return fmt.Errorf("%w: map key is not valid UTF-8", ErrInvalidValue)
			}
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(data)
			buf.WriteByte(':')
			if err := v.m[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteString("}}")
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidValue, v.typ)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
// Bare JSON numbers are accepted as a convenience for hand-written input:
// integral literals become ints, everything else floats.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty input", ErrInvalidValue)
	}
	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return fmt.Errorf("%w: %q", ErrInvalidValue, data)
		}
		*v = Null()
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		*v = String(s)
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		items := make([]Value, len(raws))
		for i, raw := range raws {
			if err := items[i].UnmarshalJSON(raw); err != nil {
				return err
			}
		}
		*v = Value{typ: TypeList, list: items}
	case '{':
		return v.unmarshalTagged(data)
	default:
		return v.unmarshalNumber(data)
	}
	return nil
}

func (v *Value) unmarshalTagged(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("%w: tagged value must have exactly one key, got %d", ErrInvalidValue, len(obj))
	}
	for tag, raw := range obj {
		switch tag {
		case tagInt:
			var n json.Number
			if err := json.Unmarshal(raw, &n); err != nil {
				return fmt.Errorf("%w: int: %v", ErrInvalidValue, err)
			}
			i, err := strconv.ParseInt(n.String(), 10, 64)
			if err != nil {
				return fmt.Errorf("%w: int: %v", ErrInvalidValue, err)
			}
			*v = Int(i)
		case tagFloat:
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("%w: float: %v", ErrInvalidValue, err)
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("%w: float: %v", ErrInvalidValue, err)
			}
			*v = Float(f)
		case tagMap:
			var raws map[string]json.RawMessage
			if err := json.Unmarshal(raw, &raws); err != nil {
				return fmt.Errorf("%w: map: %v", ErrInvalidValue, err)
			}
			if raws == nil {
				return fmt.Errorf("%w: map body must be an object", ErrInvalidValue)
			}
			m := make(map[string]Value, len(raws))
			for k, r := range raws {
				var e Value
				if err := e.UnmarshalJSON(r); err != nil {
					return err
				}
				m[k] = e
			}
			*v = Value{typ: TypeMap, m: m}
		default:
			return fmt.Errorf("%w: unknown tag %q", ErrInvalidValue, tag)
		}
	}
	return nil
}

func (v *Value) unmarshalNumber(data []byte) error {
	s := string(data)
	if !json.Valid(data) {
		return fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			*v = Int(i)
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	*v = Float(f)
	return nil
}

// ParseValue decodes the wire form (or a bare JSON literal) of a value
func ParseValue(s string) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON([]byte(s)); err != nil {
		return Value{}, err
	}
	return v, nil
}

// EqualMetadata compares two metadata maps; nil and empty are equal
func EqualMetadata(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		o, ok := b[k]
		if !ok || !v.Equal(o) {
			return false
		}
	}
	return true
}
