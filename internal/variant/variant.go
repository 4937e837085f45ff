// Package variant converts between script engine values and the JSON value
// tree that travels on the wire.
//
// A JSON tree is built from nil, bool, int64, float64, string, []any,
// *Object (ordered) and map[string]any. Element references appear as
// schemas.ElementReference.
package variant

import (
	"bytes"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Object is a JSON object that preserves insertion order.
type Object struct {
	keys []string
	vals map[string]any
}

// NewObject returns an empty ordered object.
func NewObject() *Object {
	return &Object{vals: make(map[string]any)}
}

// Set adds or replaces a property. Replacing keeps the original position.
func (o *Object) Set(key string, v any) {
	if _, ok := o.vals[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = v
}

func (o *Object) Get(key string) (any, bool) {
	v, ok := o.vals[key]
	return v, ok
}

func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

func (o *Object) Len() int { return len(o.keys) }

// MarshalJSON writes the properties in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.vals[k])
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FromPrimitive converts a non-object Value to its JSON form. It reports
// false for objects, which need a script walk to convert.
func FromPrimitive(v automation.Value) (any, bool) {
	switch v.Kind() {
	case automation.KindEmpty, automation.KindNull:
		return nil, true
	case automation.KindString:
		return v.Str(), true
	case automation.KindInteger:
		return v.Int(), true
	case automation.KindDouble:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, true
		}
		return f, true
	case automation.KindBool:
		return v.Boolean(), true
	}
	return nil, false
}

// ToPrimitive converts a JSON scalar into a Value. It reports false for
// arrays and objects.
func ToPrimitive(j any) (automation.Value, bool) {
	switch t := j.(type) {
	case nil:
		return automation.Null(), true
	case string:
		return automation.String(t), true
	case bool:
		return automation.Bool(t), true
	case float64:
		return automation.Number(t), true
	case float32:
		return automation.Number(float64(t)), true
	case int:
		return automation.Integer(int64(t)), true
	case int32:
		return automation.Integer(int64(t)), true
	case int64:
		return automation.Integer(t), true
	case jsoniter.Number:
		if n, err := t.Int64(); err == nil {
			return automation.Integer(n), true
		}
		f, err := t.Float64()
		if err != nil {
			return automation.Value{}, false
		}
		return automation.Double(f), true
	}
	return automation.Value{}, false
}

// Encode serializes a JSON tree.
func Encode(tree any) ([]byte, error) {
	return json.Marshal(tree)
}

// Decode parses JSON into a tree of nil, bool, float64, string, []any and
// map[string]any.
func Decode(data []byte) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Plain round-trips a tree through JSON so ordered objects, element
// references and integer types collapse to the generic decoded form.
func Plain(tree any) (any, error) {
	b, err := Encode(tree)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}
