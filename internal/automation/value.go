package automation

import (
	"fmt"
	"math"
	"strconv"
)

// Kind discriminates a Value.
type Kind int

const (
	KindEmpty Kind = iota // undefined
	KindNull
	KindString
	KindInteger
	KindDouble
	KindBool
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Object is a reference into a page's script engine: a DOM node, an array,
// a collection or a plain object. It is only usable in the apartment that
// obtained it.
type Object interface {
	// Identity is stable for the lifetime of the underlying object and equal
	// for two references to the same object.
	Identity() string
	// Release drops the reference held by the driver.
	Release()
}

// Value is the dynamic value exchanged with a page's script engine.
type Value struct {
	kind Kind
	str  string
	num  int64
	dbl  float64
	b    bool
	obj  Object
}

// Constructors.

func Empty() Value               { return Value{kind: KindEmpty} }
func Null() Value                { return Value{kind: KindNull} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Integer(n int64) Value      { return Value{kind: KindInteger, num: n} }
func Double(f float64) Value     { return Value{kind: KindDouble, dbl: f} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func ObjectValue(o Object) Value { return Value{kind: KindObject, obj: o} }

// Number returns an Integer when f is integral and fits in int64, else a Double.
func Number(f float64) Value {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return Integer(int64(f))
	}
	return Double(f)
}

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsEmpty() bool    { return v.kind == KindEmpty }
func (v Value) IsNull() bool     { return v.kind == KindNull }
func (v Value) IsNullish() bool  { return v.kind == KindEmpty || v.kind == KindNull }
func (v Value) IsObject() bool   { return v.kind == KindObject && v.obj != nil }
func (v Value) Str() string      { return v.str }
func (v Value) Int() int64       { return v.num }
func (v Value) Float() float64   { return v.dbl }
func (v Value) Boolean() bool    { return v.b }
func (v Value) AsObject() Object { return v.obj }

// Truthy applies script truthiness rules to primitives. Objects are truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindString:
		return v.str != ""
	case KindInteger:
		return v.num != 0
	case KindDouble:
		return v.dbl != 0 && !math.IsNaN(v.dbl)
	case KindBool:
		return v.b
	case KindObject:
		return true
	}
	return false
}

// Text renders a primitive the way script String() would.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInteger:
		return strconv.FormatInt(v.num, 10)
	case KindDouble:
		return strconv.FormatFloat(v.dbl, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNull:
		return "null"
	case KindObject:
		return "[object]"
	}
	return "undefined"
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%s)", v.kind, v.Text())
}
