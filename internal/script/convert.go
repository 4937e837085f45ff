package script

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/atoms"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/variant"
)

// ConvertResultToJSONValue converts the result into a JSON tree. Elements
// are registered through adder and emitted as element references.
//
// Array-likes are walked with one script call for the length and one per
// item. Plain objects cost one call for the comma-joined property names and
// one per property. Property names containing a comma cannot be represented.
func (s *Script) ConvertResultToJSONValue(ctx context.Context, adder ElementAdder) (any, error) {
	if !s.ran {
		return nil, fmt.Errorf("script has not been executed")
	}
	c := &converter{doc: s.doc, adder: adder, path: map[string]bool{}}
	return c.convert(ctx, s.result, 0, s.class)
}

type converter struct {
	doc   automation.Document
	adder ElementAdder
	// path holds identities of the objects between the root and the value
	// being converted.
	path map[string]bool
}

func (c *converter) call(ctx context.Context, a atoms.Atom, args ...automation.Value) (automation.Value, error) {
	v, err := c.doc.Execute(ctx, atoms.Source(a), args)
	if err != nil {
		return automation.Value{}, MapError(err)
	}
	return v, nil
}

func (c *converter) convert(ctx context.Context, v automation.Value, depth int, known Class) (any, error) {
	if j, ok := variant.FromPrimitive(v); ok {
		return j, nil
	}
	if !v.IsObject() {
		return nil, schemas.NewError(schemas.UnknownScriptResult, "cannot convert %s", v)
	}
	if depth > maxDepth {
		return nil, schemas.NewError(schemas.UnexpectedJavaScriptError, "result nesting exceeds %d levels", maxDepth)
	}

	class := known
	if class == "" {
		var err error
		if class, err = classify(ctx, c.doc, v); err != nil {
			return nil, err
		}
	}

	obj := v.AsObject()
	switch class {
	case ClassNull:
		return nil, nil
	case ClassElement:
		if c.adder == nil {
			return nil, schemas.NewError(schemas.UnknownScriptResult, "element results are not supported here")
		}
		id, err := c.adder.AddElement(ctx, obj)
		if err != nil {
			return nil, err
		}
		return schemas.ElementReference{ID: id}, nil
	case ClassArray, ClassCollection, ClassObject:
	default:
		return nil, schemas.NewError(schemas.UnknownScriptResult, "unrecognized result kind %q", class)
	}

	id := obj.Identity()
	if c.path[id] {
		return nil, schemas.NewError(schemas.UnexpectedJavaScriptError, "cyclic object value")
	}
	c.path[id] = true
	defer delete(c.path, id)

	if class == ClassObject {
		return c.object(ctx, v, depth)
	}
	return c.array(ctx, v, depth)
}

func (c *converter) array(ctx context.Context, v automation.Value, depth int) (any, error) {
	lengthVal, err := c.call(ctx, atoms.Length, v)
	if err != nil {
		return nil, err
	}
	n, ok := arrayLength(lengthVal)
	if !ok {
		return c.object(ctx, v, depth)
	}
	if n > maxItems {
		return nil, schemas.NewError(schemas.UnknownScriptResult, "array-like length %d exceeds %d items", n, maxItems)
	}
	out := []any{}
	for i := int64(0); i < n; i++ {
		item, err := c.call(ctx, atoms.Item, v, automation.Integer(i))
		if err != nil {
			return nil, err
		}
		j, err := c.child(ctx, item, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// arrayLength reads a page-supplied length. Negative, fractional and
// non-numeric lengths are not array-like.
func arrayLength(v automation.Value) (int64, bool) {
	switch v.Kind() {
	case automation.KindInteger:
		return v.Int(), v.Int() >= 0
	case automation.KindDouble:
		f := v.Float()
		if f < 0 || f != math.Trunc(f) || f > math.MaxUint32 {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

func (c *converter) object(ctx context.Context, v automation.Value, depth int) (any, error) {
	namesVal, err := c.call(ctx, atoms.Keys, v)
	if err != nil {
		return nil, err
	}
	out := variant.NewObject()
	if namesVal.Str() == "" {
		return out, nil
	}
	for _, name := range strings.Split(namesVal.Str(), ",") {
		prop, err := c.call(ctx, atoms.Item, v, automation.String(name))
		if err != nil {
			return nil, err
		}
		j, err := c.child(ctx, prop, depth)
		if err != nil {
			return nil, err
		}
		out.Set(name, j)
	}
	return out, nil
}

// child converts a nested value and releases it unless it became an element.
func (c *converter) child(ctx context.Context, v automation.Value, depth int) (any, error) {
	j, err := c.convert(ctx, v, depth+1, "")
	if v.IsObject() {
		if _, isElement := j.(schemas.ElementReference); !isElement || err != nil {
			v.AsObject().Release()
		}
	}
	return j, err
}
