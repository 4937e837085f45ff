// Package script runs a fragment of script source with positional arguments
// against a page and converts what comes back into the wire JSON tree.
package script

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/atoms"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/variant"
)

// ElementResolver turns wire element ids into live page references.
type ElementResolver interface {
	ResolveElement(ctx context.Context, id string) (automation.Object, error)
}

// ElementAdder registers a page element and returns its wire id. It takes
// ownership of obj.
type ElementAdder interface {
	AddElement(ctx context.Context, obj automation.Object) (string, error)
}

// Script is one invocation: a function expression, its arguments and, after
// Execute, its result.
type Script struct {
	doc    automation.Document
	source string
	args   []automation.Value
	// temps are in-page objects created to carry array and object arguments.
	temps  []automation.Object
	result automation.Value
	ran    bool
	class  Class
}

// New wraps a function expression.
func New(doc automation.Document, source string) *Script {
	return &Script{doc: doc, source: source}
}

// FromAtom wraps a bundled atom.
func FromAtom(doc automation.Document, a atoms.Atom) *Script {
	return New(doc, atoms.Source(a))
}

// FromBody wraps a user-supplied function body.
func FromBody(doc automation.Document, body string) *Script {
	return New(doc, "function () {\n"+body+"\n}")
}

// Wrap returns a script whose result is v, a value obtained by some other
// call, so the predicates and ConvertResultToJSONValue apply to it.
func Wrap(doc automation.Document, v automation.Value) *Script {
	return &Script{doc: doc, result: v, ran: true}
}

func (s *Script) AddString(v string) *Script  { return s.AddValue(automation.String(v)) }
func (s *Script) AddInteger(v int64) *Script  { return s.AddValue(automation.Integer(v)) }
func (s *Script) AddDouble(v float64) *Script { return s.AddValue(automation.Double(v)) }
func (s *Script) AddBool(v bool) *Script      { return s.AddValue(automation.Bool(v)) }
func (s *Script) AddNull() *Script            { return s.AddValue(automation.Null()) }

// AddElement passes a page reference. The caller keeps ownership.
func (s *Script) AddElement(obj automation.Object) *Script {
	return s.AddValue(automation.ObjectValue(obj))
}

// AddValue appends a raw argument.
func (s *Script) AddValue(v automation.Value) *Script {
	s.args = append(s.args, v)
	return s
}

// Args returns the positional arguments added so far.
func (s *Script) Args() []automation.Value {
	out := make([]automation.Value, len(s.args))
	copy(out, s.args)
	return out
}

// AddJSON appends a decoded JSON argument. Element references are resolved
// through r; arrays and objects are materialized in the page with auxiliary
// script calls, one per container.
func (s *Script) AddJSON(ctx context.Context, arg any, r ElementResolver) error {
	v, err := s.materialize(ctx, arg, r, 0)
	if err != nil {
		return err
	}
	s.AddValue(v)
	return nil
}

const (
	maxDepth = 100
	// maxItems bounds the array-likes a result may carry.
	maxItems = 1 << 20
)

func (s *Script) materialize(ctx context.Context, arg any, r ElementResolver, depth int) (automation.Value, error) {
	if depth > maxDepth {
		return automation.Value{}, schemas.NewError(schemas.InvalidArgument, "argument nesting exceeds %d levels", maxDepth)
	}
	if v, ok := variant.ToPrimitive(arg); ok {
		return v, nil
	}
	if id, ok := schemas.ElementID(arg); ok {
		if r == nil {
			return automation.Value{}, schemas.NewError(schemas.InvalidArgument, "element arguments are not allowed here")
		}
		obj, err := r.ResolveElement(ctx, id)
		if err != nil {
			return automation.Value{}, err
		}
		return automation.ObjectValue(obj), nil
	}

	switch t := arg.(type) {
	case []any:
		items := make([]automation.Value, 0, len(t))
		for _, item := range t {
			v, err := s.materialize(ctx, item, r, depth+1)
			if err != nil {
				return automation.Value{}, err
			}
			items = append(items, v)
		}
		return s.temp(ctx, atoms.Source(atoms.MakeArray), items)
	case map[string]any:
		names := make([]string, 0, len(t))
		for name := range t {
			names = append(names, name)
		}
		sort.Strings(names)
		values := []automation.Value{automation.Empty()}
		for _, name := range names {
			v, err := s.materialize(ctx, t[name], r, depth+1)
			if err != nil {
				return automation.Value{}, err
			}
			values = append(values, v)
		}
		encoded, err := variant.Encode(names)
		if err != nil {
			return automation.Value{}, schemas.WrapError(schemas.InvalidArgument, err, "")
		}
		values[0] = automation.String(string(encoded))
		return s.temp(ctx, atoms.Source(atoms.MakeObject), values)
	}
	return automation.Value{}, schemas.NewError(schemas.InvalidArgument, "unsupported argument type %T", arg)
}

func (s *Script) temp(ctx context.Context, fn string, args []automation.Value) (automation.Value, error) {
	v, err := s.doc.Execute(ctx, fn, args)
	if err != nil {
		return automation.Value{}, MapError(err)
	}
	if v.IsObject() {
		s.temps = append(s.temps, v.AsObject())
	}
	return v, nil
}

// Execute runs the script. Script exceptions become UnexpectedJavaScriptError
// carrying the engine message.
func (s *Script) Execute(ctx context.Context) error {
	v, err := s.doc.Execute(ctx, s.source, s.args)
	if err != nil {
		return MapError(err)
	}
	s.result = v
	s.ran = true
	s.class = ""
	return nil
}

// Result is the value the script returned.
func (s *Script) Result() automation.Value { return s.result }

// Release drops the temporary argument objects. The result is left to the
// caller, who may have handed it to the element registry.
func (s *Script) Release() {
	for _, o := range s.temps {
		o.Release()
	}
	s.temps = nil
}

// -- Result Predicates --

func (s *Script) IsString() bool  { return s.result.Kind() == automation.KindString }
func (s *Script) IsInteger() bool { return s.result.Kind() == automation.KindInteger }
func (s *Script) IsDouble() bool  { return s.result.Kind() == automation.KindDouble }
func (s *Script) IsBoolean() bool { return s.result.Kind() == automation.KindBool }
func (s *Script) IsEmpty() bool   { return s.result.IsNullish() }

// Class is the script-side shape of an object result.
type Class string

const (
	ClassNull       Class = "null"
	ClassArray      Class = "array"
	ClassCollection Class = "collection"
	ClassElement    Class = "element"
	ClassObject     Class = "object"
)

// Classify asks the page what kind of object the result is. The answer is
// cached until the next Execute.
func (s *Script) Classify(ctx context.Context) (Class, error) {
	if !s.result.IsObject() {
		return "", nil
	}
	if s.class != "" {
		return s.class, nil
	}
	c, err := classify(ctx, s.doc, s.result)
	if err != nil {
		return "", err
	}
	s.class = c
	return c, nil
}

func (s *Script) is(ctx context.Context, want Class) bool {
	c, err := s.Classify(ctx)
	return err == nil && c == want
}

func (s *Script) IsArray(ctx context.Context) bool             { return s.is(ctx, ClassArray) }
func (s *Script) IsElementCollection(ctx context.Context) bool { return s.is(ctx, ClassCollection) }
func (s *Script) IsElement(ctx context.Context) bool           { return s.is(ctx, ClassElement) }
func (s *Script) IsObject(ctx context.Context) bool            { return s.is(ctx, ClassObject) }

func classify(ctx context.Context, doc automation.Document, v automation.Value) (Class, error) {
	res, err := doc.Execute(ctx, atoms.Source(atoms.Classify), []automation.Value{v})
	if err != nil {
		return "", MapError(err)
	}
	if res.Kind() != automation.KindString {
		return "", fmt.Errorf("%w: classification returned %s", ErrUnknownResult, res)
	}
	return Class(res.Str()), nil
}

// ErrUnknownResult marks a value the marshaler cannot represent.
var ErrUnknownResult = errors.New("unrecognized script result")

// MapError converts an Execute failure into the error taxonomy.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var typed *schemas.Error
	if errors.As(err, &typed) {
		return typed
	}
	var se *automation.ScriptError
	if errors.As(err, &se) {
		msg := se.Error()
		switch {
		case strings.Contains(msg, "InvalidSelector: "):
			return schemas.NewError(schemas.InvalidSelector, "%s", after(msg, "InvalidSelector: "))
		case strings.Contains(msg, "InvalidElementState: "):
			return schemas.NewError(schemas.ElementNotEnabled, "%s", after(msg, "InvalidElementState: "))
		}
		return schemas.WrapError(schemas.UnexpectedJavaScriptError, se, "")
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.WrapError(schemas.ScriptTimeout, err, "script did not complete in time")
	case errors.Is(err, automation.ErrDetached):
		return schemas.WrapError(schemas.NoSuchWindow, err, "")
	case errors.Is(err, ErrUnknownResult):
		return schemas.WrapError(schemas.UnknownScriptResult, err, "")
	}
	return schemas.WrapError(schemas.UnhandledError, err, "script execution failed")
}

func after(msg, marker string) string {
	_, rest, _ := strings.Cut(msg, marker)
	return rest
}
