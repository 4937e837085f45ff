package script

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

// jsObject is a page reference backed by a bare goja runtime.
type jsObject struct {
	obj      *goja.Object
	id       string
	released int
}

func (o *jsObject) Identity() string { return o.id }
func (o *jsObject) Release()         { o.released++ }

// jsDoc runs atoms in a goja runtime without a DOM. Elements are plain
// objects with nodeType 1.
type jsDoc struct {
	vm    *goja.Runtime
	ids   map[*goja.Object]string
	calls int
}

func newJSDoc() *jsDoc {
	vm := goja.New()
	_ = vm.Set("window", vm.GlobalObject())
	_ = vm.Set("document", vm.NewObject())
	return &jsDoc{vm: vm, ids: map[*goja.Object]string{}}
}

func (d *jsDoc) ReadyState() string            { return automation.ReadyComplete }
func (d *jsDoc) Frames() []automation.Document { return nil }

func (d *jsDoc) FrameFor(context.Context, automation.Object) (automation.Document, error) {
	return nil, automation.ErrNoSuchFrame
}

func (d *jsDoc) Execute(_ context.Context, fn string, args []automation.Value) (automation.Value, error) {
	d.calls++
	compiled, err := d.vm.RunString("(" + fn + ")")
	if err != nil {
		return automation.Value{}, automation.NewScriptError("%v", err)
	}
	call, ok := goja.AssertFunction(compiled)
	if !ok {
		return automation.Value{}, automation.NewScriptError("not a function")
	}
	in := make([]goja.Value, len(args))
	for i, a := range args {
		in[i] = d.toJS(a)
	}
	res, err := call(goja.Undefined(), in...)
	if err != nil {
		if ex, ok := err.(*goja.Exception); ok {
			return automation.Value{}, &automation.ScriptError{Message: ex.Value().String()}
		}
		return automation.Value{}, err
	}
	return d.fromJS(res), nil
}

// eval evaluates an expression and returns it as a Value.
func (d *jsDoc) eval(expr string) automation.Value {
	v, err := d.vm.RunString("(" + expr + ")")
	if err != nil {
		panic(err)
	}
	return d.fromJS(v)
}

func (d *jsDoc) toJS(v automation.Value) goja.Value {
	switch v.Kind() {
	case automation.KindNull:
		return goja.Null()
	case automation.KindString:
		return d.vm.ToValue(v.Str())
	case automation.KindInteger:
		return d.vm.ToValue(v.Int())
	case automation.KindDouble:
		return d.vm.ToValue(v.Float())
	case automation.KindBool:
		return d.vm.ToValue(v.Boolean())
	case automation.KindObject:
		return v.AsObject().(*jsObject).obj
	}
	return goja.Undefined()
}

func (d *jsDoc) fromJS(v goja.Value) automation.Value {
	switch {
	case v == nil || goja.IsUndefined(v):
		return automation.Empty()
	case goja.IsNull(v):
		return automation.Null()
	}
	if obj, ok := v.(*goja.Object); ok {
		id, seen := d.ids[obj]
		if !seen {
			id = fmt.Sprintf("obj-%d", len(d.ids)+1)
			d.ids[obj] = id
		}
		return automation.ObjectValue(&jsObject{obj: obj, id: id})
	}
	switch x := v.Export().(type) {
	case string:
		return automation.String(x)
	case int64:
		return automation.Integer(x)
	case float64:
		return automation.Number(x)
	case bool:
		return automation.Bool(x)
	}
	return automation.Empty()
}

// recordingAdder hands out sequential ids per identity.
type recordingAdder struct {
	ids   map[string]string
	added []automation.Object
}

func (r *recordingAdder) AddElement(_ context.Context, obj automation.Object) (string, error) {
	if r.ids == nil {
		r.ids = map[string]string{}
	}
	r.added = append(r.added, obj)
	if id, ok := r.ids[obj.Identity()]; ok {
		return id, nil
	}
	id := fmt.Sprintf("el-%d", len(r.ids)+1)
	r.ids[obj.Identity()] = id
	return id, nil
}

// mapResolver resolves ids registered up front.
type mapResolver map[string]automation.Object

func (m mapResolver) ResolveElement(_ context.Context, id string) (automation.Object, error) {
	if obj, ok := m[id]; ok {
		return obj, nil
	}
	return nil, fmt.Errorf("unknown element %s", id)
}
