package cdp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

// Document is the default script context of one frame. A navigation
// replaces the context, after which the old Document reports ErrDetached.
type Document struct {
	win   *Window
	frame cdp.FrameID

	mu    sync.Mutex
	ctxID runtime.ExecutionContextID
}

var _ automation.Document = (*Document)(nil)

func (d *Document) contextID() (runtime.ExecutionContextID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctxID == 0 {
		id, ok := d.win.bind(d)
		if !ok {
			return 0, automation.ErrDetached
		}
		d.ctxID = id
	}
	if !d.win.contextLive(d.ctxID) {
		return 0, automation.ErrDetached
	}
	return d.ctxID, nil
}

// Execute calls fn with args in the page. Promises are awaited.
func (d *Document) Execute(ctx context.Context, fn string, args []automation.Value) (automation.Value, error) {
	id, err := d.contextID()
	if err != nil {
		return automation.Empty(), err
	}
	callArgs := make([]*runtime.CallArgument, 0, len(args))
	for i, a := range args {
		ca, err := d.argument(a)
		if err != nil {
			return automation.Empty(), fmt.Errorf("argument %d: %w", i, err)
		}
		callArgs = append(callArgs, ca)
	}

	var out automation.Value
	err = d.win.run(ctx, func(ctx context.Context) error {
		res, exc, err := runtime.CallFunctionOn(fn).
			WithExecutionContextID(id).
			WithArguments(callArgs).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return scriptError(exc)
		}
		out, err = d.value(ctx, res)
		return err
	})
	if err != nil {
		return automation.Empty(), err
	}
	return out, nil
}

func scriptError(exc *runtime.ExceptionDetails) error {
	msg := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		msg, _, _ = strings.Cut(exc.Exception.Description, "\n")
	}
	return &automation.ScriptError{Message: msg}
}

func (d *Document) argument(v automation.Value) (*runtime.CallArgument, error) {
	switch v.Kind() {
	case automation.KindEmpty:
		return &runtime.CallArgument{}, nil
	case automation.KindNull:
		return &runtime.CallArgument{Value: []byte("null")}, nil
	case automation.KindString:
		b, err := json.Marshal(v.Str())
		if err != nil {
			return nil, err
		}
		return &runtime.CallArgument{Value: b}, nil
	case automation.KindInteger:
		return &runtime.CallArgument{Value: []byte(strconv.FormatInt(v.Int(), 10))}, nil
	case automation.KindDouble:
		f := v.Float()
		switch {
		case math.IsNaN(f):
			return &runtime.CallArgument{UnserializableValue: "NaN"}, nil
		case math.IsInf(f, 1):
			return &runtime.CallArgument{UnserializableValue: "Infinity"}, nil
		case math.IsInf(f, -1):
			return &runtime.CallArgument{UnserializableValue: "-Infinity"}, nil
		case f == 0 && math.Signbit(f):
			return &runtime.CallArgument{UnserializableValue: "-0"}, nil
		}
		return &runtime.CallArgument{Value: []byte(strconv.FormatFloat(f, 'g', -1, 64))}, nil
	case automation.KindBool:
		return &runtime.CallArgument{Value: []byte(strconv.FormatBool(v.Boolean()))}, nil
	case automation.KindObject:
		ro, ok := v.AsObject().(*remoteObject)
		if !ok || ro.win != d.win {
			return nil, errors.New("object does not belong to this window")
		}
		if ro.released() {
			return nil, automation.ErrDetached
		}
		return &runtime.CallArgument{ObjectID: ro.id}, nil
	}
	return nil, fmt.Errorf("unsupported value kind %s", v.Kind())
}

// value converts a call result. Objects stay in the page and are returned
// by reference; nodes are identified by their backend node id.
func (d *Document) value(ctx context.Context, res *runtime.RemoteObject) (automation.Value, error) {
	if res == nil {
		return automation.Empty(), nil
	}
	switch res.Type {
	case runtime.TypeUndefined:
		return automation.Empty(), nil
	case runtime.TypeString:
		var s string
		if err := json.Unmarshal(res.Value, &s); err != nil {
			return automation.Empty(), err
		}
		return automation.String(s), nil
	case runtime.TypeBoolean:
		return automation.Bool(string(res.Value) == "true"), nil
	case runtime.TypeNumber:
		switch res.UnserializableValue {
		case "":
		case "NaN":
			return automation.Double(math.NaN()), nil
		case "Infinity":
			return automation.Double(math.Inf(1)), nil
		case "-Infinity":
			return automation.Double(math.Inf(-1)), nil
		case "-0":
			return automation.Double(math.Copysign(0, -1)), nil
		}
		var f float64
		if err := json.Unmarshal(res.Value, &f); err != nil {
			return automation.Empty(), err
		}
		return automation.Number(f), nil
	case runtime.TypeObject, runtime.TypeFunction:
		if res.Subtype == runtime.SubtypeNull || res.ObjectID == "" {
			return automation.Null(), nil
		}
		ro := &remoteObject{win: d.win, id: res.ObjectID, identity: "object:" + string(res.ObjectID)}
		if res.Subtype == runtime.SubtypeNode {
			node, err := dom.DescribeNode().WithObjectID(res.ObjectID).Do(ctx)
			if err != nil {
				ro.Release()
				return automation.Empty(), err
			}
			ro.identity = "node:" + strconv.FormatInt(int64(node.BackendNodeID), 10)
		}
		return automation.ObjectValue(ro), nil
	}
	// bigint and symbol have no JSON form.
	return automation.String(res.Description), nil
}

func (d *Document) ReadyState() string {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	v, err := d.Execute(ctx, "function () { return document.readyState; }", nil)
	if err != nil || v.Kind() != automation.KindString {
		return automation.ReadyLoading
	}
	return v.Str()
}

// Frames lists the child frames of this document in tree order.
func (d *Document) Frames() []automation.Document {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	var tree *page.FrameTree
	err := d.win.run(ctx, func(ctx context.Context) error {
		var err error
		tree, err = page.GetFrameTree().Do(ctx)
		return err
	})
	if err != nil {
		return nil
	}
	node := findFrame(tree, d.frame)
	if node == nil {
		return nil
	}
	out := make([]automation.Document, 0, len(node.ChildFrames))
	for _, child := range node.ChildFrames {
		if child.Frame != nil {
			out = append(out, d.win.document(child.Frame.ID))
		}
	}
	return out
}

func findFrame(t *page.FrameTree, id cdp.FrameID) *page.FrameTree {
	if t == nil {
		return nil
	}
	if t.Frame != nil && t.Frame.ID == id {
		return t
	}
	for _, c := range t.ChildFrames {
		if f := findFrame(c, id); f != nil {
			return f
		}
	}
	return nil
}

// FrameFor returns the document hosted by a frame or iframe element.
func (d *Document) FrameFor(ctx context.Context, frame automation.Object) (automation.Document, error) {
	ro, ok := frame.(*remoteObject)
	if !ok || ro.win != d.win {
		return nil, automation.ErrNoSuchFrame
	}
	var node *cdp.Node
	err := d.win.run(ctx, func(ctx context.Context) error {
		var err error
		node, err = dom.DescribeNode().WithObjectID(ro.id).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if node.FrameID == "" {
		return nil, automation.ErrNoSuchFrame
	}
	return d.win.document(node.FrameID), nil
}

// remoteObject is a handle to a page object held by the browser.
type remoteObject struct {
	win      *Window
	id       runtime.RemoteObjectID
	identity string

	once sync.Once
	gone bool
	mu   sync.Mutex
}

func (o *remoteObject) Identity() string { return o.identity }

func (o *remoteObject) released() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gone
}

// Release frees the browser side handle. Errors are ignored.
func (o *remoteObject) Release() {
	o.once.Do(func() {
		o.mu.Lock()
		o.gone = true
		o.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		_ = o.win.run(ctx, func(ctx context.Context) error {
			return runtime.ReleaseObject(o.id).Do(ctx)
		})
	})
}
