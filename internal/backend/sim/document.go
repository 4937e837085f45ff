package sim

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

//go:embed prelude.js
var preludeSource string

// harnessSource invokes a function expression and settles promise results.
const harnessSource = `(function (fn, args, resolve, reject) {
  var r;
  try {
    r = fn.apply(window, args);
  } catch (e) {
    reject(e);
    return;
  }
  if (r !== null && typeof r === 'object' && typeof r.then === 'function') {
    r.then(resolve, reject);
  } else {
    resolve(r);
  }
})`

const (
	maxFrameDepth = 4
	maxCompiled   = 512
	titleBudget   = 250 * time.Millisecond
)

var docSerial atomic.Uint64

// Document is a page or frame with its own script runtime and event loop.
// Everything reachable from vm and dom is owned by the loop goroutine.
type Document struct {
	win    *Window
	parent *Document
	serial uint64
	url    *url.URL
	depth  int
	logger *zap.Logger
	// frame is the document's viewport within the window. It is zero
	// for top-level documents.
	frame box

	loop    *eventloop.EventLoop
	vm      atomic.Pointer[goja.Runtime]
	dom     *dom
	fns     map[string]goja.Value
	harness goja.Callable

	ready    atomic.Value
	title    atomic.Value
	detached atomic.Bool
	gone     chan struct{}
	goneOnce sync.Once

	mu     sync.Mutex
	frames []*Document
	owners map[*html.Node]*Document
}

var _ automation.Document = (*Document)(nil)

func newDocument(w *Window, parent *Document, u *url.URL) *Document {
	d := &Document{
		win:    w,
		parent: parent,
		serial: docSerial.Add(1),
		url:    u,
		logger: w.logger.With(zap.Stringer("url", u)),
		loop:   eventloop.NewEventLoop(eventloop.EnableConsole(false)),
		fns:    make(map[string]goja.Value),
		gone:   make(chan struct{}),
		owners: make(map[*html.Node]*Document),
	}
	if parent != nil {
		d.depth = parent.depth + 1
	}
	d.ready.Store(automation.ReadyLoading)
	d.title.Store("")
	d.loop.Start()
	return d
}

// sync runs fn on the loop and waits for it.
func (d *Document) sync(ctx context.Context, fn func() error) error {
	if d.detached.Load() {
		return automation.ErrDetached
	}
	done := make(chan error, 1)
	d.loop.RunOnLoop(func(*goja.Runtime) {
		if d.detached.Load() {
			done <- automation.ErrDetached
			return
		}
		done <- fn()
	})
	select {
	case err := <-done:
		return err
	case <-d.gone:
		return automation.ErrDetached
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post runs fn on the loop without waiting.
func (d *Document) post(fn func()) {
	if d.detached.Load() {
		return
	}
	d.loop.RunOnLoop(func(*goja.Runtime) {
		if !d.detached.Load() {
			fn()
		}
	})
}

// boot parses the page and prepares the runtime.
func (d *Document) boot(ctx context.Context, body string) error {
	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", d.url, err)
	}
	done := make(chan error, 1)
	d.loop.RunOnLoop(func(vm *goja.Runtime) {
		done <- d.setup(vm, root)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Document) setup(vm *goja.Runtime, root *html.Node) error {
	d.vm.Store(vm)
	d.dom = newDOM(d, vm, root)
	if err := d.dom.install(); err != nil {
		return err
	}
	h, err := vm.RunString(harnessSource)
	if err != nil {
		return err
	}
	d.harness, _ = goja.AssertFunction(h)
	d.refreshTitle()
	return nil
}

// run executes the page scripts, loads frames and fires the load events.
func (d *Document) run(ctx context.Context) error {
	var scripts []pendingScript
	if err := d.sync(ctx, func() error {
		scripts = d.dom.scripts()
		return nil
	}); err != nil {
		return err
	}
	for _, s := range scripts {
		src := s.text
		if s.src != "" {
			u, err := resolveURL(s.src, d.url)
			if err != nil {
				continue
			}
			res, err := d.win.host.fetch(ctx, request{url: u})
			if err != nil {
				d.logger.Debug("Script fetch failed.", zap.Stringer("src", u), zap.Error(err))
				continue
			}
			src = res.body
		}
		if err := d.sync(ctx, func() error {
			d.runScript(src)
			return nil
		}); err != nil {
			return err
		}
	}

	d.ready.Store(automation.ReadyInteractive)
	if err := d.sync(ctx, func() error {
		d.dom.fire(d.dom.root, "readystatechange", false)
		d.dom.fire(d.dom.root, "DOMContentLoaded", true)
		return nil
	}); err != nil {
		return err
	}

	if d.depth < maxFrameDepth {
		if err := d.loadFrames(ctx); err != nil {
			return err
		}
	}

	d.ready.Store(automation.ReadyComplete)
	return d.sync(ctx, func() error {
		d.dom.fire(d.dom.root, "readystatechange", false)
		d.dom.fireWindow("load")
		d.refreshTitle()
		return nil
	})
}

func (d *Document) runScript(src string) {
	vm := d.vm.Load()
	if _, err := vm.RunString(src); err != nil {
		d.logger.Debug("Uncaught exception in page script.", zap.Error(err))
	}
}

func (d *Document) loadFrames(ctx context.Context) error {
	var frames []pendingFrame
	if err := d.sync(ctx, func() error {
		frames = d.dom.frames()
		return nil
	}); err != nil {
		return err
	}
	for _, f := range frames {
		body := f.srcdoc
		u, _ := url.Parse("about:srcdoc")
		if !f.hasSrcdoc {
			body = blankPage
			u, _ = url.Parse("about:blank")
			if f.src != "" {
				ru, err := resolveURL(f.src, d.url)
				if err == nil {
					res, err := d.win.host.fetch(ctx, request{url: ru})
					if err != nil {
						res = resource{body: errorPage(ru, err), url: ru}
					}
					body, u = res.body, res.url
				}
			}
		}
		child := newDocument(d.win, d, u)
		child.frame = box{X: d.frame.X + f.box.X, Y: d.frame.Y + f.box.Y, W: f.box.W, H: f.box.H}
		if err := child.boot(ctx, body); err != nil {
			child.detach()
			return err
		}
		d.mu.Lock()
		if d.detached.Load() {
			d.mu.Unlock()
			child.detach()
			return automation.ErrDetached
		}
		d.frames = append(d.frames, child)
		d.owners[f.owner] = child
		d.mu.Unlock()
		if err := child.run(ctx); err != nil {
			return err
		}
	}
	return nil
}

// detach stops the loop and releases anything blocked on this document.
func (d *Document) detach() {
	if !d.detached.CompareAndSwap(false, true) {
		return
	}
	d.goneOnce.Do(func() { close(d.gone) })
	if vm := d.vm.Load(); vm != nil {
		vm.Interrupt(automation.ErrDetached)
	}
	d.loop.StopNoWait()

	d.mu.Lock()
	frames := d.frames
	d.frames = nil
	d.mu.Unlock()
	for _, f := range frames {
		f.detach()
	}
}

func (d *Document) ReadyState() string { return d.ready.Load().(string) }

// Title returns the document title, falling back to the last known value
// while the loop is busy.
func (d *Document) Title() string {
	ctx, cancel := context.WithTimeout(context.Background(), titleBudget)
	defer cancel()
	_ = d.sync(ctx, func() error {
		d.refreshTitle()
		return nil
	})
	return d.title.Load().(string)
}

func (d *Document) refreshTitle() {
	if d.dom != nil {
		d.title.Store(d.dom.titleText())
	}
}

func (d *Document) Frames() []automation.Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]automation.Document, len(d.frames))
	for i, f := range d.frames {
		out[i] = f
	}
	return out
}

func (d *Document) FrameFor(ctx context.Context, frame automation.Object) (automation.Document, error) {
	ref, ok := frame.(*jsRef)
	if !ok || ref.doc != d {
		return nil, automation.ErrNoSuchFrame
	}
	var owner *html.Node
	if err := d.sync(ctx, func() error {
		owner = d.dom.objs[ref.obj]
		return nil
	}); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if child, ok := d.owners[owner]; ok && owner != nil {
		return child, nil
	}
	return nil, automation.ErrNoSuchFrame
}

// -- Script execution --

type outcome struct {
	val automation.Value
	err error
}

// Execute calls fn with args on the loop. Promise results are awaited.
func (d *Document) Execute(ctx context.Context, fn string, args []automation.Value) (automation.Value, error) {
	if d.detached.Load() {
		return automation.Value{}, automation.ErrDetached
	}
	res := make(chan outcome, 1)
	settle := func(o outcome) {
		select {
		case res <- o:
		default:
		}
	}
	d.loop.RunOnLoop(func(vm *goja.Runtime) {
		if d.detached.Load() {
			settle(outcome{err: automation.ErrDetached})
			return
		}
		d.invoke(vm, fn, args, settle)
	})
	select {
	case o := <-res:
		return o.val, o.err
	case <-d.gone:
		return automation.Value{}, automation.ErrDetached
	case <-ctx.Done():
		return automation.Value{}, ctx.Err()
	}
}

func (d *Document) invoke(vm *goja.Runtime, fn string, args []automation.Value, settle func(outcome)) {
	call, err := d.compile(vm, fn)
	if err != nil {
		settle(outcome{err: automation.NewScriptError("%v", err)})
		return
	}
	in := make([]any, len(args))
	for i, a := range args {
		v, err := d.toJS(vm, a)
		if err != nil {
			settle(outcome{err: err})
			return
		}
		in[i] = v
	}
	resolve := func(c goja.FunctionCall) goja.Value {
		settle(outcome{val: d.fromJS(c.Argument(0))})
		return goja.Undefined()
	}
	reject := func(c goja.FunctionCall) goja.Value {
		settle(outcome{err: &automation.ScriptError{Message: exceptionText(c.Argument(0))}})
		return goja.Undefined()
	}
	_, err = d.harness(goja.Undefined(), call, vm.NewArray(in...), vm.ToValue(resolve), vm.ToValue(reject))
	if err != nil {
		var ex *goja.Exception
		if errors.As(err, &ex) {
			settle(outcome{err: &automation.ScriptError{Message: exceptionText(ex.Value())}})
		} else {
			settle(outcome{err: automation.NewScriptError("%v", err)})
		}
	}
	d.refreshTitle()
}

func (d *Document) compile(vm *goja.Runtime, fn string) (goja.Value, error) {
	if c, ok := d.fns[fn]; ok {
		return c, nil
	}
	v, err := vm.RunString("(" + fn + "\n)")
	if err != nil {
		return nil, err
	}
	if _, ok := goja.AssertFunction(v); !ok {
		return nil, fmt.Errorf("script is not a function")
	}
	if len(d.fns) < maxCompiled {
		d.fns[fn] = v
	}
	return v, nil
}

func exceptionText(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	return v.String()
}

// jsRef is a reference to an object in one document's runtime.
type jsRef struct {
	doc *Document
	obj *goja.Object
}

func (r *jsRef) Identity() string { return fmt.Sprintf("%d:%p", r.doc.serial, r.obj) }
func (r *jsRef) Release()         {}

func (d *Document) toJS(vm *goja.Runtime, v automation.Value) (goja.Value, error) {
	switch v.Kind() {
	case automation.KindEmpty:
		return goja.Undefined(), nil
	case automation.KindNull:
		return goja.Null(), nil
	case automation.KindString:
		return vm.ToValue(v.Str()), nil
	case automation.KindInteger:
		return vm.ToValue(v.Int()), nil
	case automation.KindDouble:
		return vm.ToValue(v.Float()), nil
	case automation.KindBool:
		return vm.ToValue(v.Boolean()), nil
	case automation.KindObject:
		ref, ok := v.AsObject().(*jsRef)
		if !ok {
			return nil, automation.NewScriptError("argument is not a page object")
		}
		if ref.doc != d {
			if ref.doc.detached.Load() {
				return nil, automation.ErrDetached
			}
			return nil, automation.NewScriptError("object belongs to a different document")
		}
		return ref.obj, nil
	}
	return goja.Undefined(), nil
}

func (d *Document) fromJS(v goja.Value) automation.Value {
	switch {
	case v == nil || goja.IsUndefined(v):
		return automation.Empty()
	case goja.IsNull(v):
		return automation.Null()
	}
	if obj, ok := v.(*goja.Object); ok {
		return automation.ObjectValue(&jsRef{doc: d, obj: obj})
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
	return automation.String(v.String())
}
