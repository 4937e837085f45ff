package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// probeTimeout bounds the status reads that take no context.
const probeTimeout = 2 * time.Second

// Window is one page target.
type Window struct {
	host   *Host
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	id     target.ID

	detached   atomic.Bool
	navStarted atomic.Bool
	busy       atomic.Bool

	mu       sync.Mutex
	dialog   *dialog
	contexts map[cdp.FrameID]runtime.ExecutionContextID
	live     map[runtime.ExecutionContextID]bool
	docs     map[runtime.ExecutionContextID]*Document
	pending  map[cdp.FrameID]*Document

	input *inputSink
}

var _ automation.Browser = (*Window)(nil)

func newWindow(h *Host, ctx context.Context, cancel context.CancelFunc) *Window {
	w := &Window{
		host:     h,
		logger:   h.logger,
		ctx:      ctx,
		cancel:   cancel,
		contexts: make(map[cdp.FrameID]runtime.ExecutionContextID),
		live:     make(map[runtime.ExecutionContextID]bool),
		docs:     make(map[runtime.ExecutionContextID]*Document),
		pending:  make(map[cdp.FrameID]*Document),
	}
	w.input = &inputSink{win: w}
	chromedp.ListenTarget(ctx, w.onEvent)
	return w
}

// attach records the target id once chromedp has attached to it.
func (w *Window) attach() {
	c := chromedp.FromContext(w.ctx)
	w.mu.Lock()
	w.id = c.Target.TargetID
	w.mu.Unlock()
	w.logger = w.host.logger.With(zap.String("target", string(w.id)))
}

func (w *Window) Handle() string { return string(w.id) }

func (w *Window) mainFrame() cdp.FrameID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return cdp.FrameID(w.id)
}

// run executes fn against this target with the caller's deadline. Errors
// raised after the target went away are reported as ErrDetached.
func (w *Window) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if w.detached.Load() {
		return automation.ErrDetached
	}
	c := chromedp.FromContext(w.ctx)
	if c == nil || c.Target == nil {
		return automation.ErrDetached
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	err := fn(cdp.WithExecutor(ctx, c.Target))
	if err != nil && (w.detached.Load() || w.ctx.Err() != nil || isContextGone(err)) {
		return automation.ErrDetached
	}
	return err
}

// runBrowser executes fn against the browser endpoint.
func (w *Window) runBrowser(ctx context.Context, fn func(ctx context.Context) error) error {
	if w.detached.Load() {
		return automation.ErrDetached
	}
	c := chromedp.FromContext(w.host.browserCtx)
	if c == nil || c.Browser == nil {
		return automation.ErrDetached
	}
	return fn(cdp.WithExecutor(ctx, c.Browser))
}

func isContextGone(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Cannot find context with specified id") ||
		strings.Contains(msg, "Execution context was destroyed") ||
		strings.Contains(msg, "No target with given id")
}

// -- Events --

type auxData struct {
	FrameID   cdp.FrameID `json:"frameId"`
	IsDefault bool        `json:"isDefault"`
}

// onEvent runs on chromedp's event loop and must not issue commands.
func (w *Window) onEvent(ev any) {
	switch ev := ev.(type) {
	case *page.EventFrameStartedLoading:
		if ev.FrameID == w.mainFrame() {
			w.navStarted.Store(true)
			w.busy.Store(true)
		}
	case *page.EventFrameStoppedLoading:
		if ev.FrameID == w.mainFrame() {
			w.busy.Store(false)
		}
	case *page.EventJavascriptDialogOpening:
		w.mu.Lock()
		w.dialog = &dialog{win: w, kind: automation.DialogType(ev.Type), text: ev.Message}
		w.mu.Unlock()
	case *page.EventJavascriptDialogClosed:
		w.mu.Lock()
		w.dialog = nil
		w.mu.Unlock()
	case *runtime.EventExecutionContextCreated:
		w.contextCreated(ev.Context)
	case *runtime.EventExecutionContextDestroyed:
		w.contextDestroyed(ev.ExecutionContextID)
	case *runtime.EventExecutionContextsCleared:
		w.mu.Lock()
		w.contexts = make(map[cdp.FrameID]runtime.ExecutionContextID)
		w.live = make(map[runtime.ExecutionContextID]bool)
		w.docs = make(map[runtime.ExecutionContextID]*Document)
		w.mu.Unlock()
	}
}

func (w *Window) contextCreated(desc *runtime.ExecutionContextDescription) {
	if desc == nil || len(desc.AuxData) == 0 {
		return
	}
	var aux auxData
	if err := json.Unmarshal(desc.AuxData, &aux); err != nil || !aux.IsDefault || aux.FrameID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.contexts[aux.FrameID]; ok {
		delete(w.live, old)
		delete(w.docs, old)
	}
	w.contexts[aux.FrameID] = desc.ID
	w.live[desc.ID] = true
}

func (w *Window) contextDestroyed(id runtime.ExecutionContextID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.live, id)
	delete(w.docs, id)
	for frame, cid := range w.contexts {
		if cid == id {
			delete(w.contexts, frame)
		}
	}
}

func (w *Window) contextLive(id runtime.ExecutionContextID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.live[id]
}

// bind pins d to the current context of its frame. It returns false when
// the frame has no script context yet.
func (w *Window) bind(d *Document) (runtime.ExecutionContextID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.contexts[d.frame]
	if !ok {
		return 0, false
	}
	if w.pending[d.frame] == d {
		delete(w.pending, d.frame)
	}
	if _, taken := w.docs[id]; !taken {
		w.docs[id] = d
	}
	return id, true
}

// document returns the document currently shown in frame. The same value is
// returned until the frame navigates.
func (w *Window) document(frame cdp.FrameID) *Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.contexts[frame]; ok {
		if d, ok := w.docs[id]; ok {
			return d
		}
		d := &Document{win: w, frame: frame, ctxID: id}
		w.docs[id] = d
		return d
	}
	if d, ok := w.pending[frame]; ok {
		return d
	}
	d := &Document{win: w, frame: frame}
	w.pending[frame] = d
	return d
}

// -- Navigation --

func (w *Window) Navigate(ctx context.Context, url string) error {
	return w.run(ctx, func(ctx context.Context) error {
		w.navStarted.Store(true)
		_, _, errText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return fmt.Errorf("navigation to %s failed: %s", url, errText)
		}
		return nil
	})
}

func (w *Window) Back(ctx context.Context) error    { return w.traverse(ctx, -1) }
func (w *Window) Forward(ctx context.Context) error { return w.traverse(ctx, 1) }

func (w *Window) traverse(ctx context.Context, delta int) error {
	return w.run(ctx, func(ctx context.Context) error {
		cur, entries, err := page.GetNavigationHistory().Do(ctx)
		if err != nil {
			return err
		}
		i := int(cur) + delta
		if i < 0 || i >= len(entries) {
			return nil
		}
		w.navStarted.Store(true)
		return page.NavigateToHistoryEntry(entries[i].ID).Do(ctx)
	})
}

func (w *Window) Refresh(ctx context.Context) error {
	return w.run(ctx, func(ctx context.Context) error {
		w.navStarted.Store(true)
		return page.Reload().Do(ctx)
	})
}

func (w *Window) NavigationStarted() bool { return w.navStarted.Swap(false) }
func (w *Window) Busy() bool              { return w.busy.Load() }

func (w *Window) ReadyState() string {
	if w.busy.Load() {
		return automation.ReadyLoading
	}
	return w.document(w.mainFrame()).ReadyState()
}

func (w *Window) URL() string   { return w.probeString("function () { return location.href; }") }
func (w *Window) Title() string { return w.probeString("function () { return document.title; }") }

func (w *Window) probeString(fn string) string {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	v, err := w.document(w.mainFrame()).Execute(ctx, fn, nil)
	if err != nil {
		return ""
	}
	return v.Str()
}

func (w *Window) Document() automation.Document {
	if w.detached.Load() {
		return nil
	}
	return w.document(w.mainFrame())
}

// -- Dialogs --

func (w *Window) Dialog() (automation.Dialog, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dialog == nil {
		return nil, false
	}
	return w.dialog, true
}

func (w *Window) dialogOpen() bool {
	_, ok := w.Dialog()
	return ok
}

// -- Geometry --

func (w *Window) bounds(ctx context.Context) (browser.WindowID, *browser.Bounds, error) {
	var (
		id     browser.WindowID
		bounds *browser.Bounds
	)
	err := w.runBrowser(ctx, func(ctx context.Context) error {
		var err error
		id, bounds, err = browser.GetWindowForTarget().WithTargetID(w.id).Do(ctx)
		return err
	})
	return id, bounds, err
}

func (w *Window) WindowRect(ctx context.Context) (schemas.Rect, error) {
	_, b, err := w.bounds(ctx)
	if err != nil {
		return schemas.Rect{}, err
	}
	return schemas.Rect{X: float64(b.Left), Y: float64(b.Top), Width: float64(b.Width), Height: float64(b.Height)}, nil
}

func (w *Window) SetWindowRect(ctx context.Context, r schemas.Rect) error {
	if r.Width < 1 || r.Height < 1 {
		return schemas.NewError(schemas.InvalidArgument, "window size must be positive")
	}
	id, _, err := w.bounds(ctx)
	if err != nil {
		return err
	}
	return w.runBrowser(ctx, func(ctx context.Context) error {
		// Bounds cannot change while maximized.
		if err := browser.SetWindowBounds(id, &browser.Bounds{WindowState: browser.WindowStateNormal}).Do(ctx); err != nil {
			return err
		}
		return browser.SetWindowBounds(id, &browser.Bounds{
			Left:   int64(r.X),
			Top:    int64(r.Y),
			Width:  int64(r.Width),
			Height: int64(r.Height),
		}).Do(ctx)
	})
}

func (w *Window) Maximize(ctx context.Context) error {
	id, _, err := w.bounds(ctx)
	if err != nil {
		return err
	}
	return w.runBrowser(ctx, func(ctx context.Context) error {
		return browser.SetWindowBounds(id, &browser.Bounds{WindowState: browser.WindowStateMaximized}).Do(ctx)
	})
}

func (w *Window) ViewportRect(ctx context.Context) (schemas.Rect, error) {
	var vp *page.LayoutViewport
	err := w.run(ctx, func(ctx context.Context) error {
		var err error
		_, _, _, vp, _, _, err = page.GetLayoutMetrics().Do(ctx)
		return err
	})
	if err != nil {
		return schemas.Rect{}, err
	}
	if vp == nil {
		return schemas.Rect{}, errors.New("browser reported no layout viewport")
	}
	return schemas.Rect{Width: float64(vp.ClientWidth), Height: float64(vp.ClientHeight)}, nil
}

func (w *Window) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := w.run(ctx, func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
		return err
	})
	return buf, err
}

// -- Cookies --

func (w *Window) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	var raw []*network.Cookie
	err := w.run(ctx, func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]schemas.Cookie, 0, len(raw))
	for _, c := range raw {
		sc := schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
		}
		if !c.Session && c.Expires > 0 {
			sc.Expiry = int64(c.Expires)
		}
		out = append(out, sc)
	}
	return out, nil
}

func (w *Window) SetCookie(ctx context.Context, c schemas.Cookie) error {
	u := w.URL()
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return schemas.NewError(schemas.InvalidArgument, "cookies are not available for this document")
	}
	p := network.SetCookie(c.Name, c.Value).WithURL(u)
	if c.Domain != "" {
		p = p.WithDomain(c.Domain)
	}
	if c.Path != "" {
		p = p.WithPath(c.Path)
	}
	if c.Secure {
		p = p.WithSecure(true)
	}
	if c.HTTPOnly {
		p = p.WithHTTPOnly(true)
	}
	if c.SameSite != "" {
		p = p.WithSameSite(network.CookieSameSite(c.SameSite))
	}
	if c.Expiry > 0 {
		exp := cdp.TimeSinceEpoch(time.Unix(c.Expiry, 0))
		p = p.WithExpires(&exp)
	}
	return w.run(ctx, func(ctx context.Context) error { return p.Do(ctx) })
}

func (w *Window) DeleteCookie(ctx context.Context, name string) error {
	u := w.URL()
	return w.run(ctx, func(ctx context.Context) error {
		return network.DeleteCookies(name).WithURL(u).Do(ctx)
	})
}

func (w *Window) Input() automation.InputSink { return w.input }

// Close closes the page target. The host reports the closure once the
// browser confirms it.
func (w *Window) Close(ctx context.Context) error {
	if w.detached.Load() {
		return automation.ErrDetached
	}
	err := w.runBrowser(ctx, func(ctx context.Context) error {
		return target.CloseTarget(w.id).Do(ctx)
	})
	if err != nil {
		return err
	}
	w.detached.Store(true)
	w.input.stop()
	if w.id != w.host.first {
		w.cancel()
	}
	return nil
}
