package sim

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) scalpel-driver/sim"

// Window is one simulated top-level browsing context.
type Window struct {
	host   *Host
	handle string
	logger *zap.Logger
	input  *inputSink

	mu      sync.Mutex
	doc     *Document
	history []*url.URL
	pos     int
	rect    schemas.Rect
	dialog  *dialog

	viewportW atomic.Int64
	viewportH atomic.Int64

	navStarted atomic.Bool
	busy       atomic.Bool
	loading    atomic.Bool
	navSeq     atomic.Uint64
	closed     atomic.Bool
}

var _ automation.Browser = (*Window)(nil)

func newWindow(h *Host, handle string) *Window {
	w := &Window{
		host:   h,
		handle: handle,
		logger: h.logger.With(zap.String("window", handle)),
		rect:   schemas.Rect{X: 0, Y: 0, Width: float64(h.width), Height: float64(h.height)},
	}
	w.viewportW.Store(int64(h.width))
	w.viewportH.Store(int64(h.height))
	w.input = &inputSink{win: w}
	return w
}

func (w *Window) Handle() string { return w.handle }

// loadBlank installs the initial about:blank document synchronously.
func (w *Window) loadBlank(ctx context.Context) error {
	u, _ := url.Parse("about:blank")
	doc := newDocument(w, nil, u)
	if err := doc.boot(ctx, blankPage); err != nil {
		return err
	}
	w.mu.Lock()
	w.doc = doc
	w.history = []*url.URL{u}
	w.pos = 0
	w.mu.Unlock()
	return doc.run(ctx)
}

func (w *Window) current() *Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doc
}

func (w *Window) currentURL() *url.URL {
	if d := w.current(); d != nil {
		return d.url
	}
	return nil
}

// -- Navigation --

func (w *Window) Navigate(_ context.Context, rawURL string) error {
	return w.navigateFrom(rawURL, nil)
}

func (w *Window) navigateFrom(rawURL string, base *url.URL) error {
	if w.closed.Load() {
		return automation.ErrDetached
	}
	u, err := resolveURL(rawURL, base)
	if err != nil {
		return schemas.WrapError(schemas.InvalidArgument, err, "invalid URL")
	}
	w.push(u)
	w.start(request{url: u})
	return nil
}

func resolveURL(rawURL string, base *url.URL) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if base != nil && !u.IsAbs() {
		u = base.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("%q is not an absolute URL", rawURL)
	}
	return u, nil
}

func (w *Window) push(u *url.URL) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history[:w.pos+1], u)
	w.pos = len(w.history) - 1
}

func (w *Window) Back(_ context.Context) error    { return w.traverse(-1) }
func (w *Window) Forward(_ context.Context) error { return w.traverse(1) }

func (w *Window) traverse(delta int) error {
	if w.closed.Load() {
		return automation.ErrDetached
	}
	w.mu.Lock()
	next := w.pos + delta
	if next < 0 || next >= len(w.history) {
		w.mu.Unlock()
		return nil
	}
	w.pos = next
	u := w.history[next]
	w.mu.Unlock()
	w.start(request{url: u})
	return nil
}

func (w *Window) Refresh(_ context.Context) error {
	if w.closed.Load() {
		return automation.ErrDetached
	}
	w.mu.Lock()
	u := w.history[w.pos]
	w.mu.Unlock()
	w.start(request{url: u})
	return nil
}

// start begins an asynchronous load. A later navigation supersedes it.
func (w *Window) start(req request) {
	seq := w.navSeq.Add(1)
	w.navStarted.Store(true)
	w.busy.Store(true)
	w.loading.Store(true)
	w.logger.Debug("Navigation started.", zap.Stringer("url", req.url), zap.Uint64("seq", seq))
	go w.load(seq, req)
}

func (w *Window) load(seq uint64, req request) {
	ctx := w.host.ctx
	res, err := w.host.fetch(ctx, req)
	if err != nil {
		w.logger.Debug("Page load failed.", zap.Stringer("url", req.url), zap.Error(err))
		res = resource{body: errorPage(req.url, err), url: req.url}
	}
	if w.navSeq.Load() != seq || w.closed.Load() {
		return
	}

	doc := newDocument(w, nil, res.url)
	if err := doc.boot(ctx, res.body); err != nil {
		w.logger.Warn("Could not create document.", zap.Error(err))
		doc.detach()
		w.finish(seq)
		return
	}

	w.mu.Lock()
	if w.navSeq.Load() != seq {
		w.mu.Unlock()
		doc.detach()
		return
	}
	old := w.doc
	w.doc = doc
	if req.method != "" || res.url.String() != req.url.String() {
		w.history[w.pos] = res.url
	}
	w.mu.Unlock()
	w.loading.Store(false)
	if old != nil {
		old.detach()
	}

	if err := doc.run(ctx); err != nil {
		w.logger.Debug("Document lifecycle interrupted.", zap.Error(err))
	}
	w.finish(seq)
}

func (w *Window) finish(seq uint64) {
	if w.navSeq.Load() == seq {
		w.loading.Store(false)
		w.busy.Store(false)
	}
}

func (w *Window) NavigationStarted() bool { return w.navStarted.Swap(false) }
func (w *Window) Busy() bool              { return w.busy.Load() }

func (w *Window) ReadyState() string {
	if w.loading.Load() {
		return automation.ReadyLoading
	}
	if d := w.current(); d != nil {
		return d.ReadyState()
	}
	return automation.ReadyLoading
}

func (w *Window) URL() string {
	if u := w.currentURL(); u != nil {
		return u.String()
	}
	return ""
}

func (w *Window) Title() string {
	if d := w.current(); d != nil {
		return d.Title()
	}
	return ""
}

func (w *Window) Document() automation.Document {
	if d := w.current(); d != nil {
		return d
	}
	return nil
}

// -- Dialogs --

func (w *Window) Dialog() (automation.Dialog, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dialog == nil || w.dialog.done.Load() {
		return nil, false
	}
	return w.dialog, true
}

func (w *Window) setDialog(d *dialog) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() || (w.dialog != nil && !w.dialog.done.Load()) {
		return false
	}
	w.dialog = d
	return true
}

func (w *Window) clearDialog(d *dialog) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dialog == d {
		w.dialog = nil
	}
}

// -- Geometry --

func (w *Window) WindowRect(_ context.Context) (schemas.Rect, error) {
	if w.closed.Load() {
		return schemas.Rect{}, automation.ErrDetached
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rect, nil
}

func (w *Window) SetWindowRect(_ context.Context, r schemas.Rect) error {
	if w.closed.Load() {
		return automation.ErrDetached
	}
	if r.Width < 1 || r.Height < 1 {
		return schemas.NewError(schemas.InvalidArgument, "window size must be positive")
	}
	w.mu.Lock()
	w.rect = r
	w.mu.Unlock()
	w.viewportW.Store(int64(r.Width))
	w.viewportH.Store(int64(r.Height))
	return nil
}

func (w *Window) Maximize(ctx context.Context) error {
	return w.SetWindowRect(ctx, schemas.Rect{Width: screenWidth, Height: screenHeight})
}

func (w *Window) ViewportRect(_ context.Context) (schemas.Rect, error) {
	if w.closed.Load() {
		return schemas.Rect{}, automation.ErrDetached
	}
	return schemas.Rect{Width: float64(w.viewportW.Load()), Height: float64(w.viewportH.Load())}, nil
}

// Screenshot renders the border of every visible element box.
func (w *Window) Screenshot(ctx context.Context) ([]byte, error) {
	d := w.current()
	if d == nil || w.closed.Load() {
		return nil, automation.ErrDetached
	}
	vw, vh := int(w.viewportW.Load()), int(w.viewportH.Load())
	var boxes []box
	err := d.sync(ctx, func() error {
		boxes = d.dom.visibleBoxes()
		return nil
	})
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, vw, vh))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	edge := color.RGBA{R: 0x99, G: 0x99, B: 0x99, A: 0xff}
	for _, b := range boxes {
		r := image.Rect(int(b.X), int(b.Y), int(b.X+b.W), int(b.Y+b.H)).Intersect(img.Bounds())
		if r.Empty() {
			continue
		}
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, r.Min.Y, edge)
			img.Set(x, r.Max.Y-1, edge)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.Set(r.Min.X, y, edge)
			img.Set(r.Max.X-1, y, edge)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, schemas.WrapError(schemas.UnableToCaptureScreen, err, "")
	}
	return buf.Bytes(), nil
}

// -- Cookies --

func (w *Window) cookieURL() (*url.URL, error) {
	u := w.currentURL()
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schemas.NewError(schemas.InvalidArgument, "cookies are not available for this document")
	}
	return u, nil
}

func (w *Window) Cookies(_ context.Context) ([]schemas.Cookie, error) {
	u, err := w.cookieURL()
	if err != nil {
		return []schemas.Cookie{}, nil
	}
	jarred := w.host.jar.Cookies(u)
	out := make([]schemas.Cookie, 0, len(jarred))
	for _, c := range jarred {
		out = append(out, schemas.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Path:   "/",
			Domain: u.Hostname(),
			Secure: u.Scheme == "https",
		})
	}
	return out, nil
}

func (w *Window) SetCookie(_ context.Context, c schemas.Cookie) error {
	u, err := w.cookieURL()
	if err != nil {
		return schemas.WrapError(schemas.UnableToSetCookie, err, "")
	}
	if c.Domain != "" && !domainMatches(u.Hostname(), c.Domain) {
		return schemas.NewError(schemas.InvalidArgument, "cookie domain %q does not match %q", c.Domain, u.Hostname())
	}
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if hc.Path == "" {
		hc.Path = "/"
	}
	if c.Expiry > 0 {
		hc.Expires = time.Unix(c.Expiry, 0)
	}
	w.host.jar.SetCookies(u, []*http.Cookie{hc})
	return nil
}

func (w *Window) DeleteCookie(_ context.Context, name string) error {
	u, err := w.cookieURL()
	if err != nil {
		return nil
	}
	w.host.jar.SetCookies(u, []*http.Cookie{{Name: name, Path: "/", MaxAge: -1}})
	return nil
}

func domainMatches(host, domain string) bool {
	if domain[0] == '.' {
		domain = domain[1:]
	}
	return host == domain || len(host) > len(domain) && host[len(host)-len(domain)-1:] == "."+domain
}

func (w *Window) Input() automation.InputSink { return w.input }

// Close tears the window down and reports it to the host.
func (w *Window) Close(_ context.Context) error {
	if w.closed.Load() {
		return automation.ErrDetached
	}
	w.teardown()
	w.host.windowClosed(w)
	return nil
}

func (w *Window) teardown() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.navSeq.Add(1)
	w.mu.Lock()
	d := w.doc
	w.mu.Unlock()
	if d != nil {
		d.detach()
	}
	w.busy.Store(false)
	w.loading.Store(false)
}
