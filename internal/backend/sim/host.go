// Package sim is an in-process browser host. Pages are parsed with
// golang.org/x/net/html and scripted with goja, one event loop per
// document, so the driver core can run without an external browser.
package sim

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

const (
	defaultWidth  = 1280
	defaultHeight = 800
	screenWidth   = 1920
	screenHeight  = 1080
	eventBuffer   = 64
)

// Option configures a Host.
type Option func(*Host)

// WithHTTPClient sets the client used to load pages. The host's cookie jar
// is attached to it when it has none.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Host) { h.client = c }
}

// WithoutNativeSelectors hides querySelector and querySelectorAll from
// pages, as in engines that lack a selector API.
func WithoutNativeSelectors() Option {
	return func(h *Host) { h.nativeSelectors = false }
}

// WithViewport sets the initial content size of new windows.
func WithViewport(width, height int) Option {
	return func(h *Host) {
		h.width = width
		h.height = height
	}
}

// Host owns a set of simulated windows that share one cookie jar.
type Host struct {
	logger          *zap.Logger
	client          *http.Client
	jar             *cookiejar.Jar
	nativeSelectors bool
	width, height   int

	ctx    context.Context
	cancel context.CancelFunc
	events chan automation.Event

	mu      sync.Mutex
	windows map[string]*Window
	closed  bool
}

var _ automation.Host = (*Host)(nil)

// NewHost creates a host with no open windows.
func NewHost(logger *zap.Logger, opts ...Option) (*Host, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		logger:          logger.Named("sim"),
		jar:             jar,
		nativeSelectors: true,
		width:           defaultWidth,
		height:          defaultHeight,
		ctx:             ctx,
		cancel:          cancel,
		events:          make(chan automation.Event, eventBuffer),
		windows:         make(map[string]*Window),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.client == nil {
		h.client = &http.Client{}
	}
	if h.client.Jar == nil {
		c := *h.client
		c.Jar = jar
		h.client = &c
	}
	return h, nil
}

// Open creates the initial window showing about:blank.
func (h *Host) Open(ctx context.Context) (automation.Browser, error) {
	w, err := h.newWindow()
	if err != nil {
		return nil, err
	}
	if err := w.loadBlank(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Events delivers window lifecycle notifications.
func (h *Host) Events() <-chan automation.Event { return h.events }

// Quit closes every window.
func (h *Host) Quit(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	windows := make([]*Window, 0, len(h.windows))
	for _, w := range h.windows {
		windows = append(windows, w)
	}
	h.windows = map[string]*Window{}
	h.mu.Unlock()

	for _, w := range windows {
		w.teardown()
	}
	h.cancel()
	h.logger.Debug("Host shut down.", zap.Int("windows", len(windows)))
	return nil
}

func (h *Host) newWindow() (*Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, automation.ErrDetached
	}
	w := newWindow(h, "sim-"+uuid.NewString())
	h.windows[w.handle] = w
	return w, nil
}

// openWindow services window.open and target=_blank links.
func (h *Host) openWindow(rawURL string, opener *Window) {
	w, err := h.newWindow()
	if err != nil {
		return
	}
	if err := w.loadBlank(h.ctx); err != nil {
		h.logger.Warn("Could not initialise new window.", zap.Error(err))
		return
	}
	if rawURL != "" && rawURL != "about:blank" {
		if err := w.navigateFrom(rawURL, opener.currentURL()); err != nil {
			h.logger.Warn("New window navigation failed.", zap.String("url", rawURL), zap.Error(err))
		}
	}
	h.emit(automation.Event{Type: automation.EventNewWindow, Browser: w})
}

func (h *Host) windowClosed(w *Window) {
	h.mu.Lock()
	_, ok := h.windows[w.handle]
	delete(h.windows, w.handle)
	h.mu.Unlock()
	if ok {
		h.emit(automation.Event{Type: automation.EventWindowClosed, Handle: w.handle})
	}
}

func (h *Host) emit(ev automation.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("Dropping host event, mailbox full.", zap.Int("type", int(ev.Type)))
	}
}
