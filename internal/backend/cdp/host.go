// Package cdp drives a Chromium browser over the DevTools protocol with
// chromedp. Each top-level page target is one automation.Browser.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/config"
)

const eventBuffer = 64

// Host owns one Chromium instance, either launched locally or reached
// through a remote debugging URL.
type Host struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	events        chan automation.Event
	dropped       atomic.Bool

	mu      sync.Mutex
	windows map[target.ID]*Window
	first   target.ID
	opened  bool
	closed  bool
}

var (
	_ automation.Host         = (*Host)(nil)
	_ automation.WindowLister = (*Host)(nil)
)

// allocatorFlags returns the command line switches for a local browser
// beyond chromedp's defaults.
func allocatorFlags(cfg config.BrowserConfig) map[string]any {
	flags := map[string]any{}
	if !cfg.Headless {
		flags["headless"] = false
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", cfg.WindowWidth, cfg.WindowHeight)
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			flags[name] = value
		} else {
			flags[name] = true
		}
	}
	return flags
}

// AllocatorOptions builds the exec allocator options for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.BinaryPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.BinaryPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	flags := allocatorFlags(cfg)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}
	return opts
}

// NewHost starts or connects to a browser and attaches to its first tab.
func NewHost(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Host, error) {
	h := &Host{
		logger:  logger.Named("cdp"),
		cfg:     cfg,
		events:  make(chan automation.Event, eventBuffer),
		windows: make(map[target.ID]*Window),
	}

	base := context.WithoutCancel(ctx)
	var allocCtx context.Context
	if cfg.RemoteURL != "" {
		allocCtx, h.allocCancel = chromedp.NewRemoteAllocator(base, cfg.RemoteURL)
	} else {
		allocCtx, h.allocCancel = chromedp.NewExecAllocator(base, AllocatorOptions(cfg)...)
	}
	h.browserCtx, h.browserCancel = chromedp.NewContext(allocCtx,
		chromedp.WithLogf(h.logger.Sugar().Debugf),
		chromedp.WithErrorf(h.logger.Sugar().Debugf),
	)

	first := newWindow(h, h.browserCtx, h.browserCancel)
	if err := chromedp.Run(h.browserCtx); err != nil {
		h.allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	first.attach()
	h.first = first.id
	h.windows[first.id] = first

	chromedp.ListenBrowser(h.browserCtx, h.onBrowserEvent)
	bctx := cdp.WithExecutor(ctx, chromedp.FromContext(h.browserCtx).Browser)
	if err := target.SetDiscoverTargets(true).Do(bctx); err != nil {
		h.shutdown()
		return nil, fmt.Errorf("failed to watch targets: %w", err)
	}

	h.logger.Info("Browser started.", zap.Bool("remote", cfg.RemoteURL != ""), zap.String("target", string(first.id)))
	return h, nil
}

// Open returns the first tab. A host serves one session, so it opens once.
func (h *Host) Open(context.Context) (automation.Browser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, automation.ErrDetached
	}
	if h.opened {
		return nil, errors.New("browser host is already open")
	}
	h.opened = true
	w, ok := h.windows[h.first]
	if !ok {
		return nil, automation.ErrDetached
	}
	return w, nil
}

// Events delivers window lifecycle notifications.
func (h *Host) Events() <-chan automation.Event { return h.events }

// Quit closes the browser, or disconnects from a remote one.
func (h *Host) Quit(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	return h.shutdown()
}

func (h *Host) shutdown() error {
	err := chromedp.Cancel(h.browserCtx)
	h.allocCancel()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	h.logger.Debug("Browser shut down.", zap.Error(err))
	return err
}

func (h *Host) track(w *Window) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if _, ok := h.windows[w.id]; ok {
		return false
	}
	h.windows[w.id] = w
	return true
}

func (h *Host) known(id target.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.windows[id]
	return ok
}

func (h *Host) forget(id target.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.windows[id]
	if ok {
		delete(h.windows, id)
		w.detached.Store(true)
	}
	return ok
}

func (h *Host) emit(ev automation.Event) {
	select {
	case h.events <- ev:
	default:
		h.dropped.Store(true)
		h.logger.Warn("Event buffer full, dropping window event.", zap.String("handle", ev.Handle))
	}
}

// Dropped reports whether emit discarded an event since the last call.
func (h *Host) Dropped() bool { return h.dropped.Swap(false) }

// Windows returns the attached page windows ordered by target id.
func (h *Host) Windows() []automation.Browser {
	h.mu.Lock()
	ws := make([]*Window, 0, len(h.windows))
	for _, w := range h.windows {
		if !w.detached.Load() {
			ws = append(ws, w)
		}
	}
	h.mu.Unlock()
	sort.Slice(ws, func(i, j int) bool { return ws[i].id < ws[j].id })
	out := make([]automation.Browser, len(ws))
	for i, w := range ws {
		out[i] = w
	}
	return out
}

func (h *Host) onBrowserEvent(ev any) {
	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		info := ev.TargetInfo
		if info == nil || info.Type != "page" || h.known(info.TargetID) {
			return
		}
		go h.adopt(info.TargetID)
	case *target.EventTargetDestroyed:
		if h.forget(ev.TargetID) {
			h.emit(automation.Event{Type: automation.EventWindowClosed, Handle: string(ev.TargetID)})
		}
	}
}

// adopt attaches to a page the browser opened on its own, such as a
// window.open popup.
func (h *Host) adopt(id target.ID) {
	tctx, cancel := chromedp.NewContext(h.browserCtx, chromedp.WithTargetID(id))
	w := newWindow(h, tctx, cancel)
	if err := chromedp.Run(tctx); err != nil {
		cancel()
		h.logger.Debug("Could not attach to new target.", zap.String("target", string(id)), zap.Error(err))
		return
	}
	w.attach()
	if !h.track(w) {
		return
	}
	h.emit(automation.Event{Type: automation.EventNewWindow, Browser: w, Handle: w.Handle()})
}
