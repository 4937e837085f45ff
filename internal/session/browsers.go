package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/element"
	"github.com/xkilldash9x/scalpel-driver/internal/input"
)

// resyncInterval is how often awaitNewWindow checks for dropped host events.
const resyncInterval = 50 * time.Millisecond

// managedBrowser is one top-level window owned by the session.
type managedBrowser struct {
	automation.Browser
	// dialogWindow marks a window hosting an HTML-based modal dialog. Such
	// windows are tracked but not offered as switch targets.
	dialogWindow   bool
	closeRequested bool
	// waitRequired makes the dispatcher wait for a page load after the
	// current command.
	waitRequired bool
}

// navigates lists commands that start a navigation themselves. The other
// commands that set waitRequired only may have started one.
var navigates = map[schemas.CommandType]bool{
	schemas.CmdGet:       true,
	schemas.CmdGoBack:    true,
	schemas.CmdGoForward: true,
	schemas.CmdRefresh:   true,
}

// Wait reports whether b has finished loading. It is false while a
// navigation has just started, the window is busy, or the top document or
// any nested frame document is not complete. A displayed dialog ends the
// wait immediately.
func Wait(b automation.Browser) bool {
	if _, ok := b.Dialog(); ok {
		return true
	}
	if b.NavigationStarted() {
		return false
	}
	if b.Busy() || b.ReadyState() != automation.ReadyComplete {
		return false
	}
	return framesComplete(b.Document())
}

func framesComplete(doc automation.Document) bool {
	if doc == nil {
		return true
	}
	for _, f := range doc.Frames() {
		if f.ReadyState() != automation.ReadyComplete || !framesComplete(f) {
			return false
		}
	}
	return true
}

// settle lets input queued by the previous command reach the page before
// the first load poll, so a navigation it triggers is observed.
func (s *Session) settle(ctx context.Context, b *managedBrowser) {
	doc := b.Document()
	if doc == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.WaitPollInterval)
	defer cancel()
	_, _ = doc.Execute(sctx, "function () {}", nil)
}

// addBrowser registers a window. It does not change the current window.
func (s *Session) addBrowser(b automation.Browser, dialog bool) *managedBrowser {
	mb := &managedBrowser{Browser: b, dialogWindow: dialog}
	h := b.Handle()
	if _, exists := s.browsers[h]; !exists {
		s.order = append(s.order, h)
	}
	s.browsers[h] = mb
	s.logger.Debug("Tracking window.", zap.String("handle", h), zap.Bool("dialog", dialog))
	return mb
}

// removeBrowser forgets a window. When it was current the current window
// is cleared, not reassigned.
func (s *Session) removeBrowser(handle string) {
	if _, ok := s.browsers[handle]; !ok {
		return
	}
	delete(s.browsers, handle)
	for i, h := range s.order {
		if h == handle {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	n := s.reg.RemoveWindow(handle)
	if s.current == handle {
		s.current = ""
		s.frames = nil
	}
	s.logger.Debug("Window closed.", zap.String("handle", handle), zap.Int("elements_dropped", n))
}

// handleEvent applies a host notification.
func (s *Session) handleEvent(ev automation.Event) {
	switch ev.Type {
	case automation.EventNewWindow:
		if ev.Browser == nil {
			return
		}
		if _, tracked := s.browsers[ev.Browser.Handle()]; !tracked {
			s.addBrowser(ev.Browser, ev.HTMLDialog)
		}
	case automation.EventWindowClosed:
		s.removeBrowser(ev.Handle)
	}
}

// pumpEvents applies every host notification already queued, then
// resyncs the window list if the host lost any.
func (s *Session) pumpEvents() {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				s.resync()
				return
			}
			s.handleEvent(ev)
		default:
			s.resync()
			return
		}
	}
}

// resync rebuilds the tracked windows from the host's own list after the
// host reports a dropped event.
func (s *Session) resync() {
	lister, ok := s.host.(automation.WindowLister)
	if !ok || !lister.Dropped() {
		return
	}
	live := lister.Windows()
	seen := make(map[string]bool, len(live))
	added := 0
	for _, b := range live {
		h := b.Handle()
		seen[h] = true
		if _, tracked := s.browsers[h]; !tracked {
			s.addBrowser(b, false)
			added++
		}
	}
	var gone []string
	for _, h := range s.order {
		if !seen[h] {
			gone = append(gone, h)
		}
	}
	for _, h := range gone {
		s.removeBrowser(h)
	}
	s.logger.Warn("Host dropped window events, resynced window list.",
		zap.Int("added", added), zap.Int("removed", len(gone)))
}

func (s *Session) currentBrowser() *managedBrowser {
	if s.current == "" {
		return nil
	}
	return s.browsers[s.current]
}

// browser returns the current window or the error the protocol expects
// when there is none.
func (s *Session) browser() (*managedBrowser, error) {
	if len(s.browsers) == 0 {
		return nil, schemas.NewError(schemas.NoSuchDriver, "session has no open windows")
	}
	b := s.currentBrowser()
	if b == nil {
		return nil, schemas.NewError(schemas.NoSuchWindow, "the current window has been closed")
	}
	return b, nil
}

// document returns the document commands act on: the focused frame or the
// current window's top document.
func (s *Session) document() (automation.Document, *managedBrowser, error) {
	b, err := s.browser()
	if err != nil {
		return nil, nil, err
	}
	if n := len(s.frames); n > 0 {
		return s.frames[n-1], b, nil
	}
	doc := b.Document()
	if doc == nil {
		return nil, nil, schemas.NewError(schemas.NoSuchWindow, "window has no document")
	}
	return doc, b, nil
}

// binding returns the element resolver for the current document.
func (s *Session) binding() (*element.Binding, automation.Document, *managedBrowser, error) {
	doc, b, err := s.document()
	if err != nil {
		return nil, nil, nil, err
	}
	return s.reg.Bind(b.Handle(), doc), doc, b, nil
}

func (s *Session) surface(b *managedBrowser, doc automation.Document) input.Surface {
	return input.Surface{Browser: b.Browser, Doc: doc}
}

// awaitNewWindow pumps host events until a window not in known appears.
func (s *Session) awaitNewWindow(ctx context.Context, known map[string]bool, timeout time.Duration) (*managedBrowser, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	resync := time.NewTicker(resyncInterval)
	defer resync.Stop()
	for {
		for _, h := range s.order {
			if !known[h] && !s.browsers[h].dialogWindow {
				return s.browsers[h], nil
			}
		}
		select {
		case ev, ok := <-s.events:
			if !ok {
				return nil, schemas.NewError(schemas.UnhandledError, "host stopped delivering events")
			}
			s.handleEvent(ev)
		case <-resync.C:
			s.resync()
		case <-deadline.C:
			return nil, schemas.NewError(schemas.UnhandledError, "new window did not open within %s", timeout)
		case <-ctx.Done():
			return nil, schemas.WrapError(schemas.Timeout, ctx.Err(), "")
		}
	}
}
