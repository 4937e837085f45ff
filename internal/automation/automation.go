// Package automation defines the capability surface the driver core uses to
// control a browser. Backends implement these interfaces.
package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
)

var (
	// ErrNoDialog is returned by dialog operations when none is showing.
	ErrNoDialog = errors.New("no dialog is displayed")
	// ErrDetached is returned when the window or document has gone away.
	ErrDetached = errors.New("browser window is no longer available")
	// ErrNotPrompt is returned when text is sent to a dialog without input.
	ErrNotPrompt = errors.New("dialog does not accept text")
	// ErrNoSuchFrame is returned when an element does not host a frame.
	ErrNoSuchFrame = errors.New("element does not host a frame")
)

// ScriptError is a failure raised by script running in the page.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string {
	if e.Message == "" {
		return "JavaScript error"
	}
	return e.Message
}

// NewScriptError formats a ScriptError.
func NewScriptError(format string, args ...any) *ScriptError {
	return &ScriptError{Message: fmt.Sprintf(format, args...)}
}

// Ready states reported by documents.
const (
	ReadyLoading     = "loading"
	ReadyInteractive = "interactive"
	ReadyComplete    = "complete"
)

// EventType identifies a host notification.
type EventType int

const (
	EventNewWindow EventType = iota
	EventWindowClosed
)

// Event is an asynchronous notification from the host. Events are delivered
// to the session actor's mailbox.
type Event struct {
	Type EventType
	// Browser is set for EventNewWindow.
	Browser Browser
	// HTMLDialog marks a window that hosts an HTML-based modal dialog.
	HTMLDialog bool
	// Handle is set for EventWindowClosed.
	Handle string
}

// Host owns the browser process a session drives.
type Host interface {
	// Open returns the initial top-level window.
	Open(ctx context.Context) (Browser, error)
	// Events delivers window lifecycle notifications.
	Events() <-chan Event
	// Quit closes every window and releases the browser.
	Quit(ctx context.Context) error
}

// WindowLister is implemented by hosts that can drop events. A session
// rebuilds its window list from Windows after Dropped reports a loss.
type WindowLister interface {
	// Windows returns the live top-level windows.
	Windows() []Browser
	// Dropped reports, and clears, whether an event was lost since the
	// last call.
	Dropped() bool
}

// Browser is one top-level window.
type Browser interface {
	Handle() string

	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Refresh(ctx context.Context) error

	// NavigationStarted reports, and clears, the flag set when the window
	// began a navigation since the last call.
	NavigationStarted() bool
	Busy() bool
	ReadyState() string
	URL() string
	Title() string

	// Document returns the top-level document.
	Document() Document

	// Dialog returns the modal dialog blocking the window, if any. It must
	// be callable while a script is blocked on that dialog.
	Dialog() (Dialog, bool)

	WindowRect(ctx context.Context) (schemas.Rect, error)
	SetWindowRect(ctx context.Context, r schemas.Rect) error
	Maximize(ctx context.Context) error
	// ViewportRect is the client area of the content pane in window coordinates.
	ViewportRect(ctx context.Context) (schemas.Rect, error)
	Screenshot(ctx context.Context) ([]byte, error)

	Cookies(ctx context.Context) ([]schemas.Cookie, error)
	SetCookie(ctx context.Context, c schemas.Cookie) error
	DeleteCookie(ctx context.Context, name string) error

	Input() InputSink

	Close(ctx context.Context) error
}

// Document is a loaded page or frame.
type Document interface {
	// Execute invokes fn, a function expression, with args and returns its
	// result. Script exceptions are returned as *ScriptError.
	Execute(ctx context.Context, fn string, args []Value) (Value, error)
	ReadyState() string
	// Frames returns the documents of direct child frames.
	Frames() []Document
	// FrameFor returns the document hosted by a frame or iframe element of
	// this document.
	FrameFor(ctx context.Context, frame Object) (Document, error)
}

// DialogType names a dialog kind.
type DialogType string

const (
	DialogAlert        DialogType = "alert"
	DialogConfirm      DialogType = "confirm"
	DialogPrompt       DialogType = "prompt"
	DialogBeforeUnload DialogType = "beforeunload"
)

// Dialog is a native modal dialog.
type Dialog interface {
	Type() DialogType
	Text() string
	Accept(ctx context.Context) error
	Dismiss(ctx context.Context) error
	// SendText sets the prompt's input. Only prompts accept text.
	SendText(ctx context.Context, text string) error
}

// KeyEvent is one synthetic keyboard event.
type KeyEvent struct {
	VirtualKey uint16
	ScanCode   uint16
	Extended   bool
	// Unicode is set when the key is injected as a raw character.
	Unicode   rune
	Down      bool
	Modifiers schemas.KeyModifier
}

// InputContext travels with native input so the backend can resolve the
// target at injection time.
type InputContext struct {
	Target Object
	// Relative marks coordinates as offsets from the target's center.
	Relative bool
}

// InputSink injects OS-level input into the window's content pane.
// Coordinates are in viewport pixels.
type InputSink interface {
	MouseMove(ctx context.Context, x, y int, ic InputContext) error
	MouseButton(ctx context.Context, button schemas.MouseButton, down bool, x, y int, ic InputContext) error
	Key(ctx context.Context, ev KeyEvent, ic InputContext) error
}
