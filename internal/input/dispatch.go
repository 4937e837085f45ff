package input

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/atoms"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/input/keys"
	"github.com/xkilldash9x/scalpel-driver/internal/script"
)

// Surface is the window and document input is delivered to.
type Surface struct {
	Browser automation.Browser
	Doc     automation.Document
}

// Pointer is a resolved pointer position in viewport coordinates.
type Pointer struct {
	X, Y int
	// Target is the origin element of an element-relative move. The offset
	// is then relative to the element's center.
	Target           automation.Object
	OffsetX, OffsetY int
}

// Key is a logical key resolved to a native key.
type Key struct {
	Native keys.Native
	// Unicode is set when the character has no key on the layout and must
	// be injected as a raw character.
	Unicode rune
	// Text is the character typed by the key, empty for non-printing keys.
	Text string
}

// Dispatcher delivers resolved input events. The engine holds exactly one.
type Dispatcher interface {
	Move(ctx context.Context, s Surface, p Pointer, st *State) error
	Button(ctx context.Context, s Surface, b schemas.MouseButton, down bool, p Pointer, st *State) error
	Key(ctx context.Context, s Surface, k Key, down bool, st *State) error
}

// resolveKey maps a logical key to a native key. The second result reports
// whether the key needs Shift held on the layout.
func resolveKey(r rune) (Key, bool) {
	if k, ok := keys.Special(r); ok {
		text := ""
		if utf8.RuneCountInString(k.Key) == 1 {
			text = k.Key
		}
		return Key{Native: k, Text: text}, false
	}
	if k, shift, ok := keys.US.Lookup(r); ok {
		text := string(r)
		if r == '\n' || r == '\t' {
			text = ""
		}
		return Key{Native: k, Text: text}, shift
	}
	return Key{Native: keys.Native{Key: string(r)}, Unicode: r, Text: string(r)}, false
}

// -- Native strategy --

// Native injects OS-level input through the window's input sink.
type Native struct{}

func (Native) Move(ctx context.Context, s Surface, p Pointer, _ *State) error {
	if p.Target != nil {
		return s.Browser.Input().MouseMove(ctx, p.OffsetX, p.OffsetY,
			automation.InputContext{Target: p.Target, Relative: true})
	}
	return s.Browser.Input().MouseMove(ctx, p.X, p.Y, automation.InputContext{})
}

func (Native) Button(ctx context.Context, s Surface, b schemas.MouseButton, down bool, p Pointer, _ *State) error {
	return s.Browser.Input().MouseButton(ctx, b, down, p.X, p.Y, automation.InputContext{})
}

func (Native) Key(ctx context.Context, s Surface, k Key, down bool, st *State) error {
	ev := automation.KeyEvent{
		VirtualKey: k.Native.VirtualKey,
		ScanCode:   k.Native.ScanCode,
		Extended:   k.Native.Extended,
		Unicode:    k.Unicode,
		Down:       down,
		Modifiers:  st.Modifiers(),
	}
	return s.Browser.Input().Key(ctx, ev, automation.InputContext{})
}

// -- Script strategy --

// Simulated fires DOM events from script in the current document.
type Simulated struct{}

func (Simulated) mouse(ctx context.Context, s Surface, kind string, b schemas.MouseButton, p Pointer, st *State) error {
	return script.FromAtom(s.Doc, atoms.SimulateMouse).
		AddString(kind).
		AddInteger(int64(p.X)).
		AddInteger(int64(p.Y)).
		AddInteger(int64(b)).
		AddInteger(int64(st.Buttons())).
		AddInteger(int64(st.Modifiers())).
		AddNull().
		Execute(ctx)
}

func (d Simulated) Move(ctx context.Context, s Surface, p Pointer, st *State) error {
	return d.mouse(ctx, s, "mousemove", schemas.ButtonLeft, p, st)
}

func (d Simulated) Button(ctx context.Context, s Surface, b schemas.MouseButton, down bool, p Pointer, st *State) error {
	kind := "mouseup"
	if down {
		kind = "mousedown"
	}
	return d.mouse(ctx, s, kind, b, p, st)
}

func (Simulated) Key(ctx context.Context, s Surface, k Key, down bool, st *State) error {
	kind, text := "keyup", ""
	if down {
		kind, text = "keydown", k.Text
	}
	return script.FromAtom(s.Doc, atoms.SimulateKey).
		AddString(kind).
		AddString(k.Native.Key).
		AddString(k.Native.Code).
		AddInteger(int64(st.Modifiers())).
		AddString(text).
		Execute(ctx)
}

// NewDispatcher returns the dispatcher for a configured strategy name.
func NewDispatcher(strategy string) (Dispatcher, error) {
	switch strategy {
	case "native", "":
		return Native{}, nil
	case "script":
		return Simulated{}, nil
	}
	return nil, fmt.Errorf("unknown input strategy %q", strategy)
}
