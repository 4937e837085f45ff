package input

import (
	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/input/keys"
)

// held is one pressed key or button.
type held struct {
	// key is set for keys, zero for buttons.
	key    rune
	native Key
	button schemas.MouseButton
	isKey  bool
	// implicitFor is set on a Shift press added to type that key.
	implicitFor rune
}

// State is the per-session device state. Pressed keys and buttons are kept
// in press order so they can be released in reverse.
type State struct {
	pressed   []held
	modifiers schemas.KeyModifier
	buttons   int
	X, Y      int
	// LastError is the text of the last failed dispatch.
	LastError string
}

// NewState returns an empty device state.
func NewState() *State { return &State{} }

// Modifiers returns the modifier flags currently held.
func (s *State) Modifiers() schemas.KeyModifier { return s.modifiers }

// Buttons returns the DOM buttons bitmask.
func (s *State) Buttons() int { return s.buttons }

// Pressed lists the held logical keys in press order.
func (s *State) Pressed() []rune {
	var out []rune
	for _, h := range s.pressed {
		if h.isKey && h.implicitFor == 0 {
			out = append(out, h.key)
		}
	}
	return out
}

// HeldCount is the number of keys and buttons held.
func (s *State) HeldCount() int { return len(s.pressed) }

func (s *State) keyHeld(r rune) (int, bool) {
	for i := len(s.pressed) - 1; i >= 0; i-- {
		if s.pressed[i].isKey && s.pressed[i].key == r && s.pressed[i].implicitFor == 0 {
			return i, true
		}
	}
	return 0, false
}

func (s *State) buttonHeld(b schemas.MouseButton) (int, bool) {
	for i := len(s.pressed) - 1; i >= 0; i-- {
		if !s.pressed[i].isKey && s.pressed[i].button == b {
			return i, true
		}
	}
	return 0, false
}

func (s *State) pressKey(r rune, k Key, implicitFor rune) {
	s.pressed = append(s.pressed, held{key: r, native: k, isKey: true, implicitFor: implicitFor})
	s.modifiers |= k.Native.Modifier
}

func (s *State) implicitShift(r rune) (int, bool) {
	for i := len(s.pressed) - 1; i >= 0; i-- {
		if s.pressed[i].isKey && s.pressed[i].implicitFor == r {
			return i, true
		}
	}
	return 0, false
}

func (s *State) releaseAt(i int) held {
	h := s.pressed[i]
	s.pressed = append(s.pressed[:i], s.pressed[i+1:]...)
	if h.isKey {
		s.modifiers &^= h.native.Native.Modifier
		// Another held key may still provide the same modifier.
		for _, other := range s.pressed {
			s.modifiers |= other.native.Native.Modifier
		}
	} else {
		s.buttons &^= buttonBit(h.button)
	}
	return h
}

func (s *State) pressButton(b schemas.MouseButton) {
	s.pressed = append(s.pressed, held{button: b})
	s.buttons |= buttonBit(b)
}

// shiftHeld reports whether any held key provides Shift.
func (s *State) shiftHeld() bool { return s.modifiers&schemas.ModShift != 0 }

// heldModifiers lists held modifier keys, most recent first.
func (s *State) heldModifiers() []int {
	var out []int
	for i := len(s.pressed) - 1; i >= 0; i-- {
		if s.pressed[i].isKey && s.pressed[i].native.Native.Modifier != schemas.ModNone {
			out = append(out, i)
		}
	}
	return out
}

func buttonBit(b schemas.MouseButton) int {
	switch b {
	case schemas.ButtonLeft:
		return 1
	case schemas.ButtonRight:
		return 2
	case schemas.ButtonMiddle:
		return 4
	}
	return 0
}

// isModifierKey reports whether r is one of the modifier keys.
func isModifierKey(r rune) bool {
	k, ok := keys.Special(r)
	return ok && k.Modifier != schemas.ModNone
}
