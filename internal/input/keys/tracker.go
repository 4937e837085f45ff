package keys

import (
	"sync"
	"unicode/utf8"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
)

// DOMKey is a native key event resolved to KeyboardEvent values.
type DOMKey struct {
	Key  string
	Code string
	// Text is what the key inserts. Empty for keys that edit or navigate.
	Text      string
	Modifiers schemas.KeyModifier
}

// Tracker resolves native key events for a host and follows the modifier
// state they imply. The zero value is ready to use.
type Tracker struct {
	mu   sync.Mutex
	mods schemas.KeyModifier
}

// Modifiers returns the modifiers currently held.
func (t *Tracker) Modifiers() schemas.KeyModifier {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mods
}

// Resolve maps one native key event. A non-zero r is a unicode event and
// never changes the modifier state.
func (t *Tracker) Resolve(vk uint16, extended bool, r rune, down bool, extra schemas.KeyModifier) DOMKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r == 0 {
		if m := ModifierOf(vk); m != schemas.ModNone {
			if down {
				t.mods |= m
			} else {
				t.mods &^= m
			}
		}
	}
	out := DOMKey{Modifiers: t.mods | extra}

	if r != 0 {
		out.Key = string(r)
		out.Text = out.Key
		return out
	}
	if k, c, ok := Named(vk, extended); ok {
		out.Key, out.Code = k, c
		if utf8.RuneCountInString(k) == 1 {
			out.Text = k
		}
		return out
	}
	ch, ok := US.Char(vk, out.Modifiers&schemas.ModShift != 0)
	if !ok {
		out.Key = "Unidentified"
		return out
	}
	out.Key = string(ch)
	out.Text = out.Key
	if nk, _, ok := US.Lookup(ch); ok {
		out.Code = nk.Code
	}
	switch ch {
	case '\n':
		out.Key, out.Code, out.Text = "Enter", "Enter", ""
	case '\t':
		out.Key, out.Code, out.Text = "Tab", "Tab", ""
	}
	return out
}
