// Package keys maps logical key values to native key codes.
//
// Logical keys are either printable characters or the codepoints in the
// U+E000..U+E05D range that stand for non-printable keys. Native keys are
// (virtual key, scan code, extended) triples as used by OS input queues.
package keys

import "github.com/xkilldash9x/scalpel-driver/api/schemas"

// Native identifies a physical key.
type Native struct {
	VirtualKey uint16
	ScanCode   uint16
	Extended   bool
	// Key is the DOM key value, Code the DOM code value.
	Key  string
	Code string
	// Modifier is set for modifier keys.
	Modifier schemas.KeyModifier
}

// Null releases every held modifier.
const Null = '\uE000'

// Shift is the left Shift key.
const Shift = '\uE008'

// Virtual keys the input engine refers to by name.
const (
	VKBack    uint16 = 0x08
	VKTab     uint16 = 0x09
	VKReturn  uint16 = 0x0D
	VKShift   uint16 = 0x10
	VKControl uint16 = 0x11
	VKMenu    uint16 = 0x12
	VKSpace   uint16 = 0x20
	VKLWin    uint16 = 0x5B
	VKRWin    uint16 = 0x5C
	VKRShift  uint16 = 0xA1
	VKRCtrl   uint16 = 0xA3
	VKRMenu   uint16 = 0xA5
)

func n(vk, scan uint16, ext bool, key, code string) Native {
	return Native{VirtualKey: vk, ScanCode: scan, Extended: ext, Key: key, Code: code}
}

func mod(vk, scan uint16, ext bool, key, code string, m schemas.KeyModifier) Native {
	k := n(vk, scan, ext, key, code)
	k.Modifier = m
	return k
}

var special = map[rune]Native{
	'\uE000': n(0, 0, false, "Unidentified", ""),
	'\uE001': n(0x03, 0x46, true, "Cancel", "Cancel"),
	'\uE002': n(0x2F, 0x00, false, "Help", "Help"),
	'\uE003': n(VKBack, 0x0E, false, "Backspace", "Backspace"),
	'\uE004': n(VKTab, 0x0F, false, "Tab", "Tab"),
	'\uE005': n(0x0C, 0x4C, false, "Clear", "NumpadClear"),
	'\uE006': n(VKReturn, 0x1C, false, "Enter", "Enter"),
	'\uE007': n(VKReturn, 0x1C, true, "Enter", "NumpadEnter"),
	'\uE008': mod(VKShift, 0x2A, false, "Shift", "ShiftLeft", schemas.ModShift),
	'\uE009': mod(VKControl, 0x1D, false, "Control", "ControlLeft", schemas.ModCtrl),
	'\uE00A': mod(VKMenu, 0x38, false, "Alt", "AltLeft", schemas.ModAlt),
	'\uE00B': n(0x13, 0x45, false, "Pause", "Pause"),
	'\uE00C': n(0x1B, 0x01, false, "Escape", "Escape"),
	'\uE00D': n(VKSpace, 0x39, false, " ", "Space"),
	'\uE00E': n(0x21, 0x49, true, "PageUp", "PageUp"),
	'\uE00F': n(0x22, 0x51, true, "PageDown", "PageDown"),
	'\uE010': n(0x23, 0x4F, true, "End", "End"),
	'\uE011': n(0x24, 0x47, true, "Home", "Home"),
	'\uE012': n(0x25, 0x4B, true, "ArrowLeft", "ArrowLeft"),
	'\uE013': n(0x26, 0x48, true, "ArrowUp", "ArrowUp"),
	'\uE014': n(0x27, 0x4D, true, "ArrowRight", "ArrowRight"),
	'\uE015': n(0x28, 0x50, true, "ArrowDown", "ArrowDown"),
	'\uE016': n(0x2D, 0x52, true, "Insert", "Insert"),
	'\uE017': n(0x2E, 0x53, true, "Delete", "Delete"),
	'\uE018': n(0xBA, 0x27, false, ";", "Semicolon"),
	'\uE019': n(0xBB, 0x0D, false, "=", "Equal"),
	'\uE01A': n(0x60, 0x52, false, "0", "Numpad0"),
	'\uE01B': n(0x61, 0x4F, false, "1", "Numpad1"),
	'\uE01C': n(0x62, 0x50, false, "2", "Numpad2"),
	'\uE01D': n(0x63, 0x51, false, "3", "Numpad3"),
	'\uE01E': n(0x64, 0x4B, false, "4", "Numpad4"),
	'\uE01F': n(0x65, 0x4C, false, "5", "Numpad5"),
	'\uE020': n(0x66, 0x4D, false, "6", "Numpad6"),
	'\uE021': n(0x67, 0x47, false, "7", "Numpad7"),
	'\uE022': n(0x68, 0x48, false, "8", "Numpad8"),
	'\uE023': n(0x69, 0x49, false, "9", "Numpad9"),
	'\uE024': n(0x6A, 0x37, false, "*", "NumpadMultiply"),
	'\uE025': n(0x6B, 0x4E, false, "+", "NumpadAdd"),
	'\uE026': n(0x6C, 0x53, false, ",", "NumpadComma"),
	'\uE027': n(0x6D, 0x4A, false, "-", "NumpadSubtract"),
	'\uE028': n(0x6E, 0x53, false, ".", "NumpadDecimal"),
	'\uE029': n(0x6F, 0x35, true, "/", "NumpadDivide"),
	'\uE031': n(0x70, 0x3B, false, "F1", "F1"),
	'\uE032': n(0x71, 0x3C, false, "F2", "F2"),
	'\uE033': n(0x72, 0x3D, false, "F3", "F3"),
	'\uE034': n(0x73, 0x3E, false, "F4", "F4"),
	'\uE035': n(0x74, 0x3F, false, "F5", "F5"),
	'\uE036': n(0x75, 0x40, false, "F6", "F6"),
	'\uE037': n(0x76, 0x41, false, "F7", "F7"),
	'\uE038': n(0x77, 0x42, false, "F8", "F8"),
	'\uE039': n(0x78, 0x43, false, "F9", "F9"),
	'\uE03A': n(0x79, 0x44, false, "F10", "F10"),
	'\uE03B': n(0x7A, 0x57, false, "F11", "F11"),
	'\uE03C': n(0x7B, 0x58, false, "F12", "F12"),
	'\uE03D': mod(VKLWin, 0x5B, true, "Meta", "MetaLeft", schemas.ModMeta),
	'\uE040': n(0xF3, 0x29, false, "ZenkakuHankaku", "Lang1"),
	'\uE050': mod(VKRShift, 0x36, false, "Shift", "ShiftRight", schemas.ModShift),
	'\uE051': mod(VKRCtrl, 0x1D, true, "Control", "ControlRight", schemas.ModCtrl),
	'\uE052': mod(VKRMenu, 0x38, true, "Alt", "AltRight", schemas.ModAlt),
	'\uE053': mod(VKRWin, 0x5C, true, "Meta", "MetaRight", schemas.ModMeta),
	'\uE054': n(0x21, 0x49, false, "PageUp", "Numpad9"),
	'\uE055': n(0x22, 0x51, false, "PageDown", "Numpad3"),
	'\uE056': n(0x23, 0x4F, false, "End", "Numpad1"),
	'\uE057': n(0x24, 0x47, false, "Home", "Numpad7"),
	'\uE058': n(0x25, 0x4B, false, "ArrowLeft", "Numpad4"),
	'\uE059': n(0x26, 0x48, false, "ArrowUp", "Numpad8"),
	'\uE05A': n(0x27, 0x4D, false, "ArrowRight", "Numpad6"),
	'\uE05B': n(0x28, 0x50, false, "ArrowDown", "Numpad2"),
	'\uE05C': n(0x2D, 0x52, false, "Insert", "Numpad0"),
	'\uE05D': n(0x2E, 0x53, false, "Delete", "NumpadDecimal"),
}

// Special returns the native key for a non-printable logical key.
func Special(r rune) (Native, bool) {
	k, ok := special[r]
	return k, ok
}

// IsSpecial reports whether r lies in the non-printable key range.
func IsSpecial(r rune) bool {
	return r >= '\uE000' && r <= '\uE05D'
}

// Layout resolves printable characters to physical keys.
type Layout interface {
	// Lookup returns the key producing r and whether Shift is required.
	Lookup(r rune) (k Native, shift bool, ok bool)
	// Char returns the character a key produces with the given Shift state.
	Char(vk uint16, shift bool) (rune, bool)
}

type usKey struct {
	vk    uint16
	scan  uint16
	code  string
	plain rune
	shift rune
}

// usKeys is the US QWERTY layout.
var usKeys = []usKey{
	{0xC0, 0x29, "Backquote", '`', '~'},
	{0x31, 0x02, "Digit1", '1', '!'},
	{0x32, 0x03, "Digit2", '2', '@'},
	{0x33, 0x04, "Digit3", '3', '#'},
	{0x34, 0x05, "Digit4", '4', '$'},
	{0x35, 0x06, "Digit5", '5', '%'},
	{0x36, 0x07, "Digit6", '6', '^'},
	{0x37, 0x08, "Digit7", '7', '&'},
	{0x38, 0x09, "Digit8", '8', '*'},
	{0x39, 0x0A, "Digit9", '9', '('},
	{0x30, 0x0B, "Digit0", '0', ')'},
	{0xBD, 0x0C, "Minus", '-', '_'},
	{0xBB, 0x0D, "Equal", '=', '+'},
	{0x51, 0x10, "KeyQ", 'q', 'Q'},
	{0x57, 0x11, "KeyW", 'w', 'W'},
	{0x45, 0x12, "KeyE", 'e', 'E'},
	{0x52, 0x13, "KeyR", 'r', 'R'},
	{0x54, 0x14, "KeyT", 't', 'T'},
	{0x59, 0x15, "KeyY", 'y', 'Y'},
	{0x55, 0x16, "KeyU", 'u', 'U'},
	{0x49, 0x17, "KeyI", 'i', 'I'},
	{0x4F, 0x18, "KeyO", 'o', 'O'},
	{0x50, 0x19, "KeyP", 'p', 'P'},
	{0xDB, 0x1A, "BracketLeft", '[', '{'},
	{0xDD, 0x1B, "BracketRight", ']', '}'},
	{0xDC, 0x2B, "Backslash", '\\', '|'},
	{0x41, 0x1E, "KeyA", 'a', 'A'},
	{0x53, 0x1F, "KeyS", 's', 'S'},
	{0x44, 0x20, "KeyD", 'd', 'D'},
	{0x46, 0x21, "KeyF", 'f', 'F'},
	{0x47, 0x22, "KeyG", 'g', 'G'},
	{0x48, 0x23, "KeyH", 'h', 'H'},
	{0x4A, 0x24, "KeyJ", 'j', 'J'},
	{0x4B, 0x25, "KeyK", 'k', 'K'},
	{0x4C, 0x26, "KeyL", 'l', 'L'},
	{0xBA, 0x27, "Semicolon", ';', ':'},
	{0xDE, 0x28, "Quote", '\'', '"'},
	{0x5A, 0x2C, "KeyZ", 'z', 'Z'},
	{0x58, 0x2D, "KeyX", 'x', 'X'},
	{0x43, 0x2E, "KeyC", 'c', 'C'},
	{0x56, 0x2F, "KeyV", 'v', 'V'},
	{0x42, 0x30, "KeyB", 'b', 'B'},
	{0x4E, 0x31, "KeyN", 'n', 'N'},
	{0x4D, 0x32, "KeyM", 'm', 'M'},
	{0xBC, 0x33, "Comma", ',', '<'},
	{0xBE, 0x34, "Period", '.', '>'},
	{0xBF, 0x35, "Slash", '/', '?'},
	{VKSpace, 0x39, "Space", ' ', 0},
	{VKReturn, 0x1C, "Enter", '\n', 0},
	{VKTab, 0x0F, "Tab", '\t', 0},
}

type usLayout struct {
	byRune map[rune]usEntry
	byVK   map[uint16]usKey
}

type usEntry struct {
	key   usKey
	shift bool
}

// US is the US QWERTY layout.
var US Layout = newUSLayout()

func newUSLayout() *usLayout {
	l := &usLayout{byRune: make(map[rune]usEntry), byVK: make(map[uint16]usKey)}
	for _, k := range usKeys {
		l.byRune[k.plain] = usEntry{key: k}
		if k.shift != 0 {
			l.byRune[k.shift] = usEntry{key: k, shift: true}
		}
		l.byVK[k.vk] = k
	}
	return l
}

func (l *usLayout) Lookup(r rune) (Native, bool, bool) {
	e, ok := l.byRune[r]
	if !ok {
		return Native{}, false, false
	}
	key := string(r)
	switch r {
	case '\n':
		key = "Enter"
	case '\t':
		key = "Tab"
	}
	return Native{VirtualKey: e.key.vk, ScanCode: e.key.scan, Key: key, Code: e.key.code}, e.shift, true
}

func (l *usLayout) Char(vk uint16, shift bool) (rune, bool) {
	k, ok := l.byVK[vk]
	if !ok {
		return 0, false
	}
	if shift && k.shift != 0 {
		return k.shift, true
	}
	return k.plain, true
}

// Named returns the DOM key and code values of a native key that has no
// printable form, such as Shift or ArrowLeft.
func Named(vk uint16, extended bool) (key, code string, ok bool) {
	var fallback *Native
	for r, k := range special {
		if k.VirtualKey != vk || vk == 0 || r >= '\uE018' && r <= '\uE029' {
			continue
		}
		if k.Extended == extended {
			return k.Key, k.Code, true
		}
		kk := k
		fallback = &kk
	}
	if fallback != nil {
		return fallback.Key, fallback.Code, true
	}
	return "", "", false
}

// ModifierOf returns the modifier flag a virtual key toggles.
func ModifierOf(vk uint16) schemas.KeyModifier {
	switch vk {
	case VKShift, VKRShift:
		return schemas.ModShift
	case VKControl, VKRCtrl:
		return schemas.ModCtrl
	case VKMenu, VKRMenu:
		return schemas.ModAlt
	case VKLWin, VKRWin:
		return schemas.ModMeta
	}
	return schemas.ModNone
}
