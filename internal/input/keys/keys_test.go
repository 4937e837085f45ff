package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/scalpel-driver/api/schemas"
)

func TestSpecialTableIsTotal(t *testing.T) {
	for r := rune(0xE000); r <= 0xE05D; r++ {
		if r >= 0xE02A && r <= 0xE030 || r >= 0xE03E && r <= 0xE03F || r >= 0xE041 && r <= 0xE04F {
			// unassigned codepoints
			continue
		}
		_, ok := Special(r)
		assert.True(t, ok, "missing key %U", r)
	}
}

func TestSpecialKeys(t *testing.T) {
	tests := []struct {
		name string
		r    rune
		vk   uint16
		ext  bool
		key  string
		mod  schemas.KeyModifier
	}{
		{"shift", '\uE008', VKShift, false, "Shift", schemas.ModShift},
		{"right control", '\uE051', VKRCtrl, true, "Control", schemas.ModCtrl},
		{"arrow left", '\uE012', 0x25, true, "ArrowLeft", schemas.ModNone},
		{"numpad arrow left", '\uE058', 0x25, false, "ArrowLeft", schemas.ModNone},
		{"f12", '\uE03C', 0x7B, false, "F12", schemas.ModNone},
		{"enter", '\uE007', VKReturn, true, "Enter", schemas.ModNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, ok := Special(tt.r)
			require.True(t, ok)
			assert.Equal(t, tt.vk, k.VirtualKey)
			assert.Equal(t, tt.ext, k.Extended)
			assert.Equal(t, tt.key, k.Key)
			assert.Equal(t, tt.mod, k.Modifier)
		})
	}
	assert.True(t, IsSpecial(Null))
	assert.False(t, IsSpecial('a'))
}

func TestUSLayout(t *testing.T) {
	k, shift, ok := US.Lookup('a')
	require.True(t, ok)
	assert.Equal(t, uint16(0x41), k.VirtualKey)
	assert.False(t, shift)

	k, shift, ok = US.Lookup('A')
	require.True(t, ok)
	assert.Equal(t, uint16(0x41), k.VirtualKey)
	assert.True(t, shift)
	assert.Equal(t, "KeyA", k.Code)

	k, shift, ok = US.Lookup('?')
	require.True(t, ok)
	assert.Equal(t, uint16(0xBF), k.VirtualKey)
	assert.True(t, shift)

	_, _, ok = US.Lookup('\u00e9')
	assert.False(t, ok)

	r, ok := US.Char(0x41, true)
	require.True(t, ok)
	assert.Equal(t, 'A', r)
	r, ok = US.Char(0x31, true)
	require.True(t, ok)
	assert.Equal(t, '!', r)
	_, ok = US.Char(0x25, false)
	assert.False(t, ok)
}

func TestNamed(t *testing.T) {
	key, code, ok := Named(0x25, true)
	require.True(t, ok)
	assert.Equal(t, "ArrowLeft", key)
	assert.Equal(t, "ArrowLeft", code)

	key, _, ok = Named(VKShift, false)
	require.True(t, ok)
	assert.Equal(t, "Shift", key)

	_, _, ok = Named(0x41, false)
	assert.False(t, ok)

	assert.Equal(t, schemas.ModAlt, ModifierOf(VKRMenu))
	assert.Equal(t, schemas.ModNone, ModifierOf(0x41))
}

func TestTrackerResolve(t *testing.T) {
	var tr Tracker

	k := tr.Resolve(VKShift, false, 0, true, 0)
	assert.Equal(t, "Shift", k.Key)
	assert.Equal(t, schemas.ModShift, k.Modifiers)

	k = tr.Resolve(0x41, false, 0, true, 0)
	assert.Equal(t, DOMKey{Key: "A", Code: "KeyA", Text: "A", Modifiers: schemas.ModShift}, k)

	k = tr.Resolve(VKShift, false, 0, false, 0)
	assert.Equal(t, schemas.ModNone, k.Modifiers)
	assert.Equal(t, schemas.ModNone, tr.Modifiers())

	k = tr.Resolve(0x41, false, 0, true, schemas.ModCtrl)
	assert.Equal(t, "a", k.Key)
	assert.Equal(t, schemas.ModCtrl, k.Modifiers)
	assert.Equal(t, schemas.ModNone, tr.Modifiers())

	k = tr.Resolve(0x0D, false, 0, true, 0)
	assert.Equal(t, "Enter", k.Key)
	assert.Equal(t, "Enter", k.Code)
	assert.Empty(t, k.Text)

	k = tr.Resolve(0, false, '\u00e9', true, 0)
	assert.Equal(t, "\u00e9", k.Key)
	assert.Equal(t, k.Key, k.Text)
}
