package automation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeObject struct{ id string }

func (f fakeObject) Identity() string { return f.id }
func (f fakeObject) Release()         {}

func TestNumber(t *testing.T) {
	assert.Equal(t, KindInteger, Number(3).Kind())
	assert.Equal(t, int64(-7), Number(-7).Int())
	assert.Equal(t, KindDouble, Number(2.5).Kind())
	assert.Equal(t, KindDouble, Number(math.Inf(1)).Kind())
	assert.Equal(t, KindDouble, Number(1e300).Kind())
}

func TestTruthyAndText(t *testing.T) {
	cases := []struct {
		name   string
		v      Value
		truthy bool
		text   string
	}{
		{"empty", Empty(), false, "undefined"},
		{"null", Null(), false, "null"},
		{"empty string", String(""), false, ""},
		{"string", String("a"), true, "a"},
		{"zero", Integer(0), false, "0"},
		{"int", Integer(42), true, "42"},
		{"nan", Double(math.NaN()), false, "NaN"},
		{"double", Double(1.5), true, "1.5"},
		{"false", Bool(false), false, "false"},
		{"object", ObjectValue(fakeObject{"x"}), true, "[object]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.truthy, tc.v.Truthy())
			assert.Equal(t, tc.text, tc.v.Text())
		})
	}
}

func TestObjectAccessors(t *testing.T) {
	v := ObjectValue(fakeObject{"node:1"})
	assert.True(t, v.IsObject())
	assert.Equal(t, "node:1", v.AsObject().Identity())
	assert.False(t, Null().IsObject())
	assert.True(t, Empty().IsNullish())
	assert.True(t, Null().IsNullish())
}

func TestScriptError(t *testing.T) {
	assert.Equal(t, "JavaScript error", (&ScriptError{}).Error())
	assert.Equal(t, "ReferenceError: x is not defined", NewScriptError("ReferenceError: %s is not defined", "x").Error())
}
