package variant

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

func TestObjectPreservesOrder(t *testing.T) {
	o := NewObject()
	o.Set("z", 1)
	o.Set("a", []any{int64(2), "x", nil})
	o.Set("z", 3)

	b, err := Encode(o)
	require.NoError(t, err)
	assert.Equal(t, `{"z":3,"a":[2,"x",null]}`, string(b))
	assert.Equal(t, []string{"z", "a"}, o.Keys())
	assert.Equal(t, 2, o.Len())
}

func TestNestedElementReference(t *testing.T) {
	o := NewObject()
	o.Set("el", schemas.ElementReference{ID: "abc"})
	b, err := Encode([]any{o})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"el":{"element-6066-11e4-a52e-4f735466cecf":"abc"}}]`, string(b))
}

func TestFromPrimitive(t *testing.T) {
	cases := []struct {
		in   automation.Value
		want any
	}{
		{automation.Empty(), nil},
		{automation.Null(), nil},
		{automation.String("s"), "s"},
		{automation.Integer(7), int64(7)},
		{automation.Double(1.25), 1.25},
		{automation.Double(math.NaN()), nil},
		{automation.Bool(true), true},
	}
	for _, tc := range cases {
		got, ok := FromPrimitive(tc.in)
		assert.True(t, ok, tc.in.String())
		assert.Equal(t, tc.want, got, tc.in.String())
	}

	_, ok := FromPrimitive(automation.ObjectValue(nil))
	assert.False(t, ok)
}

func TestToPrimitive(t *testing.T) {
	v, ok := ToPrimitive(float64(3))
	require.True(t, ok)
	assert.Equal(t, automation.KindInteger, v.Kind())

	v, ok = ToPrimitive(3.5)
	require.True(t, ok)
	assert.Equal(t, automation.KindDouble, v.Kind())

	v, ok = ToPrimitive(nil)
	require.True(t, ok)
	assert.True(t, v.IsNull())

	_, ok = ToPrimitive([]any{})
	assert.False(t, ok)
	_, ok = ToPrimitive(map[string]any{})
	assert.False(t, ok)
}

func TestPlain(t *testing.T) {
	o := NewObject()
	o.Set("a", int64(1))
	o.Set("b", []any{int64(2), "x", nil})

	got, err := Plain(o)
	require.NoError(t, err)
	want := map[string]any{"a": float64(1), "b": []any{float64(2), "x", nil}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Plain() mismatch (-want +got):\n%s", diff)
	}
}
