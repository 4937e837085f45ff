package input

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
)

func keySeq(id string, actions ...map[string]any) map[string]any {
	list := make([]any, len(actions))
	for i, a := range actions {
		list[i] = a
	}
	return map[string]any{"type": "key", "id": id, "actions": list}
}

func pointerSeq(id string, actions ...map[string]any) map[string]any {
	list := make([]any, len(actions))
	for i, a := range actions {
		list[i] = a
	}
	return map[string]any{
		"type":       "pointer",
		"id":         id,
		"parameters": map[string]any{"pointerType": "mouse"},
		"actions":    list,
	}
}

func TestParse_MergesDevicesIntoTicks(t *testing.T) {
	ticks, err := Parse([]any{
		keySeq("kbd",
			map[string]any{"type": "keyDown", "value": "a"},
			map[string]any{"type": "pause", "duration": float64(500)},
			map[string]any{"type": "keyUp", "value": "a"},
		),
		pointerSeq("mouse",
			map[string]any{"type": "pointerMove", "x": float64(10), "y": float64(20), "duration": float64(50)},
			map[string]any{"type": "pause", "duration": float64(100)},
		),
	})
	require.NoError(t, err)
	require.Len(t, ticks, 3)

	assert.Len(t, ticks[0], 2)
	assert.Equal(t, ActionKeyDown, ticks[0][0].Type)
	assert.Equal(t, ActionPointerMove, ticks[0][1].Type)
	assert.Equal(t, 50*time.Millisecond, ticks[0].Duration())

	assert.Equal(t, time.Duration(0), ticks[1][0].Duration, "key pauses run for the fixed minimum")
	assert.Equal(t, 100*time.Millisecond, ticks[1].Duration())

	require.Len(t, ticks[2], 1)
	assert.Equal(t, ActionKeyUp, ticks[2][0].Type)
	assert.Equal(t, 'a', ticks[2][0].Key)
}

func TestParse_PointerMoveOrigins(t *testing.T) {
	ticks, err := Parse([]any{pointerSeq("mouse",
		map[string]any{"type": "pointerMove", "x": float64(1), "y": float64(2)},
		map[string]any{"type": "pointerMove", "x": float64(3), "y": float64(4), "origin": "pointer"},
		map[string]any{"type": "pointerMove", "x": float64(5), "y": float64(6),
			"origin": map[string]any{schemas.ElementKey: "el-1"}},
		map[string]any{"type": "pointerDown", "button": float64(2)},
	)})
	require.NoError(t, err)
	require.Len(t, ticks, 4)

	assert.Equal(t, Origin{Kind: OriginViewport}, ticks[0][0].Origin)
	assert.Equal(t, Origin{Kind: OriginPointer}, ticks[1][0].Origin)
	assert.Equal(t, Origin{Kind: OriginElement, Element: "el-1"}, ticks[2][0].Origin)
	assert.Equal(t, 5, ticks[2][0].X)
	assert.Equal(t, schemas.ButtonRight, ticks[3][0].Button)
}

func TestParse_KeyValuesAreComposed(t *testing.T) {
	ticks, err := Parse([]any{keySeq("kbd", map[string]any{"type": "keyDown", "value": "e\u0301"})})
	require.NoError(t, err)
	assert.Equal(t, '\u00e9', ticks[0][0].Key)

	_, err = Parse([]any{keySeq("kbd", map[string]any{"type": "keyDown", "value": "ab"})})
	assert.Equal(t, schemas.InvalidArgument, schemas.CodeOf(err))

	_, err = Parse([]any{keySeq("kbd", map[string]any{"type": "keyDown", "value": ""})})
	assert.Equal(t, schemas.InvalidArgument, schemas.CodeOf(err))
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  []any
		code schemas.ErrorCode
	}{
		{"not an object", []any{"x"}, schemas.InvalidArgument},
		{"no id", []any{map[string]any{"type": "key", "actions": []any{}}}, schemas.InvalidArgument},
		{"unknown source", []any{map[string]any{"type": "wheel", "id": "w", "actions": []any{}}}, schemas.InvalidArgument},
		{"touch pointer", []any{map[string]any{
			"type": "pointer", "id": "p", "parameters": map[string]any{"pointerType": "touch"}, "actions": []any{},
		}}, schemas.NotImplemented},
		{"pointer action on key device", []any{keySeq("k", map[string]any{"type": "pointerDown", "button": float64(0)})}, schemas.InvalidArgument},
		{"key action on pointer device", []any{pointerSeq("p", map[string]any{"type": "keyDown", "value": "a"})}, schemas.InvalidArgument},
		{"bad button", []any{pointerSeq("p", map[string]any{"type": "pointerDown", "button": float64(7)})}, schemas.InvalidArgument},
		{"negative duration", []any{pointerSeq("p", map[string]any{"type": "pause", "duration": float64(-1)})}, schemas.InvalidArgument},
		{"huge coordinate", []any{pointerSeq("p", map[string]any{"type": "pointerMove", "x": float64(math.MaxInt64), "y": float64(0)})}, schemas.InvalidArgument},
		{"bad origin", []any{pointerSeq("p", map[string]any{"type": "pointerMove", "x": float64(0), "y": float64(0), "origin": "window"})}, schemas.InvalidArgument},
		{"source changes type", []any{
			keySeq("dev", map[string]any{"type": "pause"}),
			pointerSeq("dev", map[string]any{"type": "pause"}),
		}, schemas.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			assert.Equal(t, tt.code, schemas.CodeOf(err), "%v", err)
		})
	}
}

func TestParse_EmptyIsNoTicks(t *testing.T) {
	ticks, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, ticks)
}
