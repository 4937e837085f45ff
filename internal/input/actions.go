// Package input executes W3C action sequences against a browser window,
// either as native input or as script-simulated DOM events.
package input

import (
	"math"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
)

// SourceType is the kind of input device an action sequence belongs to.
type SourceType string

const (
	SourceNone    SourceType = "none"
	SourceKey     SourceType = "key"
	SourcePointer SourceType = "pointer"
)

// ActionType is the subtype of a single action.
type ActionType string

const (
	ActionPause       ActionType = "pause"
	ActionKeyDown     ActionType = "keyDown"
	ActionKeyUp       ActionType = "keyUp"
	ActionPointerMove ActionType = "pointerMove"
	ActionPointerDown ActionType = "pointerDown"
	ActionPointerUp   ActionType = "pointerUp"
)

// OriginKind selects what pointerMove coordinates are relative to.
type OriginKind string

const (
	OriginViewport OriginKind = "viewport"
	OriginPointer  OriginKind = "pointer"
	OriginElement  OriginKind = "element"
)

// Origin is the reference point of a pointerMove.
type Origin struct {
	Kind OriginKind
	// Element is the wire id of the origin element.
	Element string
}

// Action is one parsed device action.
type Action struct {
	Source   string
	Device   SourceType
	Type     ActionType
	Duration time.Duration

	// Key is the single logical key of keyDown and keyUp.
	Key rune

	Button schemas.MouseButton
	X, Y   int
	Origin Origin
}

// Tick is the set of actions, at most one per device, that run together.
type Tick []Action

// Duration is the longest duration requested by any action in the tick.
func (t Tick) Duration() time.Duration {
	var d time.Duration
	for _, a := range t {
		if a.Duration > d {
			d = a.Duration
		}
	}
	return d
}

// keyPause is the duration every pause on a key device runs for,
// whatever the request asked for.
const keyPause time.Duration = 0

// Parse decodes the "actions" body parameter into ticks. Tick i holds the
// i-th action of every device that has one.
func Parse(raw []any) ([]Tick, error) {
	var sequences [][]Action
	seen := map[string]SourceType{}
	for i, item := range raw {
		src, ok := item.(map[string]any)
		if !ok {
			return nil, invalid("action sequence %d must be an object", i)
		}
		seq, err := parseSequence(src, seen)
		if err != nil {
			return nil, err
		}
		sequences = append(sequences, seq)
	}

	var ticks []Tick
	for i := 0; ; i++ {
		var tick Tick
		for _, seq := range sequences {
			if i < len(seq) {
				tick = append(tick, seq[i])
			}
		}
		if len(tick) == 0 {
			return ticks, nil
		}
		ticks = append(ticks, tick)
	}
}

func parseSequence(src map[string]any, seen map[string]SourceType) ([]Action, error) {
	id, ok := src["id"].(string)
	if !ok || id == "" {
		return nil, invalid("action sequence needs a string id")
	}
	typ, _ := src["type"].(string)
	device := SourceType(typ)
	switch device {
	case SourceNone, SourceKey, SourcePointer:
	default:
		return nil, invalid("unknown input source type %q", typ)
	}
	if prev, dup := seen[id]; dup && prev != device {
		return nil, invalid("input source %q is already a %s device", id, prev)
	}
	seen[id] = device

	if device == SourcePointer {
		if params, ok := src["parameters"].(map[string]any); ok {
			if pt, ok := params["pointerType"].(string); ok && pt != "mouse" {
				return nil, schemas.NewError(schemas.NotImplemented, "pointer type %q is not supported", pt)
			}
		}
	}

	list, ok := src["actions"].([]any)
	if !ok {
		return nil, invalid("input source %q needs an actions array", id)
	}
	out := make([]Action, 0, len(list))
	for i, item := range list {
		raw, ok := item.(map[string]any)
		if !ok {
			return nil, invalid("action %d of %q must be an object", i, id)
		}
		a, err := parseAction(id, device, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func parseAction(id string, device SourceType, raw map[string]any) (Action, error) {
	typ, _ := raw["type"].(string)
	a := Action{Source: id, Device: device, Type: ActionType(typ)}

	if a.Type == ActionPause {
		d, err := duration(raw)
		if err != nil {
			return Action{}, err
		}
		a.Duration = d
		if device == SourceKey {
			a.Duration = keyPause
		}
		return a, nil
	}

	switch device {
	case SourceKey:
		if a.Type != ActionKeyDown && a.Type != ActionKeyUp {
			return Action{}, invalid("%q is not a key action", typ)
		}
		value, ok := raw["value"].(string)
		if !ok {
			return Action{}, invalid("key action needs a string value")
		}
		r, err := singleKey(value)
		if err != nil {
			return Action{}, err
		}
		a.Key = r
	case SourcePointer:
		switch a.Type {
		case ActionPointerDown, ActionPointerUp:
			b, err := integer(raw, "button")
			if err != nil {
				return Action{}, err
			}
			if b < int64(schemas.ButtonLeft) || b > int64(schemas.ButtonRight) {
				return Action{}, invalid("unsupported pointer button %d", b)
			}
			a.Button = schemas.MouseButton(b)
		case ActionPointerMove:
			d, err := duration(raw)
			if err != nil {
				return Action{}, err
			}
			a.Duration = d
			if a.X, err = coordinate(raw, "x"); err != nil {
				return Action{}, err
			}
			if a.Y, err = coordinate(raw, "y"); err != nil {
				return Action{}, err
			}
			if a.Origin, err = origin(raw["origin"]); err != nil {
				return Action{}, err
			}
		default:
			return Action{}, invalid("%q is not a pointer action", typ)
		}
	default:
		return Action{}, invalid("%q is not valid for a null input source", typ)
	}
	return a, nil
}

// singleKey composes value and requires exactly one character.
func singleKey(value string) (rune, error) {
	composed := norm.NFC.String(value)
	if utf8.RuneCountInString(composed) != 1 {
		return 0, invalid("key value %q must be a single character", value)
	}
	r, _ := utf8.DecodeRuneInString(composed)
	return r, nil
}

func origin(v any) (Origin, error) {
	switch o := v.(type) {
	case nil:
		return Origin{Kind: OriginViewport}, nil
	case string:
		switch OriginKind(o) {
		case OriginViewport, OriginPointer:
			return Origin{Kind: OriginKind(o)}, nil
		}
		return Origin{}, invalid("unknown pointer origin %q", o)
	}
	if id, ok := schemas.ElementID(v); ok {
		return Origin{Kind: OriginElement, Element: id}, nil
	}
	return Origin{}, invalid("pointer origin must be a string or an element")
}

func number(raw map[string]any, key string) (float64, bool, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	f, ok := v.(float64)
	if !ok {
		if n, isInt := v.(int); isInt {
			return float64(n), true, nil
		}
		return 0, false, invalid("%q must be a number", key)
	}
	return f, true, nil
}

func duration(raw map[string]any) (time.Duration, error) {
	f, ok, err := number(raw, "duration")
	if err != nil || !ok {
		return 0, err
	}
	if f < 0 || f != math.Trunc(f) {
		return 0, invalid("duration must be a non-negative integer")
	}
	return time.Duration(f) * time.Millisecond, nil
}

func integer(raw map[string]any, key string) (int64, error) {
	f, ok, err := number(raw, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, invalid("missing %q", key)
	}
	if f != math.Trunc(f) {
		return 0, invalid("%q must be an integer", key)
	}
	return int64(f), nil
}

func coordinate(raw map[string]any, key string) (int, error) {
	f, ok, err := number(raw, key)
	if err != nil || !ok {
		return 0, err
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, invalid("%q is out of range", key)
	}
	return int(math.Trunc(f)), nil
}

func invalid(format string, args ...any) error {
	return schemas.NewError(schemas.InvalidArgument, format, args...)
}
