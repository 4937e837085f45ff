package element

import (
	"context"
	"math"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/atoms"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/script"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// run executes atom a with the element as its first argument followed by
// extra string arguments.
func (e *Element) run(ctx context.Context, a atoms.Atom, extra ...string) (automation.Value, error) {
	obj, err := e.Object()
	if err != nil {
		return automation.Value{}, schemas.WrapError(schemas.StaleElement, err, "")
	}
	s := script.FromAtom(e.doc, a).AddElement(obj)
	for _, x := range extra {
		s.AddString(x)
	}
	if err := s.Execute(ctx); err != nil {
		return automation.Value{}, err
	}
	return s.Result(), nil
}

func (e *Element) boolean(ctx context.Context, a atoms.Atom) (bool, error) {
	v, err := e.run(ctx, a)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

func (e *Element) IsDisplayed(ctx context.Context) (bool, error) {
	return e.boolean(ctx, atoms.IsDisplayed)
}

func (e *Element) IsEnabled(ctx context.Context) (bool, error) {
	return e.boolean(ctx, atoms.IsEnabled)
}

func (e *Element) IsSelected(ctx context.Context) (bool, error) {
	return e.boolean(ctx, atoms.IsSelected)
}

// Attribute returns the attribute value or nil when it is absent.
func (e *Element) Attribute(ctx context.Context, name string) (any, error) {
	v, err := e.run(ctx, atoms.GetAttribute, name)
	if err != nil {
		return nil, err
	}
	if v.IsNullish() {
		return nil, nil
	}
	return v.Text(), nil
}

// Property returns the named DOM property converted to JSON. Element-valued
// properties are registered through adder.
func (e *Element) Property(ctx context.Context, name string, adder script.ElementAdder) (any, error) {
	obj, err := e.Object()
	if err != nil {
		return nil, schemas.WrapError(schemas.StaleElement, err, "")
	}
	s := script.FromAtom(e.doc, atoms.GetProperty).AddElement(obj).AddString(name)
	if err := s.Execute(ctx); err != nil {
		return nil, err
	}
	return s.ConvertResultToJSONValue(ctx, adder)
}

func (e *Element) CSSValue(ctx context.Context, prop string) (string, error) {
	v, err := e.run(ctx, atoms.GetCSS, prop)
	if err != nil {
		return "", err
	}
	return v.Text(), nil
}

// Text is the rendered text of the element.
func (e *Element) Text(ctx context.Context) (string, error) {
	v, err := e.run(ctx, atoms.GetText)
	if err != nil {
		return "", err
	}
	return v.Text(), nil
}

func (e *Element) TagName(ctx context.Context) (string, error) {
	v, err := e.run(ctx, atoms.TagName)
	if err != nil {
		return "", err
	}
	return v.Text(), nil
}

// Rect is the element's bounding box in document coordinates.
func (e *Element) Rect(ctx context.Context) (schemas.Rect, error) {
	v, err := e.run(ctx, atoms.GetRect)
	if err != nil {
		return schemas.Rect{}, err
	}
	var r schemas.Rect
	if err := json.UnmarshalFromString(v.Text(), &r); err != nil {
		return schemas.Rect{}, schemas.WrapError(schemas.UnknownScriptResult, err, "decoding element rect")
	}
	return r, nil
}

type clickPoint struct {
	Scrollable bool    `json:"scrollable"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
}

// ClickPoint scrolls the element into view and returns the center of its
// visible part in viewport coordinates.
func (e *Element) ClickPoint(ctx context.Context) (x, y int, err error) {
	v, err := e.run(ctx, atoms.ClickPoint)
	if err != nil {
		return 0, 0, err
	}
	var p clickPoint
	if err := json.UnmarshalFromString(v.Text(), &p); err != nil {
		return 0, 0, schemas.WrapError(schemas.UnknownScriptResult, err, "decoding click point")
	}
	if !p.Scrollable {
		return 0, 0, schemas.NewError(schemas.ElementClickPointNotScrollable,
			"element %s could not be scrolled into view", e.ID)
	}
	return int(math.Floor(p.X)), int(math.Floor(p.Y)), nil
}

// Clear empties an editable element.
func (e *Element) Clear(ctx context.Context) error {
	_, err := e.run(ctx, atoms.Clear)
	return err
}

// Focus moves keyboard focus to the element and reports whether it took.
func (e *Element) Focus(ctx context.Context) (bool, error) {
	return e.boolean(ctx, atoms.Focus)
}
