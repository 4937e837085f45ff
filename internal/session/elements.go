package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"math"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/atoms"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/element"
	"github.com/xkilldash9x/scalpel-driver/internal/locator"
	"github.com/xkilldash9x/scalpel-driver/internal/script"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// minFindWindow is the shortest implicit wait applied once any wait is set.
const minFindWindow = time.Second

// backendError maps a capability failure into the taxonomy, keeping errors
// that are already typed.
func backendError(code schemas.ErrorCode, err error, msg string) error {
	var typed *schemas.Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, automation.ErrDetached) {
		return schemas.WrapError(schemas.NoSuchWindow, err, msg)
	}
	return schemas.WrapError(code, err, msg)
}

// -- Location --

func query(cmd schemas.Command) (locator.Query, error) {
	using, err := cmd.String("using")
	if err != nil {
		return locator.Query{}, err
	}
	value, err := cmd.String("value")
	if err != nil {
		return locator.Query{}, err
	}
	return locator.Query{Strategy: locator.Strategy(using), Value: value}, nil
}

// retry runs attempt until it reports found, fails with something other
// than not-found, or the implicit wait runs out. Sub-second waits are
// stretched to minFindWindow.
func (s *Session) retry(ctx context.Context, attempt func() (found bool, err error)) error {
	var deadline time.Time
	if d := s.timeouts.Implicit; d > 0 {
		if d < minFindWindow {
			d = minFindWindow
		}
		deadline = time.Now().Add(d)
	}
	for {
		found, err := attempt()
		if found || (err != nil && !errors.Is(err, locator.ErrNotFound)) {
			return err
		}
		if deadline.IsZero() || !time.Now().Before(deadline) {
			return err
		}
		wait := s.cfg.FindPollInterval
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return schemas.WrapError(schemas.Timeout, ctx.Err(), "element search interrupted")
		}
		s.pumpEvents()
	}
}

func (s *Session) findOne(ctx context.Context, q locator.Query) (any, error) {
	var ref schemas.ElementReference
	err := s.retry(ctx, func() (bool, error) {
		doc, b, err := s.document()
		if err != nil {
			return false, err
		}
		r, err := s.locator.FindElement(ctx, b.Handle(), doc, q)
		if err != nil {
			return false, err
		}
		ref = r
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func (s *Session) findAll(ctx context.Context, q locator.Query) (any, error) {
	refs := []schemas.ElementReference{}
	err := s.retry(ctx, func() (bool, error) {
		doc, b, err := s.document()
		if err != nil {
			return false, err
		}
		found, err := s.locator.FindElements(ctx, b.Handle(), doc, q)
		if err != nil {
			return false, err
		}
		refs = found
		if len(found) == 0 {
			return false, locator.ErrNotFound
		}
		return true, nil
	})
	if err != nil && !errors.Is(err, locator.ErrNotFound) {
		return nil, err
	}
	return refs, nil
}

func (s *Session) findElement(ctx context.Context, cmd schemas.Command) (any, error) {
	q, err := query(cmd)
	if err != nil {
		return nil, err
	}
	return s.findOne(ctx, q)
}

func (s *Session) findElements(ctx context.Context, cmd schemas.Command) (any, error) {
	q, err := query(cmd)
	if err != nil {
		return nil, err
	}
	return s.findAll(ctx, q)
}

func (s *Session) findChildElement(ctx context.Context, cmd schemas.Command) (any, error) {
	q, err := query(cmd)
	if err != nil {
		return nil, err
	}
	if q.Scope, err = s.element(ctx, cmd); err != nil {
		return nil, err
	}
	return s.findOne(ctx, q)
}

func (s *Session) findChildElements(ctx context.Context, cmd schemas.Command) (any, error) {
	q, err := query(cmd)
	if err != nil {
		return nil, err
	}
	if q.Scope, err = s.element(ctx, cmd); err != nil {
		return nil, err
	}
	return s.findAll(ctx, q)
}

func (s *Session) activeElement(ctx context.Context, _ schemas.Command) (any, error) {
	binding, doc, _, err := s.binding()
	if err != nil {
		return nil, err
	}
	sc := script.FromAtom(doc, atoms.ActiveElement)
	if err := sc.Execute(ctx); err != nil {
		return nil, err
	}
	if !sc.IsElement(ctx) {
		if v := sc.Result(); v.IsObject() {
			v.AsObject().Release()
		}
		return nil, schemas.NewError(schemas.NoSuchElement, "no element has focus")
	}
	id, err := binding.AddElement(ctx, sc.Result().AsObject())
	if err != nil {
		return nil, err
	}
	return schemas.ElementReference{ID: id}, nil
}

// -- Element queries --

// element resolves the element named by the command's id path parameter in
// the current document.
func (s *Session) element(ctx context.Context, cmd schemas.Command) (*element.Element, error) {
	id, ok := cmd.Param("id")
	if !ok || id == "" {
		return nil, schemas.NewError(schemas.InvalidArgument, "missing element id")
	}
	return s.elementByID(ctx, id)
}

func (s *Session) elementByID(ctx context.Context, id string) (*element.Element, error) {
	binding, _, _, err := s.binding()
	if err != nil {
		return nil, err
	}
	return binding.Element(ctx, id)
}

func (s *Session) isSelected(ctx context.Context, cmd schemas.Command) (any, error) {
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return el.IsSelected(ctx)
}

func (s *Session) isEnabled(ctx context.Context, cmd schemas.Command) (any, error) {
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return el.IsEnabled(ctx)
}

func (s *Session) isDisplayed(ctx context.Context, cmd schemas.Command) (any, error) {
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return el.IsDisplayed(ctx)
}

func (s *Session) attribute(ctx context.Context, cmd schemas.Command) (any, error) {
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	name, _ := cmd.Param("name")
	return el.Attribute(ctx, name)
}

func (s *Session) property(ctx context.Context, cmd schemas.Command) (any, error) {
	binding, _, _, err := s.binding()
	if err != nil {
		return nil, err
	}
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	name, _ := cmd.Param("name")
	return el.Property(ctx, name, binding)
}

func (s *Session) cssValue(ctx context.Context, cmd schemas.Command) (any, error) {
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	name, _ := cmd.Param("propertyName")
	return el.CSSValue(ctx, name)
}

func (s *Session) text(ctx context.Context, cmd schemas.Command) (any, error) {
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return el.Text(ctx)
}

func (s *Session) tagName(ctx context.Context, cmd schemas.Command) (any, error) {
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return el.TagName(ctx)
}

func (s *Session) elementRect(ctx context.Context, cmd schemas.Command) (any, error) {
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return el.Rect(ctx)
}

// -- Interaction --

// click scrolls the element into view and clicks the center of its visible
// part through the active input strategy.
func (s *Session) click(ctx context.Context, cmd schemas.Command) (any, error) {
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	doc, b, err := s.document()
	if err != nil {
		return nil, err
	}
	x, y, err := el.ClickPoint(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.input.Click(ctx, s.surface(b, doc), x, y); err != nil {
		return nil, err
	}
	b.waitRequired = true
	return nil, nil
}

func (s *Session) clear(ctx context.Context, cmd schemas.Command) (any, error) {
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return nil, el.Clear(ctx)
}

// keysText returns the text of a send keys command. The "text" string is
// preferred; the legacy "value" array of strings is joined.
func keysText(cmd schemas.Command) (string, error) {
	if text, err := cmd.String("text"); err == nil {
		return text, nil
	}
	parts, err := cmd.Slice("value")
	if err != nil {
		return "", schemas.NewError(schemas.InvalidArgument, "missing parameter \"text\"")
	}
	var sb strings.Builder
	for _, p := range parts {
		str, ok := p.(string)
		if !ok {
			return "", schemas.NewError(schemas.InvalidArgument, "value must be an array of strings")
		}
		sb.WriteString(str)
	}
	return sb.String(), nil
}

func (s *Session) sendKeys(ctx context.Context, cmd schemas.Command) (any, error) {
	text, err := keysText(cmd)
	if err != nil {
		return nil, err
	}
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	doc, b, err := s.document()
	if err != nil {
		return nil, err
	}
	focused, err := el.Focus(ctx)
	if err != nil {
		return nil, err
	}
	if !focused {
		return nil, schemas.NewError(schemas.ElementNotInteractable, "element %s is not keyboard-interactable", el.ID)
	}
	if err := s.input.Type(ctx, s.surface(b, doc), text); err != nil {
		return nil, err
	}
	b.waitRequired = true
	return nil, nil
}

func (s *Session) pageSource(ctx context.Context, _ schemas.Command) (any, error) {
	doc, _, err := s.document()
	if err != nil {
		return nil, err
	}
	sc := script.FromAtom(doc, atoms.PageSource)
	if err := sc.Execute(ctx); err != nil {
		return nil, err
	}
	return sc.Result().Text(), nil
}

// -- Screenshots --

func (s *Session) screenshot(ctx context.Context, _ schemas.Command) (any, error) {
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	data, err := b.Screenshot(ctx)
	if err != nil {
		return nil, backendError(schemas.UnableToCaptureScreen, err, "")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// viewportRectSource returns an element's box relative to the viewport.
const viewportRectSource = `function (el) {
  var r = el.getBoundingClientRect();
  return JSON.stringify({ x: r.left, y: r.top, width: r.width, height: r.height });
}`

// elementScreenshot captures the viewport and crops it to the element's
// box after scrolling it into view.
func (s *Session) elementScreenshot(ctx context.Context, cmd schemas.Command) (any, error) {
	el, err := s.element(ctx, cmd)
	if err != nil {
		return nil, err
	}
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	if _, _, err := el.ClickPoint(ctx); err != nil {
		return nil, err
	}
	obj, err := el.Object()
	if err != nil {
		return nil, schemas.WrapError(schemas.StaleElement, err, "")
	}
	sc := script.New(el.Document(), viewportRectSource).AddElement(obj)
	if err := sc.Execute(ctx); err != nil {
		return nil, err
	}
	var box schemas.Rect
	if err := json.UnmarshalFromString(sc.Result().Text(), &box); err != nil {
		return nil, schemas.WrapError(schemas.UnknownScriptResult, err, "decoding element box")
	}

	data, err := b.Screenshot(ctx)
	if err != nil {
		return nil, backendError(schemas.UnableToCaptureScreen, err, "")
	}
	cropped, err := crop(data, box)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.EncodeToString(cropped), nil
}

// crop cuts box out of a PNG.
func crop(data []byte, box schemas.Rect) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, schemas.WrapError(schemas.UnableToCaptureScreen, err, "decoding screenshot")
	}
	r := image.Rect(
		int(math.Floor(box.X)), int(math.Floor(box.Y)),
		int(math.Ceil(box.X+box.Width)), int(math.Ceil(box.Y+box.Height)),
	).Intersect(img.Bounds())
	if r.Empty() {
		return nil, schemas.NewError(schemas.UnableToCaptureScreen, "element has no visible area")
	}
	sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return nil, schemas.NewError(schemas.UnableToCaptureScreen, "screenshot cannot be cropped")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, sub.SubImage(r)); err != nil {
		return nil, schemas.WrapError(schemas.UnableToCaptureScreen, err, "encoding screenshot")
	}
	return buf.Bytes(), nil
}
