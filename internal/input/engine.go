package input

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/element"
	"github.com/xkilldash9x/scalpel-driver/internal/input/keys"
)

// Elements resolves the wire ids of origin elements.
type Elements interface {
	Element(ctx context.Context, id string) (*element.Element, error)
}

// Engine runs action ticks through a dispatcher and owns the session's
// device state.
type Engine struct {
	dispatch Dispatcher
	lock     *Lock
	state    *State
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewEngine returns an engine with an empty device state.
func NewEngine(d Dispatcher, lock *Lock, logger *zap.Logger) *Engine {
	return &Engine{
		dispatch: d,
		lock:     lock,
		state:    NewState(),
		logger:   logger.Named("input"),
		sleep:    sleepContext,
	}
}

// State exposes the device state.
func (e *Engine) State() *State { return e.state }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Perform executes ticks in order. Each tick lasts as long as its longest
// action duration.
func (e *Engine) Perform(ctx context.Context, s Surface, els Elements, ticks []Tick) error {
	release := e.lock.Acquire(ctx)
	defer release()

	for i, tick := range ticks {
		for _, a := range tick {
			if err := e.perform(ctx, s, els, e.state, a); err != nil {
				e.state.LastError = err.Error()
				e.logger.Debug("Action failed.", zap.Int("tick", i), zap.String("action", string(a.Type)), zap.Error(err))
				return err
			}
		}
		if err := e.sleep(ctx, tick.Duration()); err != nil {
			return schemas.WrapError(schemas.Timeout, err, "action sequence interrupted")
		}
	}
	return nil
}

func (e *Engine) perform(ctx context.Context, s Surface, els Elements, st *State, a Action) error {
	switch a.Type {
	case ActionPause:
		return nil
	case ActionKeyDown:
		return e.keyDown(ctx, s, st, a.Key)
	case ActionKeyUp:
		return e.keyUp(ctx, s, st, a.Key)
	case ActionPointerMove:
		return e.move(ctx, s, els, st, a)
	case ActionPointerDown:
		if _, ok := st.buttonHeld(a.Button); ok {
			return nil
		}
		st.pressButton(a.Button)
		return e.dispatch.Button(ctx, s, a.Button, true, Pointer{X: st.X, Y: st.Y}, st)
	case ActionPointerUp:
		i, ok := st.buttonHeld(a.Button)
		if !ok {
			return nil
		}
		st.releaseAt(i)
		return e.dispatch.Button(ctx, s, a.Button, false, Pointer{X: st.X, Y: st.Y}, st)
	}
	return schemas.NewError(schemas.InvalidArgument, "unknown action %q", a.Type)
}

func (e *Engine) move(ctx context.Context, s Surface, els Elements, st *State, a Action) error {
	var baseX, baseY int64
	p := Pointer{}
	switch a.Origin.Kind {
	case OriginPointer:
		baseX, baseY = int64(st.X), int64(st.Y)
	case OriginElement:
		if els == nil {
			return schemas.NewError(schemas.InvalidArgument, "element origins are not available here")
		}
		el, err := els.Element(ctx, a.Origin.Element)
		if err != nil {
			return err
		}
		cx, cy, err := el.ClickPoint(ctx)
		if err != nil {
			return schemas.WrapError(schemas.MoveTargetOutOfBounds, err, "origin element cannot be scrolled into view")
		}
		obj, err := el.Object()
		if err != nil {
			return schemas.WrapError(schemas.StaleElement, err, "")
		}
		baseX, baseY = int64(cx), int64(cy)
		p.Target, p.OffsetX, p.OffsetY = obj, a.X, a.Y
	}

	x, y := baseX+int64(a.X), baseY+int64(a.Y)
	if x > math.MaxInt32 || x < math.MinInt32 || y > math.MaxInt32 || y < math.MinInt32 {
		return schemas.NewError(schemas.MoveTargetOutOfBounds, "pointer target (%d, %d) overflows the coordinate range", x, y)
	}
	p.X, p.Y = int(x), int(y)

	vp, err := s.Browser.ViewportRect(ctx)
	if err != nil {
		return schemas.WrapError(schemas.NoSuchWindow, err, "cannot read the viewport")
	}
	if p.X < 0 || p.Y < 0 || float64(p.X) >= vp.Width || float64(p.Y) >= vp.Height {
		return schemas.NewError(schemas.MoveTargetOutOfBounds,
			"(%d, %d) is out of bounds of viewport width (%d) and height (%d)",
			p.X, p.Y, int(vp.Width), int(vp.Height))
	}

	if err := e.dispatch.Move(ctx, s, p, st); err != nil {
		return err
	}
	st.X, st.Y = p.X, p.Y
	return nil
}

func (e *Engine) keyDown(ctx context.Context, s Surface, st *State, r rune) error {
	if r == keys.Null {
		return e.releaseModifiers(ctx, s, st)
	}
	k, needShift := resolveKey(r)
	if _, ok := st.keyHeld(r); ok {
		return e.dispatch.Key(ctx, s, k, true, st)
	}
	if needShift && !st.shiftHeld() {
		shift, _ := resolveKey(keys.Shift)
		st.pressKey(keys.Shift, shift, r)
		if err := e.dispatch.Key(ctx, s, shift, true, st); err != nil {
			return err
		}
	}
	st.pressKey(r, k, 0)
	return e.dispatch.Key(ctx, s, k, true, st)
}

func (e *Engine) keyUp(ctx context.Context, s Surface, st *State, r rune) error {
	i, ok := st.keyHeld(r)
	if !ok {
		return nil
	}
	h := st.releaseAt(i)
	if err := e.dispatch.Key(ctx, s, h.native, false, st); err != nil {
		return err
	}
	if j, ok := st.implicitShift(r); ok {
		shift := st.releaseAt(j)
		return e.dispatch.Key(ctx, s, shift.native, false, st)
	}
	return nil
}

// releaseModifiers lifts every held modifier key, most recent first.
func (e *Engine) releaseModifiers(ctx context.Context, s Surface, st *State) error {
	for _, i := range st.heldModifiers() {
		h := st.releaseAt(i)
		if err := e.dispatch.Key(ctx, s, h.native, false, st); err != nil {
			return err
		}
	}
	return nil
}

// Release lifts every held key and button in the reverse order they were
// pressed and leaves the state empty. It keeps going after a failed
// dispatch and reports the first error.
func (e *Engine) Release(ctx context.Context, s Surface) error {
	release := e.lock.Acquire(ctx)
	defer release()
	return e.releaseAll(ctx, s, e.state)
}

func (e *Engine) releaseAll(ctx context.Context, s Surface, st *State) error {
	var first error
	for n := len(st.pressed); n > 0; n = len(st.pressed) {
		h := st.releaseAt(n - 1)
		var err error
		if h.isKey {
			err = e.dispatch.Key(ctx, s, h.native, false, st)
		} else {
			err = e.dispatch.Button(ctx, s, h.button, false, Pointer{X: st.X, Y: st.Y}, st)
		}
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Click moves to (x, y) in viewport coordinates and clicks the left button.
// It uses its own device state, leaving the session's untouched.
func (e *Engine) Click(ctx context.Context, s Surface, x, y int) error {
	release := e.lock.Acquire(ctx)
	defer release()

	st := NewState()
	steps := []Action{
		{Type: ActionPointerMove, X: x, Y: y, Origin: Origin{Kind: OriginViewport}},
		{Type: ActionPointerDown, Button: schemas.ButtonLeft},
		{Type: ActionPointerUp, Button: schemas.ButtonLeft},
	}
	for _, a := range steps {
		if err := e.perform(ctx, s, nil, st, a); err != nil {
			return err
		}
	}
	return nil
}

// Type sends text to the focused element. Modifier keys in text toggle,
// the Null key releases them, and anything still held at the end is
// released. Like Click it uses its own device state.
func (e *Engine) Type(ctx context.Context, s Surface, text string) error {
	release := e.lock.Acquire(ctx)
	defer release()

	st := NewState()
	for _, r := range norm.NFC.String(text) {
		var err error
		switch {
		case r == keys.Null:
			err = e.releaseModifiers(ctx, s, st)
		case isModifierKey(r):
			if _, held := st.keyHeld(r); held {
				err = e.keyUp(ctx, s, st, r)
			} else {
				err = e.keyDown(ctx, s, st, r)
			}
		default:
			if err = e.keyDown(ctx, s, st, r); err == nil {
				err = e.keyUp(ctx, s, st, r)
			}
		}
		if err != nil {
			_ = e.releaseAll(ctx, s, st)
			return err
		}
	}
	return e.releaseAll(ctx, s, st)
}
