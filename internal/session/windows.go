package session

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

// newWindowTimeout bounds how long NewWindow waits for the host to report
// the opened window.
const newWindowTimeout = 5 * time.Second

func (s *Session) windowHandle(context.Context, schemas.Command) (any, error) {
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	return b.Handle(), nil
}

// handles lists switchable windows in the order they appeared.
func (s *Session) handles() []string {
	out := make([]string, 0, len(s.order))
	for _, h := range s.order {
		if !s.browsers[h].dialogWindow {
			out = append(out, h)
		}
	}
	return out
}

func (s *Session) windowHandles(context.Context, schemas.Command) (any, error) {
	s.pumpEvents()
	return s.handles(), nil
}

// closeWindow closes the current window and returns the remaining handles.
// Closing the last window ends the session.
func (s *Session) closeWindow(ctx context.Context, _ schemas.Command) (any, error) {
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	if err := s.input.Release(ctx, s.surface(b, b.Document())); err != nil {
		s.logger.Debug("Releasing input before close failed.", zap.Error(err))
	}
	b.closeRequested = true
	if err := b.Close(ctx); err != nil && !errors.Is(err, automation.ErrDetached) {
		return nil, schemas.WrapError(schemas.UnhandledError, err, "could not close window")
	}
	s.removeBrowser(b.Handle())
	s.pumpEvents()

	remaining := s.handles()
	if len(remaining) == 0 {
		s.logger.Info("Last window closed, ending session.")
		s.teardown(ctx)
	}
	return remaining, nil
}

func (s *Session) switchToWindow(_ context.Context, cmd schemas.Command) (any, error) {
	handle, err := cmd.String("handle")
	if err != nil {
		if name, nerr := cmd.String("name"); nerr == nil {
			handle, err = name, nil
		}
	}
	if err != nil {
		return nil, err
	}
	s.pumpEvents()
	b, ok := s.browsers[handle]
	if !ok || b.dialogWindow {
		return nil, schemas.NewError(schemas.NoSuchWindow, "no window with handle %s", handle)
	}
	s.current = handle
	s.frames = nil
	return nil, nil
}

// newWindow opens a blank window from the current page and returns its
// handle. The host decides whether it is a tab or a window.
func (s *Session) newWindow(ctx context.Context, _ schemas.Command) (any, error) {
	doc, _, err := s.document()
	if err != nil {
		return nil, err
	}
	s.pumpEvents()
	known := make(map[string]bool, len(s.order))
	for _, h := range s.order {
		known[h] = true
	}
	if _, err := doc.Execute(ctx, "function () { window.open('about:blank', '_blank'); }", nil); err != nil {
		return nil, schemas.WrapError(schemas.UnhandledError, err, "could not open window")
	}
	b, err := s.awaitNewWindow(ctx, known, newWindowTimeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{"handle": b.Handle(), "type": "tab"}, nil
}

// -- Frames --

func (s *Session) switchToFrame(ctx context.Context, cmd schemas.Command) (any, error) {
	raw, ok := cmd.Raw("id")
	if !ok || raw == nil {
		if _, err := s.browser(); err != nil {
			return nil, err
		}
		s.frames = nil
		return nil, nil
	}
	doc, _, err := s.document()
	if err != nil {
		return nil, err
	}

	if n, isNum := raw.(float64); isNum {
		if n < 0 || n > math.MaxUint16 || n != math.Trunc(n) {
			return nil, schemas.NewError(schemas.InvalidArgument, "frame index must be an integer between 0 and 65535")
		}
		frames := doc.Frames()
		if int(n) >= len(frames) {
			return nil, schemas.NewError(schemas.NoSuchFrame, "no frame at index %d", int(n))
		}
		s.frames = append(s.frames, frames[int(n)])
		return nil, nil
	}

	id, isRef := schemas.ElementID(raw)
	if !isRef {
		return nil, schemas.NewError(schemas.InvalidArgument, "frame id must be null, a number or an element")
	}
	el, err := s.elementByID(ctx, id)
	if err != nil {
		return nil, err
	}
	obj, err := el.Object()
	if err != nil {
		return nil, schemas.WrapError(schemas.StaleElement, err, "")
	}
	frame, err := doc.FrameFor(ctx, obj)
	if err != nil {
		if errors.Is(err, automation.ErrNoSuchFrame) {
			return nil, schemas.WrapError(schemas.NoSuchFrame, err, "")
		}
		return nil, backendError(schemas.UnhandledError, err, "")
	}
	s.frames = append(s.frames, frame)
	return nil, nil
}

func (s *Session) switchToParentFrame(context.Context, schemas.Command) (any, error) {
	if _, err := s.browser(); err != nil {
		return nil, err
	}
	if n := len(s.frames); n > 0 {
		s.frames = s.frames[:n-1]
	}
	return nil, nil
}

// -- Geometry and capture --

func (s *Session) windowRect(ctx context.Context, _ schemas.Command) (any, error) {
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	r, err := b.WindowRect(ctx)
	if err != nil {
		return nil, backendError(schemas.UnhandledError, err, "")
	}
	return r, nil
}

func (s *Session) setWindowRect(ctx context.Context, cmd schemas.Command) (any, error) {
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	r, err := b.WindowRect(ctx)
	if err != nil {
		return nil, backendError(schemas.UnhandledError, err, "")
	}
	for _, f := range []struct {
		key string
		dst *float64
		min float64
	}{
		{"x", &r.X, math.MinInt32},
		{"y", &r.Y, math.MinInt32},
		{"width", &r.Width, 0},
		{"height", &r.Height, 0},
	} {
		raw, ok := cmd.Raw(f.key)
		if !ok || raw == nil {
			continue
		}
		n, ok := raw.(float64)
		if !ok || n < f.min || n > math.MaxInt32 {
			return nil, schemas.NewError(schemas.InvalidArgument, "%s must be an integer in range", f.key)
		}
		*f.dst = math.Trunc(n)
	}
	if err := b.SetWindowRect(ctx, r); err != nil {
		return nil, backendError(schemas.UnhandledError, err, "")
	}
	return s.windowRect(ctx, cmd)
}

func (s *Session) maximize(ctx context.Context, cmd schemas.Command) (any, error) {
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	if err := b.Maximize(ctx); err != nil {
		return nil, backendError(schemas.UnhandledError, err, "")
	}
	return s.windowRect(ctx, cmd)
}
