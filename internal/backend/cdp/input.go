package cdp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/input/keys"
)

const (
	inputQueue   = 64
	inputTimeout = 30 * time.Second
	dialogPoll   = 10 * time.Millisecond
)

// centerSource returns the center of an element in top-level viewport
// coordinates, adding the offsets of every enclosing frame.
const centerSource = `function () {
  var r = this.getBoundingClientRect();
  var x = r.left + r.width / 2, y = r.top + r.height / 2;
  var w = this.ownerDocument.defaultView;
  while (w && w.frameElement) {
    var f = w.frameElement, fr = f.getBoundingClientRect();
    x += fr.left + f.clientLeft;
    y += fr.top + f.clientTop;
    w = w.parent;
  }
  return [x, y];
}`

// inputSink sends trusted input through the DevTools Input domain. Events
// go out one at a time in call order. A call returns early when the event
// opens a dialog, since the browser holds the reply until it is closed.
type inputSink struct {
	win  *Window
	keys keys.Tracker

	mu      sync.Mutex
	buttons int64

	start sync.Once
	halt  sync.Once
	jobs  chan inputJob
	quit  chan struct{}
}

var _ automation.InputSink = (*inputSink)(nil)

type inputJob struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

func (s *inputSink) init() {
	s.start.Do(func() {
		s.jobs = make(chan inputJob, inputQueue)
		s.quit = make(chan struct{})
		go s.loop()
	})
}

func (s *inputSink) loop() {
	for {
		select {
		case j := <-s.jobs:
			ctx, cancel := context.WithTimeout(j.ctx, inputTimeout)
			j.done <- s.win.run(ctx, j.fn)
			cancel()
		case <-s.quit:
			return
		}
	}
}

func (s *inputSink) stop() {
	s.init()
	s.halt.Do(func() { close(s.quit) })
}

func (s *inputSink) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	s.init()
	j := inputJob{ctx: context.WithoutCancel(ctx), fn: fn, done: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-s.quit:
		return automation.ErrDetached
	case <-ctx.Done():
		return ctx.Err()
	}

	tick := time.NewTicker(dialogPoll)
	defer tick.Stop()
	for {
		select {
		case err := <-j.done:
			return err
		case <-tick.C:
			if s.win.dialogOpen() {
				return nil
			}
		case <-s.quit:
			return automation.ErrDetached
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// point resolves input coordinates to the top-level viewport.
func (s *inputSink) point(ctx context.Context, x, y int, ic automation.InputContext) (float64, float64, error) {
	fx, fy := float64(x), float64(y)
	if !ic.Relative || ic.Target == nil {
		return fx, fy, nil
	}
	ro, ok := ic.Target.(*remoteObject)
	if !ok || ro.win != s.win {
		return 0, 0, errors.New("input target does not belong to this window")
	}
	var center []float64
	err := s.win.run(ctx, func(ctx context.Context) error {
		res, exc, err := runtime.CallFunctionOn(centerSource).
			WithObjectID(ro.id).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return scriptError(exc)
		}
		return json.Unmarshal(res.Value, &center)
	})
	if err != nil {
		return 0, 0, err
	}
	if len(center) != 2 {
		return 0, 0, errors.New("could not locate input target")
	}
	return fx + center[0], fy + center[1], nil
}

func cdpButton(b schemas.MouseButton) (input.MouseButton, int64) {
	switch b {
	case schemas.ButtonMiddle:
		return input.Middle, 4
	case schemas.ButtonRight:
		return input.Right, 2
	}
	return input.Left, 1
}

func (s *inputSink) MouseMove(ctx context.Context, x, y int, ic automation.InputContext) error {
	fx, fy, err := s.point(ctx, x, y, ic)
	if err != nil {
		return err
	}
	mods := input.Modifier(s.keys.Modifiers())
	s.mu.Lock()
	buttons := s.buttons
	s.mu.Unlock()
	return s.submit(ctx, func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, fx, fy).
			WithButton(input.None).
			WithButtons(buttons).
			WithModifiers(mods).
			Do(ctx)
	})
}

func (s *inputSink) MouseButton(ctx context.Context, button schemas.MouseButton, down bool, x, y int, ic automation.InputContext) error {
	fx, fy, err := s.point(ctx, x, y, ic)
	if err != nil {
		return err
	}
	name, bit := cdpButton(button)
	kind := input.MouseReleased
	s.mu.Lock()
	if down {
		kind = input.MousePressed
		s.buttons |= bit
	} else {
		s.buttons &^= bit
	}
	buttons := s.buttons
	s.mu.Unlock()
	mods := input.Modifier(s.keys.Modifiers())
	return s.submit(ctx, func(ctx context.Context) error {
		return input.DispatchMouseEvent(kind, fx, fy).
			WithButton(name).
			WithButtons(buttons).
			WithClickCount(1).
			WithModifiers(mods).
			Do(ctx)
	})
}

// Key sends one key transition. Input always goes to the focused element,
// so the context only matters to other hosts.
func (s *inputSink) Key(ctx context.Context, ev automation.KeyEvent, _ automation.InputContext) error {
	k := s.keys.Resolve(ev.VirtualKey, ev.Extended, ev.Unicode, ev.Down, ev.Modifiers)
	if k.Key == "Enter" {
		k.Text = "\r"
	}
	kind := input.KeyUp
	if ev.Down {
		kind = input.KeyRawDown
		if k.Text != "" {
			kind = input.KeyDown
		}
	}
	p := input.DispatchKeyEvent(kind).
		WithKey(k.Key).
		WithCode(k.Code).
		WithModifiers(input.Modifier(k.Modifiers))
	if ev.VirtualKey != 0 {
		p = p.WithWindowsVirtualKeyCode(int64(ev.VirtualKey))
	}
	if ev.Down && k.Text != "" {
		p = p.WithText(k.Text).WithUnmodifiedText(k.Text)
	}
	return s.submit(ctx, func(ctx context.Context) error { return p.Do(ctx) })
}
