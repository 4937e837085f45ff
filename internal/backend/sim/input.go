package sim

import (
	"context"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/input/keys"
)

// inputSink queues trusted input on the target document's loop. Events are
// delivered in order but the calls do not wait for the page to handle them.
type inputSink struct {
	win  *Window
	keys keys.Tracker
}

var _ automation.InputSink = (*inputSink)(nil)

// target picks the document that receives input. Input aimed at an element
// goes to that element's document.
func (s *inputSink) target(ic automation.InputContext) (*Document, *goja.Object, error) {
	if s.win.closed.Load() {
		return nil, nil, automation.ErrDetached
	}
	if ref, ok := ic.Target.(*jsRef); ok && ref.doc.win == s.win {
		if ref.doc.detached.Load() {
			return nil, nil, automation.ErrDetached
		}
		return ref.doc, ref.obj, nil
	}
	d := s.win.current()
	if d == nil {
		return nil, nil, automation.ErrDetached
	}
	return d, nil, nil
}

func (s *inputSink) MouseMove(_ context.Context, x, y int, ic automation.InputContext) error {
	return s.mouse("move", schemas.ButtonLeft, x, y, ic)
}

func (s *inputSink) MouseButton(_ context.Context, button schemas.MouseButton, down bool, x, y int, ic automation.InputContext) error {
	kind := "up"
	if down {
		kind = "down"
	}
	return s.mouse(kind, button, x, y, ic)
}

func (s *inputSink) mouse(kind string, button schemas.MouseButton, x, y int, ic automation.InputContext) error {
	d, obj, err := s.target(ic)
	if err != nil {
		return err
	}
	flags := s.modifiers()
	d.post(func() {
		m := d.dom
		fx, fy := float64(x), float64(y)
		if ic.Relative && obj != nil {
			if n, ok := m.objs[obj]; ok {
				b := m.clientBox(n)
				fx += b.X + b.W/2
				fy += b.Y + b.H/2
			}
		} else {
			fx -= d.frame.X
			fy -= d.frame.Y
		}
		_, err := m.mouse(goja.Undefined(), m.str(kind), m.vm.ToValue(fx), m.vm.ToValue(fy),
			m.vm.ToValue(int(button)), m.vm.ToValue(int(flags)))
		if err != nil {
			d.logger.Debug("Mouse input failed.", zap.String("type", kind), zap.Error(err))
		}
	})
	return nil
}

func (s *inputSink) modifiers() schemas.KeyModifier { return s.keys.Modifiers() }

func (s *inputSink) Key(_ context.Context, ev automation.KeyEvent, ic automation.InputContext) error {
	d, _, err := s.target(ic)
	if err != nil {
		return err
	}
	k := s.keys.Resolve(ev.VirtualKey, ev.Extended, ev.Unicode, ev.Down, ev.Modifiers)
	d.post(func() {
		m := d.dom
		_, err := m.key(goja.Undefined(), m.vm.ToValue(ev.Down), m.str(k.Key), m.str(k.Code), m.str(k.Text),
			m.vm.ToValue(int(k.Modifiers)))
		if err != nil {
			d.logger.Debug("Key input failed.", zap.String("key", k.Key), zap.Error(err))
		}
	})
	return nil
}
