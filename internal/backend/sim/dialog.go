package sim

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

// dialog is a modal raised by page script. The script's loop stays blocked
// until the dialog is answered or the document goes away.
type dialog struct {
	kind  automation.DialogType
	text  string
	reply chan bool
	done  atomic.Bool

	mu    sync.Mutex
	input string
}

var _ automation.Dialog = (*dialog)(nil)

func (d *dialog) Type() automation.DialogType { return d.kind }
func (d *dialog) Text() string                { return d.text }

func (d *dialog) Accept(context.Context) error  { return d.answer(true) }
func (d *dialog) Dismiss(context.Context) error { return d.answer(false) }

func (d *dialog) answer(ok bool) error {
	if !d.done.CompareAndSwap(false, true) {
		return automation.ErrNoDialog
	}
	d.reply <- ok
	return nil
}

func (d *dialog) SendText(_ context.Context, text string) error {
	if d.kind != automation.DialogPrompt {
		return automation.ErrNotPrompt
	}
	if d.done.Load() {
		return automation.ErrNoDialog
	}
	d.mu.Lock()
	d.input = text
	d.mu.Unlock()
	return nil
}

// showDialog blocks the calling loop until the dialog is answered. It
// returns the answer and, for prompts, the entered text.
func (m *dom) showDialog(kind automation.DialogType, text, def string) (bool, string) {
	w := m.doc.win
	d := &dialog{kind: kind, text: text, input: def, reply: make(chan bool, 1)}
	if !w.setDialog(d) {
		m.logger.Debug("Suppressing dialog, another is already open.", zap.String("type", string(kind)))
		return false, ""
	}
	defer w.clearDialog(d)
	m.logger.Debug("Dialog opened.", zap.String("type", string(kind)))

	select {
	case ok := <-d.reply:
		d.mu.Lock()
		defer d.mu.Unlock()
		return ok, d.input
	case <-m.doc.gone:
	case <-w.host.ctx.Done():
	}
	d.done.Store(true)
	return false, ""
}
