package cdp

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/page"

	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

// dialog is a JavaScript dialog reported by the page. The window forgets it
// when the browser reports it closed.
type dialog struct {
	win  *Window
	kind automation.DialogType
	text string

	mu      sync.Mutex
	input   string
	hasText bool
}

var _ automation.Dialog = (*dialog)(nil)

func (d *dialog) Type() automation.DialogType { return d.kind }
func (d *dialog) Text() string                { return d.text }

func (d *dialog) Accept(ctx context.Context) error  { return d.answer(ctx, true) }
func (d *dialog) Dismiss(ctx context.Context) error { return d.answer(ctx, false) }

// SendText sets the prompt text used when the dialog is accepted.
func (d *dialog) SendText(_ context.Context, text string) error {
	if d.kind != automation.DialogPrompt {
		return automation.ErrNotPrompt
	}
	if !d.current() {
		return automation.ErrNoDialog
	}
	d.mu.Lock()
	d.input, d.hasText = text, true
	d.mu.Unlock()
	return nil
}

func (d *dialog) current() bool {
	cur, ok := d.win.Dialog()
	return ok && cur == automation.Dialog(d)
}

func (d *dialog) answer(ctx context.Context, accept bool) error {
	if !d.current() {
		return automation.ErrNoDialog
	}
	p := page.HandleJavaScriptDialog(accept)
	d.mu.Lock()
	if accept && d.hasText {
		p = p.WithPromptText(d.input)
	}
	d.mu.Unlock()
	if err := d.win.run(ctx, func(ctx context.Context) error { return p.Do(ctx) }); err != nil {
		return err
	}
	d.win.mu.Lock()
	if d.win.dialog == d {
		d.win.dialog = nil
	}
	d.win.mu.Unlock()
	return nil
}
