package session

import (
	"context"
	"errors"
	"math"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

// handler runs one command on the actor goroutine.
type handler func(ctx context.Context, cmd schemas.Command) (any, error)

func (s *Session) handlerTable() map[schemas.CommandType]handler {
	return map[schemas.CommandType]handler{
		schemas.CmdNewSession:  s.newSession,
		schemas.CmdQuit:        s.quit,
		schemas.CmdStatus:      s.status,
		schemas.CmdGetTimeouts: s.getTimeouts,
		schemas.CmdSetTimeouts: s.setTimeouts,

		schemas.CmdGet:           s.navigate,
		schemas.CmdGetCurrentURL: s.currentURL,
		schemas.CmdGoBack:        s.back,
		schemas.CmdGoForward:     s.forward,
		schemas.CmdRefresh:       s.refresh,
		schemas.CmdGetTitle:      s.title,

		schemas.CmdGetWindowHandle:     s.windowHandle,
		schemas.CmdGetWindowHandles:    s.windowHandles,
		schemas.CmdCloseWindow:         s.closeWindow,
		schemas.CmdSwitchToWindow:      s.switchToWindow,
		schemas.CmdNewWindow:           s.newWindow,
		schemas.CmdSwitchToFrame:       s.switchToFrame,
		schemas.CmdSwitchToParentFrame: s.switchToParentFrame,
		schemas.CmdGetWindowRect:       s.windowRect,
		schemas.CmdSetWindowRect:       s.setWindowRect,
		schemas.CmdMaximizeWindow:      s.maximize,

		schemas.CmdFindElement:         s.findElement,
		schemas.CmdFindElements:        s.findElements,
		schemas.CmdFindChildElement:    s.findChildElement,
		schemas.CmdFindChildElements:   s.findChildElements,
		schemas.CmdGetActiveElement:    s.activeElement,
		schemas.CmdIsElementSelected:   s.isSelected,
		schemas.CmdGetElementAttribute: s.attribute,
		schemas.CmdGetElementProperty:  s.property,
		schemas.CmdGetElementCSSValue:  s.cssValue,
		schemas.CmdGetElementText:      s.text,
		schemas.CmdGetElementTagName:   s.tagName,
		schemas.CmdGetElementRect:      s.elementRect,
		schemas.CmdIsElementEnabled:    s.isEnabled,
		schemas.CmdIsElementDisplayed:  s.isDisplayed,
		schemas.CmdElementClick:        s.click,
		schemas.CmdElementClear:        s.clear,
		schemas.CmdElementSendKeys:     s.sendKeys,
		schemas.CmdGetPageSource:       s.pageSource,

		schemas.CmdExecuteScript:      s.executeScript,
		schemas.CmdExecuteAsyncScript: s.executeAsyncScript,

		schemas.CmdGetAllCookies:    s.allCookies,
		schemas.CmdGetNamedCookie:   s.namedCookie,
		schemas.CmdAddCookie:        s.addCookie,
		schemas.CmdDeleteCookie:     s.deleteCookie,
		schemas.CmdDeleteAllCookies: s.deleteAllCookies,

		schemas.CmdPerformActions: s.performActions,
		schemas.CmdReleaseActions: s.releaseActions,

		schemas.CmdDismissAlert:  s.dismissAlert,
		schemas.CmdAcceptAlert:   s.acceptAlert,
		schemas.CmdGetAlertText:  s.alertText,
		schemas.CmdSendAlertText: s.sendAlertText,

		schemas.CmdTakeScreenshot:    s.screenshot,
		schemas.CmdElementScreenshot: s.elementScreenshot,
	}
}

// -- Session Lifecycle --

func (s *Session) newSession(ctx context.Context, cmd schemas.Command) (any, error) {
	if s.opened {
		return nil, schemas.NewError(schemas.SessionNotCreated, "session %s is already open", s.id)
	}
	caps, err := mergeCapabilities(cmd)
	if err != nil {
		return nil, err
	}
	if raw, ok := caps["timeouts"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, schemas.NewError(schemas.InvalidArgument, "capability timeouts must be an object")
		}
		if s.timeouts, err = parseTimeouts(m, s.timeouts); err != nil {
			return nil, err
		}
	}
	if raw, ok := caps["unhandledPromptBehavior"]; ok {
		str, _ := raw.(string)
		b := schemas.UnexpectedAlertBehavior(str)
		if !b.Valid() {
			return nil, schemas.NewError(schemas.InvalidArgument, "unknown unhandledPromptBehavior %q", str)
		}
		s.prompt = b
	}

	b, err := s.host.Open(ctx)
	if err != nil {
		return nil, schemas.WrapError(schemas.SessionNotCreated, err, "could not open browser window")
	}
	s.addBrowser(b, false)
	s.current = b.Handle()
	s.opened = true
	s.metrics.SessionStarted()
	s.logger.Info("Session created.", zap.String("handle", s.current), zap.String("prompt_behavior", string(s.prompt)))

	return map[string]any{
		"sessionId":    s.id,
		"capabilities": s.capabilities(),
	}, nil
}

func (s *Session) capabilities() map[string]any {
	return map[string]any{
		"browserName":             "scalpel",
		"platformName":            runtime.GOOS,
		"acceptInsecureCerts":     false,
		"pageLoadStrategy":        "normal",
		"setWindowRect":           true,
		"timeouts":                s.timeouts.JSON(),
		"unhandledPromptBehavior": string(s.prompt),
		"scalpel:inputStrategy":   s.cfg.InputStrategy,
	}
}

// mergeCapabilities combines alwaysMatch with the first firstMatch entry.
func mergeCapabilities(cmd schemas.Command) (map[string]any, error) {
	out := map[string]any{}
	raw, ok := cmd.Raw("capabilities")
	if !ok || raw == nil {
		return out, nil
	}
	caps, ok := raw.(map[string]any)
	if !ok {
		return nil, schemas.NewError(schemas.InvalidArgument, "capabilities must be an object")
	}
	if always, ok := caps["alwaysMatch"].(map[string]any); ok {
		for k, v := range always {
			out[k] = v
		}
	}
	if first, ok := caps["firstMatch"].([]any); ok && len(first) > 0 {
		if m, ok := first[0].(map[string]any); ok {
			for k, v := range m {
				if _, dup := out[k]; dup {
					return nil, schemas.NewError(schemas.InvalidArgument, "capability %q appears in alwaysMatch and firstMatch", k)
				}
				out[k] = v
			}
		}
	}
	return out, nil
}

func (s *Session) quit(ctx context.Context, _ schemas.Command) (any, error) {
	s.teardown(ctx)
	return nil, nil
}

// status reports whether the session can take commands: it has a current
// window and no user prompt is blocking it.
func (s *Session) status(context.Context, schemas.Command) (any, error) {
	s.pumpEvents()
	ready, msg := true, "session "+s.id+" is active"
	if !s.valid {
		ready, msg = false, "session "+s.id+" is no longer valid"
	} else if b, err := s.browser(); err != nil {
		ready, msg = false, schemas.AsError(err).Message
	} else if _, open := b.Dialog(); open {
		ready, msg = false, "a user prompt is open"
	}
	return map[string]any{"ready": ready, "message": msg}, nil
}

func (s *Session) getTimeouts(context.Context, schemas.Command) (any, error) {
	return s.timeouts.JSON(), nil
}

func (s *Session) setTimeouts(_ context.Context, cmd schemas.Command) (any, error) {
	t, err := parseTimeouts(cmd.Body, s.timeouts)
	if err != nil {
		return nil, err
	}
	s.timeouts = t
	return nil, nil
}

// maxSafeInteger is the largest timeout the protocol accepts.
const maxSafeInteger = 1<<53 - 1

// parseTimeouts applies the implicit, script and pageLoad keys of m to
// cur. Values are milliseconds. A null script timeout disables it.
func parseTimeouts(m map[string]any, cur schemas.Timeouts) (schemas.Timeouts, error) {
	fields := []struct {
		key      string
		dst      *time.Duration
		nullable bool
	}{
		{"implicit", &cur.Implicit, false},
		{"script", &cur.Script, true},
		{"pageLoad", &cur.PageLoad, false},
	}
	for _, f := range fields {
		raw, ok := m[f.key]
		if !ok {
			continue
		}
		if raw == nil {
			if !f.nullable {
				return cur, schemas.NewError(schemas.InvalidArgument, "timeout %q cannot be null", f.key)
			}
			*f.dst = schemas.NoTimeout
			continue
		}
		n, ok := raw.(float64)
		if !ok || n < 0 || n > maxSafeInteger || n != math.Trunc(n) {
			return cur, schemas.NewError(schemas.InvalidArgument, "timeout %q must be an integer between 0 and 2^53-1", f.key)
		}
		if n > float64(math.MaxInt64/int64(time.Millisecond)) {
			*f.dst = time.Duration(math.MaxInt64)
			continue
		}
		*f.dst = time.Duration(n) * time.Millisecond
	}
	return cur, nil
}

// -- Navigation --

func (s *Session) navigate(ctx context.Context, cmd schemas.Command) (any, error) {
	url, err := cmd.String("url")
	if err != nil {
		return nil, err
	}
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	if err := b.Navigate(ctx, url); err != nil {
		return nil, schemas.WrapError(schemas.InvalidArgument, err, "navigation failed")
	}
	s.frames = nil
	b.waitRequired = true
	return nil, nil
}

func (s *Session) history(ctx context.Context, step func(*managedBrowser, context.Context) error) (any, error) {
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	if err := step(b, ctx); err != nil {
		return nil, backendError(schemas.UnhandledError, err, "")
	}
	s.frames = nil
	b.waitRequired = true
	return nil, nil
}

func (s *Session) back(ctx context.Context, _ schemas.Command) (any, error) {
	return s.history(ctx, func(b *managedBrowser, ctx context.Context) error { return b.Back(ctx) })
}

func (s *Session) forward(ctx context.Context, _ schemas.Command) (any, error) {
	return s.history(ctx, func(b *managedBrowser, ctx context.Context) error { return b.Forward(ctx) })
}

func (s *Session) refresh(ctx context.Context, _ schemas.Command) (any, error) {
	return s.history(ctx, func(b *managedBrowser, ctx context.Context) error { return b.Refresh(ctx) })
}

func (s *Session) currentURL(context.Context, schemas.Command) (any, error) {
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	return b.URL(), nil
}

func (s *Session) title(context.Context, schemas.Command) (any, error) {
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	return b.Title(), nil
}

// -- Alerts --

// dialogCommands may run while a dialog is displayed.
var dialogCommands = map[schemas.CommandType]bool{
	schemas.CmdDismissAlert:  true,
	schemas.CmdAcceptAlert:   true,
	schemas.CmdGetAlertText:  true,
	schemas.CmdSendAlertText: true,
}

// checkAlert applies the unexpected-alert policy when a dialog blocks the
// current window. The command is refused unless it is a dialog command or
// Quit, which proceeds once the dialog is dismissed.
func (s *Session) checkAlert(ctx context.Context, cmd schemas.Command) error {
	s.pumpEvents()
	b := s.currentBrowser()
	if b == nil || dialogCommands[cmd.Type] {
		return nil
	}
	d, ok := b.Dialog()
	if !ok {
		return nil
	}
	text := d.Text()

	if cmd.Type == schemas.CmdQuit {
		if err := d.Dismiss(ctx); err != nil {
			s.logger.Debug("Dismissing dialog before quit failed.", zap.Error(err))
		}
		return nil
	}

	var err error
	switch s.prompt {
	case schemas.AlertAccept, schemas.AlertAcceptAndNotify:
		err = d.Accept(ctx)
	case schemas.AlertDismiss, schemas.AlertDismissAndNotify:
		err = d.Dismiss(ctx)
	case schemas.AlertIgnore:
	}
	if err != nil {
		s.logger.Debug("Auto-handling dialog failed.", zap.Error(err))
	}
	s.logger.Warn("Unexpected dialog blocked command.",
		zap.String("command", string(cmd.Type)),
		zap.String("dialog_type", string(d.Type())),
		zap.String("policy", string(s.prompt)))
	return schemas.NewError(schemas.UnexpectedAlertOpen, "unexpected alert open: {Alert text : %s}", text)
}

func (s *Session) dialog() (automation.Dialog, error) {
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	d, ok := b.Dialog()
	if !ok {
		return nil, schemas.NewError(schemas.NoSuchAlert, "no alert is open")
	}
	return d, nil
}

func (s *Session) dialogError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, automation.ErrNoDialog):
		return schemas.WrapError(schemas.NoSuchAlert, err, "")
	case errors.Is(err, automation.ErrNotPrompt):
		return schemas.WrapError(schemas.ElementNotInteractable, err, "")
	}
	return schemas.WrapError(schemas.UnhandledError, err, "")
}

func (s *Session) dismissAlert(ctx context.Context, _ schemas.Command) (any, error) {
	d, err := s.dialog()
	if err != nil {
		return nil, err
	}
	return nil, s.dialogError(d.Dismiss(ctx))
}

func (s *Session) acceptAlert(ctx context.Context, _ schemas.Command) (any, error) {
	d, err := s.dialog()
	if err != nil {
		return nil, err
	}
	return nil, s.dialogError(d.Accept(ctx))
}

func (s *Session) alertText(context.Context, schemas.Command) (any, error) {
	d, err := s.dialog()
	if err != nil {
		return nil, err
	}
	return d.Text(), nil
}

func (s *Session) sendAlertText(ctx context.Context, cmd schemas.Command) (any, error) {
	text, err := cmd.String("text")
	if err != nil {
		return nil, err
	}
	d, err := s.dialog()
	if err != nil {
		return nil, err
	}
	return nil, s.dialogError(d.SendText(ctx, text))
}
