// Package session implements the per-session command actor. A Session owns
// every piece of state for one automated browser and runs commands strictly
// one at a time on its own goroutine, pumping host events and load-wait
// polls in between.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/apartment"
	"github.com/xkilldash9x/scalpel-driver/internal/asyncscript"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/element"
	"github.com/xkilldash9x/scalpel-driver/internal/input"
	"github.com/xkilldash9x/scalpel-driver/internal/journal"
	"github.com/xkilldash9x/scalpel-driver/internal/locator"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
)

// Recorder receives one entry per completed command.
type Recorder interface {
	Record(e journal.Entry)
}

// Options configures a session.
type Options struct {
	Host    automation.Host
	Config  config.DriverConfig
	Logger  *zap.Logger
	Metrics *observability.Metrics
	// Lock guards input synthesis across sessions. Nil disables it.
	Lock *input.Lock
	// Journal is optional.
	Journal Recorder
	// ID overrides the generated session id.
	ID string
}

// envelope carries one command into the actor and its response back.
type envelope struct {
	ctx   context.Context
	cmd   schemas.Command
	reply chan schemas.Response
}

// inflight is the command currently executing or waiting for a load.
type inflight struct {
	env      *envelope
	start    time.Time
	value    any
	browser  *managedBrowser
	deadline time.Time
}

// Session is one automation session.
type Session struct {
	id      string
	host    automation.Host
	cfg     config.DriverConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	journal Recorder

	mailbox  chan *envelope
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Everything below is owned by the actor goroutine.
	ap       *apartment.Apartment
	events   <-chan automation.Event
	handlers map[schemas.CommandType]handler

	browsers map[string]*managedBrowser
	order    []string
	current  string
	frames   []automation.Document

	timeouts schemas.Timeouts
	prompt   schemas.UnexpectedAlertBehavior
	valid    bool
	opened   bool
	ended    bool

	reg     *element.Registry
	locator *locator.Locator
	input   *input.Engine
	bridge  *asyncscript.Bridge

	active    *inflight
	pollTimer *time.Timer
}

// New creates a session and starts its actor. The browser is not touched
// until the NewSession command runs.
func New(opts Options) (*Session, error) {
	if opts.Host == nil {
		return nil, errors.New("session requires a host")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	dispatcher, err := input.NewDispatcher(opts.Config.InputStrategy)
	if err != nil {
		return nil, err
	}
	prompt := schemas.UnexpectedAlertBehavior(opts.Config.UnhandledPromptBehavior)
	if !prompt.Valid() {
		prompt = schemas.AlertDismiss
	}

	logger := opts.Logger.Named("session").With(zap.String("session_id", id))
	ap := apartment.New("session-" + id)
	reg := element.NewRegistry(ap, logger)
	s := &Session{
		id:       id,
		host:     opts.Host,
		cfg:      withPollDefaults(opts.Config),
		logger:   logger,
		metrics:  opts.Metrics,
		journal:  opts.Journal,
		mailbox:  make(chan *envelope),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		ap:       ap,
		events:   opts.Host.Events(),
		browsers: make(map[string]*managedBrowser),
		timeouts: opts.Config.Timeouts(),
		prompt:   prompt,
		valid:    true,
		reg:      reg,
		locator:  locator.New(reg, logger),
		input:    input.NewEngine(dispatcher, opts.Lock, logger),
	}
	s.bridge = asyncscript.New(ap, s.cfg.AsyncPollInterval, logger, opts.Metrics)
	s.handlers = s.handlerTable()

	go s.run()
	return s, nil
}

func withPollDefaults(c config.DriverConfig) config.DriverConfig {
	if c.WaitPollInterval <= 0 {
		c.WaitPollInterval = 200 * time.Millisecond
	}
	if c.FindPollInterval <= 0 {
		c.FindPollInterval = 250 * time.Millisecond
	}
	if c.AsyncPollInterval <= 0 {
		c.AsyncPollInterval = asyncscript.DefaultPollInterval
	}
	return c
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed once the actor has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Dispatch runs cmd on the actor and returns its response. Commands from
// concurrent callers are processed one at a time in arrival order.
func (s *Session) Dispatch(ctx context.Context, cmd schemas.Command) schemas.Response {
	env := &envelope{ctx: ctx, cmd: cmd, reply: make(chan schemas.Response, 1)}
	select {
	case s.mailbox <- env:
	case <-s.done:
		return schemas.ErrorResponse(s.id, schemas.NewError(schemas.NoSuchDriver, "session %s has ended", s.id))
	case <-ctx.Done():
		return schemas.ErrorResponse(s.id, schemas.WrapError(schemas.Timeout, ctx.Err(), "command was not accepted"))
	}
	select {
	case resp := <-env.reply:
		return resp
	case <-ctx.Done():
		return schemas.ErrorResponse(s.id, schemas.WrapError(schemas.Timeout, ctx.Err(), "command did not complete"))
	}
}

// Close quits the session if it is still running and waits for the actor
// to exit.
func (s *Session) Close(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	resp := s.Dispatch(ctx, schemas.NewCommand(schemas.CmdQuit, nil, nil))
	if !resp.IsSuccess() && resp.Status != schemas.NoSuchDriver {
		s.logger.Warn("Quit during close failed, stopping actor.", zap.String("error", resp.Message))
		s.stopOnce.Do(func() { close(s.stop) })
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor loop. New commands are only accepted while nothing is in
// flight, which keeps commands totally ordered even while one waits for a
// page load.
func (s *Session) run() {
	defer close(s.done)
	s.logger.Debug("Session actor started.")
	for {
		var mailbox chan *envelope
		if s.active == nil {
			mailbox = s.mailbox
		}
		var poll <-chan time.Time
		if s.pollTimer != nil {
			poll = s.pollTimer.C
		}

		select {
		case <-s.stop:
			s.teardown(context.Background())
			return
		case env := <-mailbox:
			s.begin(env)
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			s.handleEvent(ev)
		case <-poll:
			s.poll()
		}

		if s.ended && s.active == nil {
			s.logger.Info("Session ended.")
			return
		}
	}
}

// begin runs the handler for env and either answers immediately or enters
// the load wait.
func (s *Session) begin(env *envelope) {
	f := &inflight{env: env, start: time.Now()}
	s.active = f

	value, err := s.execute(env.ctx, env.cmd)
	if err != nil {
		s.finish(value, err)
		return
	}
	f.value = value

	b := s.currentBrowser()
	if b == nil || !b.waitRequired || s.ended {
		s.finish(value, nil)
		return
	}
	b.waitRequired = false
	f.browser = b
	if !navigates[env.cmd.Type] {
		s.settle(env.ctx, b)
	}
	if d := s.timeouts.PageLoad; d > 0 {
		f.deadline = f.start.Add(d)
	}
	s.logger.Debug("Waiting for page load.", zap.String("command", string(env.cmd.Type)))
	s.pollTimer = time.NewTimer(0)
}

// poll is one iteration of the load wait.
func (s *Session) poll() {
	f := s.active
	if f == nil {
		s.stopPolling()
		return
	}
	if _, live := s.browsers[f.browser.Handle()]; !live || Wait(f.browser) {
		s.finish(f.value, nil)
		return
	}
	if !f.deadline.IsZero() && !time.Now().Before(f.deadline) {
		s.finish(nil, schemas.NewError(schemas.Timeout,
			"page load did not complete within %s", s.timeouts.PageLoad))
		return
	}
	s.pollTimer.Reset(s.cfg.WaitPollInterval)
}

func (s *Session) stopPolling() {
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
}

// finish releases the response for the in-flight command.
func (s *Session) finish(value any, err error) {
	f := s.active
	s.active = nil
	s.stopPolling()

	var resp schemas.Response
	if err != nil {
		resp = schemas.ErrorResponse(s.id, err)
	} else {
		resp = schemas.NewSuccess(s.id, value)
	}
	f.env.reply <- resp

	elapsed := time.Since(f.start)
	status := resp.Status.String()
	s.metrics.ObserveCommand(string(f.env.cmd.Type), status, elapsed)
	if s.journal != nil {
		s.journal.Record(journal.Entry{
			SessionID: s.id,
			Command:   string(f.env.cmd.Type),
			Status:    status,
			Message:   resp.Message,
			Duration:  elapsed,
			At:        f.start.UTC(),
		})
	}
	if err != nil {
		s.logger.Debug("Command failed.", zap.String("command", string(f.env.cmd.Type)),
			zap.String("status", status), zap.String("message", resp.Message), zap.Duration("elapsed", elapsed))
	} else {
		s.logger.Debug("Command completed.", zap.String("command", string(f.env.cmd.Type)), zap.Duration("elapsed", elapsed))
	}
}

// execute applies the alert policy and runs the handler. Panics are
// converted to UnhandledError so the actor survives them.
func (s *Session) execute(ctx context.Context, cmd schemas.Command) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in command handler.",
				zap.String("command", string(cmd.Type)),
				zap.Any("panic_reason", r),
				zap.String("stack", string(debug.Stack())))
			value, err = nil, schemas.NewError(schemas.UnhandledError, "panic in %s handler: %v", cmd.Type, r)
		}
	}()

	h, ok := s.handlers[cmd.Type]
	if !ok {
		return nil, schemas.NewError(schemas.NotImplemented, "unknown command %q", cmd.Type)
	}
	if cmd.Type != schemas.CmdNewSession && cmd.Type != schemas.CmdStatus {
		if !s.valid {
			return nil, schemas.NewError(schemas.NoSuchDriver, "session %s is no longer valid", s.id)
		}
		if err := s.checkAlert(ctx, cmd); err != nil {
			return nil, err
		}
	}
	return h(ctx, cmd)
}

// teardown releases everything the session holds. It is idempotent.
func (s *Session) teardown(ctx context.Context) {
	if s.ended {
		return
	}
	s.ended = true
	s.valid = false
	if b := s.currentBrowser(); b != nil {
		if err := s.input.Release(ctx, s.surface(b, b.Document())); err != nil {
			s.logger.Debug("Releasing input state failed.", zap.Error(err))
		}
	}
	s.reg.Clear()
	s.bridge.Close()
	if err := s.host.Quit(ctx); err != nil {
		s.logger.Warn("Host quit failed.", zap.Error(err))
	}
	s.browsers = map[string]*managedBrowser{}
	s.order = nil
	s.current = ""
	s.frames = nil
	if s.opened {
		s.metrics.SessionEnded()
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s", s.id)
}
