// Package driver routes commands to sessions. It creates a session for
// every NewSession command, looks sessions up by id for everything else and
// forgets them once their actor exits.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/input"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
	"github.com/xkilldash9x/scalpel-driver/internal/session"
)

// HostFactory starts a browser for a new session.
type HostFactory func(ctx context.Context) (automation.Host, error)

// ErrNoSuchSession is wrapped by responses for unknown session ids.
var ErrNoSuchSession = errors.New("no such session")

// Options configures a Driver.
type Options struct {
	Config  config.DriverConfig
	NewHost HostFactory
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Journal session.Recorder
}

// Driver owns every live session.
type Driver struct {
	cfg     config.DriverConfig
	newHost HostFactory
	logger  *zap.Logger
	metrics *observability.Metrics
	journal session.Recorder
	// lock serializes input synthesis across all sessions of the process.
	lock *input.Lock

	mu       sync.RWMutex
	sessions map[string]*session.Session
	// pending counts sessions being started. They hold a slot against
	// MaxSessions until registered or failed.
	pending int
	wg       sync.WaitGroup
}

// New creates a driver.
func New(opts Options) (*Driver, error) {
	if opts.NewHost == nil {
		return nil, errors.New("driver requires a host factory")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("driver")
	return &Driver{
		cfg:      opts.Config,
		newHost:  opts.NewHost,
		logger:   logger,
		metrics:  opts.Metrics,
		journal:  opts.Journal,
		lock:     input.NewLock(opts.Config.InputLockTimeout, logger),
		sessions: make(map[string]*session.Session),
	}, nil
}

// Dispatch runs cmd and returns its response.
func (d *Driver) Dispatch(ctx context.Context, cmd schemas.Command) schemas.Response {
	switch {
	case cmd.Type == schemas.CmdNewSession:
		return d.newSession(ctx, cmd)
	case cmd.Type == schemas.CmdStatus && cmd.SessionID == "":
		return schemas.NewSuccess("", d.status())
	}
	s, ok := d.session(cmd.SessionID)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrNoSuchSession, cmd.SessionID)
		return schemas.ErrorResponse(cmd.SessionID, schemas.WrapError(schemas.NoSuchDriver, err, "invalid session id"))
	}
	return s.Dispatch(ctx, cmd)
}

func (d *Driver) status() map[string]any {
	d.mu.RLock()
	n := len(d.sessions) + d.pending
	d.mu.RUnlock()
	ready := d.cfg.MaxSessions <= 0 || n < d.cfg.MaxSessions
	msg := fmt.Sprintf("%d active sessions", n)
	if !ready {
		msg = "maximum number of sessions reached"
	}
	return map[string]any{"ready": ready, "message": msg}
}

func (d *Driver) session(id string) (*session.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[id]
	return s, ok
}

// Sessions lists live session ids in sorted order.
func (d *Driver) Sessions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Driver) newSession(ctx context.Context, cmd schemas.Command) schemas.Response {
	d.mu.Lock()
	if limit := d.cfg.MaxSessions; limit > 0 && len(d.sessions)+d.pending >= limit {
		d.mu.Unlock()
		return schemas.ErrorResponse("", schemas.NewError(schemas.SessionNotCreated, "maximum of %d sessions reached", limit))
	}
	d.pending++
	d.mu.Unlock()
	registered := false
	defer func() {
		if !registered {
			d.mu.Lock()
			d.pending--
			d.mu.Unlock()
		}
	}()

	host, err := d.newHost(ctx)
	if err != nil {
		return schemas.ErrorResponse("", schemas.WrapError(schemas.SessionNotCreated, err, "could not start browser"))
	}
	s, err := session.New(session.Options{
		Host:    host,
		Config:  d.cfg,
		Logger:  d.logger,
		Metrics: d.metrics,
		Lock:    d.lock,
		Journal: d.journal,
	})
	if err != nil {
		_ = host.Quit(ctx)
		return schemas.ErrorResponse("", schemas.WrapError(schemas.SessionNotCreated, err, ""))
	}

	resp := s.Dispatch(ctx, cmd)
	if !resp.IsSuccess() {
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil {
			d.logger.Warn("Failed to discard session after failed start.", zap.Error(cerr))
		}
		return resp
	}

	d.mu.Lock()
	d.pending--
	d.sessions[s.ID()] = s
	d.mu.Unlock()
	registered = true
	d.wg.Add(1)
	go d.reap(s)
	d.logger.Info("Session registered.", zap.String("session_id", s.ID()))
	return resp
}

// reap forgets s once its actor exits, whether by Quit, closing the last
// window or shutdown.
func (d *Driver) reap(s *session.Session) {
	defer d.wg.Done()
	<-s.Done()
	d.mu.Lock()
	delete(d.sessions, s.ID())
	d.mu.Unlock()
	d.logger.Debug("Session removed from driver.", zap.String("session_id", s.ID()))
}

// Shutdown closes every session concurrently and waits for them to be
// reaped.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.RLock()
	live := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		live = append(live, s)
	}
	d.mu.RUnlock()
	d.logger.Info("Shutting down driver.", zap.Int("sessions", len(live)))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range live {
		g.Go(func() error {
			if err := s.Close(gctx); err != nil {
				return fmt.Errorf("closing session %s: %w", s.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("Timeout waiting for sessions to be reaped.", zap.Error(ctx.Err()))
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
