package input

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultLockTimeout bounds how long synthesis waits for the display.
const DefaultLockTimeout = 30 * time.Second

// Lock serializes input synthesis across the sessions sharing one display.
// A single Lock is created per process and handed to every engine.
type Lock struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *zap.Logger
}

// NewLock returns a display lock. A non-positive timeout uses
// DefaultLockTimeout.
func NewLock(timeout time.Duration, logger *zap.Logger) *Lock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Lock{sem: semaphore.NewWeighted(1), timeout: timeout, logger: logger.Named("input_lock")}
}

// Acquire waits for the display and returns the function that releases it.
// When the lock cannot be taken in time the caller proceeds without it and
// a warning is logged; the returned release is then a no-op.
func (l *Lock) Acquire(ctx context.Context) (release func()) {
	if l == nil {
		return func() {}
	}
	wctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.sem.Acquire(wctx, 1); err != nil {
		l.logger.Warn("Could not acquire input lock, proceeding without it.",
			zap.Duration("timeout", l.timeout), zap.Error(err))
		return func() {}
	}
	return func() { l.sem.Release(1) }
}
