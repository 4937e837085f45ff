// Package apartment enforces thread affinity for references into a page's
// script engine. A reference is owned by one apartment and may only be
// dereferenced there; moving it to another apartment requires an explicit
// Marshal / Unmarshal step that can be consumed exactly once.
package apartment

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrWrongApartment = errors.New("reference used outside its owning apartment")
	ErrReleased       = errors.New("reference has been released")
	ErrStreamConsumed = errors.New("marshaled stream has already been unmarshaled")
	ErrStopped        = errors.New("apartment has stopped")
)

var nextID atomic.Uint64

// Apartment is an actor identity with an optional serial task loop.
type Apartment struct {
	id   uint64
	name string

	tasks    chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New returns an apartment without a loop. The caller's own goroutine is
// the apartment's thread.
func New(name string) *Apartment {
	return &Apartment{id: nextID.Add(1), name: name}
}

// Start returns an apartment that runs posted tasks one at a time on a
// dedicated goroutine until Stop is called.
func Start(name string) *Apartment {
	a := New(name)
	a.tasks = make(chan func(), 16)
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go a.loop()
	return a
}

func (a *Apartment) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			return
		case fn := <-a.tasks:
			fn()
		}
	}
}

// Post enqueues fn on the apartment's loop. It reports false when the
// apartment has no loop or has stopped.
func (a *Apartment) Post(fn func()) bool {
	if a.tasks == nil {
		return false
	}
	select {
	case <-a.stop:
		return false
	default:
	}
	select {
	case a.tasks <- fn:
		return true
	case <-a.stop:
		return false
	}
}

// Stop ends the loop after the running task returns. Safe to call from a task.
func (a *Apartment) Stop() {
	if a.stop == nil {
		return
	}
	a.stopOnce.Do(func() { close(a.stop) })
}

// Done is closed once the loop goroutine has exited.
func (a *Apartment) Done() <-chan struct{} {
	if a.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.done
}

func (a *Apartment) Name() string { return a.name }

func (a *Apartment) String() string {
	return fmt.Sprintf("%s#%d", a.name, a.id)
}

// shared is the reference-counted cell behind every Ref to one value.
type shared[T any] struct {
	val     T
	count   atomic.Int32
	release func(T)
}

func (s *shared[T]) decRef() {
	if s.count.Add(-1) == 0 && s.release != nil {
		s.release(s.val)
	}
}

// Ref is an owner-checked counted reference.
type Ref[T any] struct {
	owner    *Apartment
	cell     *shared[T]
	released atomic.Bool
}

// NewRef wraps v for owner. release runs when the last reference is dropped.
func NewRef[T any](owner *Apartment, v T, release func(T)) *Ref[T] {
	cell := &shared[T]{val: v, release: release}
	cell.count.Store(1)
	return &Ref[T]{owner: owner, cell: cell}
}

// Get dereferences r from apartment ap.
func (r *Ref[T]) Get(ap *Apartment) (T, error) {
	var zero T
	if r.released.Load() {
		return zero, ErrReleased
	}
	if ap != r.owner {
		return zero, fmt.Errorf("%w: owned by %s, used from %s", ErrWrongApartment, r.owner, ap)
	}
	return r.cell.val, nil
}

// Owner returns the apartment r belongs to.
func (r *Ref[T]) Owner() *Apartment { return r.owner }

// Clone adds a reference in the same apartment.
func (r *Ref[T]) Clone(ap *Apartment) (*Ref[T], error) {
	if _, err := r.Get(ap); err != nil {
		return nil, err
	}
	r.cell.count.Add(1)
	return &Ref[T]{owner: r.owner, cell: r.cell}, nil
}

// Release drops this reference. Releasing twice is a no-op.
func (r *Ref[T]) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.cell.decRef()
	}
}

// Stream carries one reference between apartments.
type Stream[T any] struct {
	cell     *shared[T]
	consumed atomic.Bool
}

// Marshal packages r for transfer. It must be called from r's owner. The
// stream holds its own reference until it is unmarshaled or discarded.
func Marshal[T any](r *Ref[T], from *Apartment) (*Stream[T], error) {
	if _, err := r.Get(from); err != nil {
		return nil, err
	}
	r.cell.count.Add(1)
	return &Stream[T]{cell: r.cell}, nil
}

// Unmarshal yields a reference owned by to. A stream can be unmarshaled once.
func (s *Stream[T]) Unmarshal(to *Apartment) (*Ref[T], error) {
	if !s.consumed.CompareAndSwap(false, true) {
		return nil, ErrStreamConsumed
	}
	return &Ref[T]{owner: to, cell: s.cell}, nil
}

// Discard releases an unconsumed stream.
func (s *Stream[T]) Discard() {
	if s.consumed.CompareAndSwap(false, true) {
		s.cell.decRef()
	}
}
