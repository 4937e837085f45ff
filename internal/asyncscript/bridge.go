// Package asyncscript runs page script on a worker actor so that a script
// which blocks, typically on a modal dialog, never stalls the session that
// issued it.
//
// The caller hands the worker its document and the object arguments through
// apartment streams. Only object arguments cross: primitive arguments are
// dropped. Callers that need primitives package every argument into one
// in-page array first.
package asyncscript

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/apartment"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
	"github.com/xkilldash9x/scalpel-driver/internal/script"
)

// DefaultPollInterval is how often the caller checks for completion.
const DefaultPollInterval = 10 * time.Millisecond

// ErrInterrupted is returned when the caller's interrupt check stopped the
// wait before the script completed. The worker is abandoned.
var ErrInterrupted = errors.New("async script wait interrupted")

// Request describes one execution.
type Request struct {
	Doc    automation.Document
	Source string
	// Args are positional arguments. Only objects are passed to the script.
	Args []automation.Value
	// Timeout bounds the wait. Zero expires at the first poll that finds
	// the script unfinished. A negative value waits until ctx is done.
	Timeout time.Duration
	// Interrupt is called on every poll. Returning true abandons the worker
	// and makes Execute return ErrInterrupted.
	Interrupt func() bool
}

// Bridge spawns one worker per execution on behalf of a caller apartment.
type Bridge struct {
	ap       *apartment.Apartment
	interval time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a bridge for callers running in ap. A non-positive interval
// uses DefaultPollInterval.
func New(ap *apartment.Apartment, interval time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Bridge {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	base, cancel := context.WithCancel(context.Background())
	return &Bridge{
		ap:       ap,
		interval: interval,
		logger:   logger.Named("async_script"),
		metrics:  metrics,
		base:     base,
		cancel:   cancel,
	}
}

// Close cancels the script calls of abandoned workers and waits for every
// worker to exit.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
}

// Execute runs req on a fresh worker and polls for its completion. The
// returned value is owned by the caller. On timeout the worker is abandoned:
// it finishes its script call in the background, discards the result and
// stops.
func (b *Bridge) Execute(ctx context.Context, req Request) (automation.Value, error) {
	docStream, err := b.marshalDoc(req.Doc)
	if err != nil {
		return automation.Value{}, err
	}
	argStreams, err := b.marshalArgs(req.Args)
	if err != nil {
		docStream.Discard()
		return automation.Value{}, err
	}

	w := b.spawn()
	w.hold(docStream, argStreams)
	if !w.ap.Post(func() { w.run(b.base, docStream, req.Source, argStreams) }) {
		docStream.Discard()
		for _, s := range argStreams {
			s.Discard()
		}
		w.ap.Stop()
		return automation.Value{}, schemas.NewError(schemas.UnhandledError, "async script worker did not start")
	}
	return b.await(ctx, w, req)
}

func (b *Bridge) marshalDoc(doc automation.Document) (*apartment.Stream[automation.Document], error) {
	ref := apartment.NewRef(b.ap, doc, nil)
	defer ref.Release()
	s, err := apartment.Marshal(ref, b.ap)
	if err != nil {
		return nil, schemas.WrapError(schemas.UnhandledError, err, "cannot marshal document")
	}
	return s, nil
}

func (b *Bridge) marshalArgs(args []automation.Value) ([]*apartment.Stream[automation.Object], error) {
	var out []*apartment.Stream[automation.Object]
	for i, a := range args {
		if !a.IsObject() {
			b.logger.Debug("Dropping primitive argument.", zap.Int("index", i), zap.Stringer("kind", a.Kind()))
			continue
		}
		ref := apartment.NewRef(b.ap, a.AsObject(), nil)
		s, err := apartment.Marshal(ref, b.ap)
		ref.Release()
		if err != nil {
			for _, prev := range out {
				prev.Discard()
			}
			return nil, schemas.WrapError(schemas.UnhandledError, err, "cannot marshal argument")
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *Bridge) spawn() *worker {
	w := &worker{ap: apartment.Start("async-script"), done: make(chan struct{})}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		<-w.ap.Done()
	}()
	return w
}

func (b *Bridge) await(ctx context.Context, w *worker, req Request) (automation.Value, error) {
	var deadline <-chan time.Time
	if req.Timeout > 0 {
		t := time.NewTimer(req.Timeout)
		defer t.Stop()
		deadline = t.C
	}
	tick := time.NewTicker(b.interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if w.completed() {
				return b.collect(w)
			}
			if req.Interrupt != nil && req.Interrupt() {
				b.abandon(w, "interrupted")
				return automation.Value{}, ErrInterrupted
			}
			if req.Timeout == 0 {
				return automation.Value{}, b.expire(w, req.Timeout)
			}
		case <-deadline:
			if w.completed() {
				return b.collect(w)
			}
			return automation.Value{}, b.expire(w, req.Timeout)
		case <-ctx.Done():
			b.abandon(w, "canceled")
			return automation.Value{}, schemas.WrapError(schemas.ScriptTimeout, ctx.Err(), "")
		}
	}
}

// collect unmarshals the worker's result into the caller apartment and
// tears the worker down.
func (b *Bridge) collect(w *worker) (automation.Value, error) {
	defer func() {
		w.ap.Stop()
		<-w.ap.Done()
	}()
	if w.err != nil {
		return automation.Value{}, script.MapError(w.err)
	}
	if w.stream == nil {
		return w.value, nil
	}
	ref, err := w.stream.Unmarshal(b.ap)
	if err != nil {
		return automation.Value{}, schemas.WrapError(schemas.UnhandledError, err, "cannot unmarshal result")
	}
	obj, err := ref.Get(b.ap)
	if err != nil {
		return automation.Value{}, schemas.WrapError(schemas.UnhandledError, err, "cannot unmarshal result")
	}
	return automation.ObjectValue(obj), nil
}

func (b *Bridge) expire(w *worker, timeout time.Duration) error {
	b.abandon(w, "timeout")
	return schemas.NewError(schemas.ScriptTimeout, "script did not complete within %s", timeout)
}

func (b *Bridge) abandon(w *worker, reason string) {
	w.abandon()
	w.ap.Stop()
	b.metrics.WorkerAbandoned()
	b.logger.Warn("Abandoned async script worker.", zap.String("reason", reason), zap.Stringer("worker", w.ap))
}

// worker is the per-execution actor. Its fields after done are written once
// on the worker's loop and read by the caller only after done is closed.
type worker struct {
	ap   *apartment.Apartment
	done chan struct{}

	mu        sync.Mutex
	abandoned bool
	// inputs are the streams handed to run. Streams run already consumed
	// ignore Discard.
	inputs []interface{ Discard() }

	value  automation.Value
	stream *apartment.Stream[automation.Object]
	err    error
}

func (w *worker) completed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *worker) hold(doc *apartment.Stream[automation.Document], args []*apartment.Stream[automation.Object]) {
	w.inputs = append(w.inputs, doc)
	for _, s := range args {
		w.inputs = append(w.inputs, s)
	}
}

func (w *worker) abandon() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.abandoned = true
	for _, s := range w.inputs {
		s.Discard()
	}
	if w.completed() {
		w.discard()
	}
}

// discard releases a result nobody will collect.
func (w *worker) discard() {
	if w.stream != nil {
		w.stream.Discard()
		w.stream = nil
	}
	if w.value.IsObject() {
		w.value.AsObject().Release()
	}
}

func (w *worker) run(ctx context.Context, docStream *apartment.Stream[automation.Document], source string, argStreams []*apartment.Stream[automation.Object]) {
	v, err := w.execute(ctx, docStream, source, argStreams)

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case err != nil:
		w.err = err
	case v.IsObject():
		ref := apartment.NewRef(w.ap, v.AsObject(), nil)
		w.stream, w.err = apartment.Marshal(ref, w.ap)
		ref.Release()
		w.value = v
	default:
		w.value = v
	}
	close(w.done)
	if w.abandoned {
		w.discard()
		w.ap.Stop()
	}
}

func (w *worker) execute(ctx context.Context, docStream *apartment.Stream[automation.Document], source string, argStreams []*apartment.Stream[automation.Object]) (automation.Value, error) {
	docRef, err := docStream.Unmarshal(w.ap)
	if err != nil {
		for _, s := range argStreams {
			s.Discard()
		}
		return automation.Value{}, err
	}
	defer docRef.Release()
	doc, err := docRef.Get(w.ap)
	if err != nil {
		return automation.Value{}, err
	}

	args := make([]automation.Value, 0, len(argStreams))
	for _, s := range argStreams {
		ref, err := s.Unmarshal(w.ap)
		if err != nil {
			return automation.Value{}, err
		}
		obj, err := ref.Get(w.ap)
		ref.Release()
		if err != nil {
			return automation.Value{}, err
		}
		args = append(args, automation.ObjectValue(obj))
	}
	return doc.Execute(ctx, source, args)
}
