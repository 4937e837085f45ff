// Package element tracks the page elements a session has handed out ids for
// and answers element queries through the bundled atoms.
package element

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/apartment"
	"github.com/xkilldash9x/scalpel-driver/internal/atoms"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/script"
)

// maxAncestors bounds the validity walk on pathological trees.
const maxAncestors = 4096

// Element is a managed reference to a DOM element.
type Element struct {
	ID string
	// Handle is the window the element was found in.
	Handle string

	doc      automation.Document
	ref      *apartment.Ref[automation.Object]
	identity string
	ap       *apartment.Apartment
}

// Object dereferences the element in its owning apartment.
func (e *Element) Object() (automation.Object, error) {
	return e.ref.Get(e.ap)
}

// Document is the document the element was found in.
func (e *Element) Document() automation.Document { return e.doc }

// Registry maps element ids to live elements for one session. It belongs to
// the session actor and is not safe for use from other goroutines, with the
// exception of Len.
type Registry struct {
	ap     *apartment.Apartment
	logger *zap.Logger

	mu         sync.Mutex
	byID       map[string]*Element
	byIdentity map[string]string
}

// NewRegistry creates an empty registry owned by ap.
func NewRegistry(ap *apartment.Apartment, logger *zap.Logger) *Registry {
	return &Registry{
		ap:         ap,
		logger:     logger.Named("elements"),
		byID:       make(map[string]*Element),
		byIdentity: make(map[string]string),
	}
}

func identityKey(handle, identity string) string {
	return handle + "\x00" + identity
}

// Add registers obj and returns its id. It takes ownership of obj: when the
// node is already known the existing id is returned and obj is released.
func (r *Registry) Add(handle string, doc automation.Document, obj automation.Object) string {
	key := identityKey(handle, obj.Identity())

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byIdentity[key]; ok {
		if e := r.byID[id]; e != nil && e.doc == doc {
			obj.Release()
			return id
		}
		// Same identity in a different document means the old one is gone.
		r.removeLocked(id)
	}

	e := &Element{
		ID:       uuid.NewString(),
		Handle:   handle,
		doc:      doc,
		ref:      apartment.NewRef(r.ap, obj, automation.Object.Release),
		identity: key,
		ap:       r.ap,
	}
	r.byID[e.ID] = e
	r.byIdentity[key] = e.ID
	r.logger.Debug("Registered element.", zap.String("element_id", e.ID), zap.String("handle", handle))
	return e.ID
}

// Get returns the element for id after verifying it is still attached to a
// live document. Detached elements are evicted and reported as stale.
func (r *Registry) Get(ctx context.Context, id string) (*Element, error) {
	r.mu.Lock()
	e, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil, schemas.NewError(schemas.NoSuchElement, "no element with id %s", id)
	}

	valid, err := r.attached(ctx, e)
	if err != nil {
		return nil, err
	}
	if !valid {
		r.Remove(id)
		r.logger.Debug("Evicted stale element.", zap.String("element_id", id))
		return nil, schemas.NewError(schemas.StaleElement, "element %s is no longer attached to the document", id)
	}
	return e, nil
}

// attached walks the ancestor chain one step per script call until it
// reaches the document's root element.
func (r *Registry) attached(ctx context.Context, e *Element) (bool, error) {
	obj, err := e.Object()
	if err != nil {
		return false, nil
	}
	cur := automation.ObjectValue(obj)
	var owned automation.Object
	defer func() {
		if owned != nil {
			owned.Release()
		}
	}()

	for i := 0; i < maxAncestors; i++ {
		step, err := e.doc.Execute(ctx, atoms.Source(atoms.AncestorStep), []automation.Value{cur})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, schemas.WrapError(schemas.Timeout, ctxErr, "element validity check interrupted")
			}
			var se *automation.ScriptError
			if errors.As(err, &se) || errors.Is(err, automation.ErrDetached) {
				return false, nil
			}
			return false, script.MapError(err)
		}
		if !step.IsObject() {
			return step.Kind() == automation.KindBool && step.Boolean(), nil
		}
		if owned != nil {
			owned.Release()
		}
		owned = step.AsObject()
		cur = step
	}
	return false, nil
}

// Remove drops the element with id, releasing its reference.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	e, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if r.byIdentity[e.identity] == id {
		delete(r.byIdentity, e.identity)
	}
	e.ref.Release()
}

// RemoveWindow drops every element found in the window with handle.
func (r *Registry) RemoveWindow(handle string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.byID {
		if e.Handle == handle {
			r.removeLocked(id)
			n++
		}
	}
	return n
}

// Clear drops every element.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.byID {
		r.removeLocked(id)
	}
}

// Len reports the number of registered elements.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Bind returns the element adapter scripts use for the given window and
// document.
func (r *Registry) Bind(handle string, doc automation.Document) *Binding {
	return &Binding{reg: r, handle: handle, doc: doc}
}

// Binding resolves and registers elements for scripts running in one
// document.
type Binding struct {
	reg    *Registry
	handle string
	doc    automation.Document
}

var (
	_ script.ElementResolver = (*Binding)(nil)
	_ script.ElementAdder    = (*Binding)(nil)
)

// ResolveElement implements script.ElementResolver.
func (b *Binding) ResolveElement(ctx context.Context, id string) (automation.Object, error) {
	e, err := b.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.doc != b.doc {
		return nil, schemas.NewError(schemas.NoSuchElement, "element %s belongs to a different frame or window", id)
	}
	return e.Object()
}

// AddElement implements script.ElementAdder.
func (b *Binding) AddElement(_ context.Context, obj automation.Object) (string, error) {
	return b.reg.Add(b.handle, b.doc, obj), nil
}

// Element resolves id into a managed element that belongs to the bound
// document.
func (b *Binding) Element(ctx context.Context, id string) (*Element, error) {
	e, err := b.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.doc != b.doc {
		return nil, schemas.NewError(schemas.NoSuchElement, "element %s belongs to a different frame or window", id)
	}
	return e, nil
}
