// Package locator resolves (strategy, value) pairs into element references
// by running the bundled find atom in the page.
package locator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/atoms"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/element"
	"github.com/xkilldash9x/scalpel-driver/internal/script"
)

// ErrNotFound is returned when a locator matched nothing.
var ErrNotFound = errors.New("no element matched the locator")

// Strategy is a wire-protocol locator strategy.
type Strategy string

const (
	ID              Strategy = "id"
	Name            Strategy = "name"
	TagName         Strategy = "tag name"
	ClassName       Strategy = "class name"
	LinkText        Strategy = "link text"
	PartialLinkText Strategy = "partial link text"
	XPath           Strategy = "xpath"
	CSSSelector     Strategy = "css selector"
)

// mechanism is the token the find atom understands.
type mechanism string

const (
	mechCSSFallback mechanism = "css fallback"
)

// mechanisms translates strategies into find-atom tokens.
var mechanisms = map[Strategy]mechanism{
	ID:              "id",
	Name:            "name",
	TagName:         "tag name",
	ClassName:       "class name",
	LinkText:        "link text",
	PartialLinkText: "partial link text",
	XPath:           "xpath",
	CSSSelector:     "css selector",
}

// Strategies lists the supported strategies.
func Strategies() []Strategy {
	out := make([]Strategy, 0, len(mechanisms))
	for s := range mechanisms {
		out = append(out, s)
	}
	return out
}

// Query is one locator request.
type Query struct {
	Strategy Strategy
	Value    string
	// Scope restricts the search to descendants of an element. Nil searches
	// the whole document.
	Scope *element.Element
}

// Locator runs queries against one session's documents.
type Locator struct {
	reg    *element.Registry
	logger *zap.Logger
}

// New returns a locator that registers found elements in reg.
func New(reg *element.Registry, logger *zap.Logger) *Locator {
	return &Locator{reg: reg, logger: logger.Named("locator")}
}

// FindElement returns the first element matching q. A miss is reported as a
// NoSuchElement error wrapping ErrNotFound.
func (l *Locator) FindElement(ctx context.Context, handle string, doc automation.Document, q Query) (schemas.ElementReference, error) {
	v, err := l.find(ctx, doc, q, false)
	if err != nil {
		return schemas.ElementReference{}, err
	}
	if !v.IsObject() {
		return schemas.ElementReference{}, notFound(q)
	}
	id := l.reg.Add(handle, doc, v.AsObject())
	return schemas.ElementReference{ID: id}, nil
}

// FindElements returns every element matching q. An empty result is not an
// error.
func (l *Locator) FindElements(ctx context.Context, handle string, doc automation.Document, q Query) ([]schemas.ElementReference, error) {
	v, err := l.find(ctx, doc, q, true)
	if errors.Is(err, ErrNotFound) {
		return []schemas.ElementReference{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !v.IsObject() {
		return []schemas.ElementReference{}, nil
	}

	list := script.Wrap(doc, v)
	defer v.AsObject().Release()
	converted, err := list.ConvertResultToJSONValue(ctx, l.reg.Bind(handle, doc))
	if err != nil {
		return nil, err
	}
	items, _ := converted.([]any)
	out := make([]schemas.ElementReference, 0, len(items))
	for _, item := range items {
		if ref, ok := item.(schemas.ElementReference); ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

func notFound(q Query) error {
	return schemas.WrapError(schemas.NoSuchElement, ErrNotFound,
		"unable to locate element with "+string(q.Strategy)+" == "+q.Value)
}

// find runs the find atom. Script failures other than invalid selectors are
// folded into ErrNotFound; they are almost always caused by the document
// changing underneath the query.
func (l *Locator) find(ctx context.Context, doc automation.Document, q Query, multiple bool) (automation.Value, error) {
	mech, ok := mechanisms[q.Strategy]
	if !ok {
		return automation.Value{}, schemas.NewError(schemas.InvalidArgument, "unsupported locator strategy %q", q.Strategy)
	}

	var scope automation.Value
	if q.Scope != nil {
		if q.Scope.Document() != doc {
			return automation.Value{}, schemas.NewError(schemas.NoSuchElement, "element %s belongs to a different frame or window", q.Scope.ID)
		}
		obj, err := q.Scope.Object()
		if err != nil {
			return automation.Value{}, schemas.WrapError(schemas.StaleElement, err, "")
		}
		scope = automation.ObjectValue(obj)
	} else {
		scope = automation.Null()
	}

	m, err := l.prepare(ctx, doc, mech)
	if err != nil {
		return automation.Value{}, l.transient(q, err)
	}

	s := script.FromAtom(doc, atoms.Find).
		AddString(string(m)).
		AddString(q.Value).
		AddValue(scope).
		AddBool(multiple)
	if err := s.Execute(ctx); err != nil {
		return automation.Value{}, l.transient(q, err)
	}
	res := s.Result()
	if res.IsNullish() {
		return automation.Value{}, notFound(q)
	}
	return res, nil
}

// prepare makes sure the engines a mechanism depends on are present in doc
// and returns the mechanism to run.
func (l *Locator) prepare(ctx context.Context, doc automation.Document, m mechanism) (mechanism, error) {
	switch m {
	case mechanisms[CSSSelector]:
		native, err := l.hasNativeSelectors(ctx, doc)
		if err != nil {
			return "", err
		}
		if native {
			return m, nil
		}
		if err := l.inject(ctx, doc, atoms.CSSGlobal, atoms.CSSEngine); err != nil {
			return "", err
		}
		return mechCSSFallback, nil
	case mechanisms[XPath]:
		if err := l.inject(ctx, doc, atoms.XPathGlobal, atoms.XPathEngine); err != nil {
			return "", err
		}
	}
	return m, nil
}

func (l *Locator) hasNativeSelectors(ctx context.Context, doc automation.Document) (bool, error) {
	s := script.FromAtom(doc, atoms.NativeSelector)
	if err := s.Execute(ctx); err != nil {
		return false, err
	}
	return s.Result().Truthy(), nil
}

// inject installs an engine atom unless its global is already defined in
// the document.
func (l *Locator) inject(ctx context.Context, doc automation.Document, global string, engine atoms.Atom) error {
	check := script.FromAtom(doc, atoms.Installed).AddString(global)
	if err := check.Execute(ctx); err != nil {
		return err
	}
	if check.Result().Truthy() {
		return nil
	}
	l.logger.Debug("Injecting locator engine.", zap.String("engine", string(engine)))
	return script.FromAtom(doc, engine).Execute(ctx)
}

// transient classifies a failure raised while locating. Invalid selectors,
// timeouts and already-typed element errors pass through; everything else
// means nothing was found this time.
func (l *Locator) transient(q Query, err error) error {
	switch schemas.CodeOf(err) {
	case schemas.InvalidSelector, schemas.ScriptTimeout, schemas.StaleElement,
		schemas.NoSuchElement, schemas.InvalidArgument:
		return err
	}
	l.logger.Debug("Locator script failed, treating as not found.",
		zap.String("strategy", string(q.Strategy)), zap.Error(err))
	return notFound(q)
}
