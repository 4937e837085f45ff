package sim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// dom binds an *html.Node tree to a goja runtime. Every node has exactly
// one wrapper object, so identity comparisons in script and in Go agree.
type dom struct {
	doc    *Document
	vm     *goja.Runtime
	logger *zap.Logger
	root   *html.Node

	nodes    map[*html.Node]*goja.Object
	objs     map[*goja.Object]*html.Node
	proto    *goja.Object
	controls map[*html.Node]*control
	active   *html.Node
	sheets   sheetCache

	scrollX, scrollY float64

	mouse goja.Callable
	key   goja.Callable
}

type pendingScript struct {
	text string
	src  string
}

type pendingFrame struct {
	owner     *html.Node
	box       box
	src       string
	srcdoc    string
	hasSrcdoc bool
}

func newDOM(d *Document, vm *goja.Runtime, root *html.Node) *dom {
	return &dom{
		doc:      d,
		vm:       vm,
		logger:   d.logger.Named("dom"),
		root:     root,
		nodes:    make(map[*html.Node]*goja.Object),
		objs:     make(map[*goja.Object]*html.Node),
		controls: make(map[*html.Node]*control),
	}
}

// install exposes window, document and the node API, then runs the
// prelude that adds events and default actions.
func (m *dom) install() error {
	global := m.vm.GlobalObject()
	for _, name := range []string{"window", "self", "top", "parent", "frames", "globalThis"} {
		if err := global.Set(name, global); err != nil {
			return err
		}
	}

	m.proto = m.vm.NewObject()
	m.defineNode()
	m.defineElement()
	m.defineForms()
	m.defineDocument()
	if m.doc.win.host.nativeSelectors {
		m.defineSelectors()
	}
	if err := global.Set("document", m.wrap(m.root)); err != nil {
		return err
	}
	m.defineWindow(global)
	m.defineConsole(global)

	fn, err := m.vm.RunString(preludeSource)
	if err != nil {
		return fmt.Errorf("prelude: %w", err)
	}
	prelude, ok := goja.AssertFunction(fn)
	if !ok {
		return errors.New("prelude is not a function")
	}
	native, err := prelude(goja.Undefined(), global, m.hostBindings())
	if err != nil {
		return fmt.Errorf("prelude: %w", err)
	}
	obj := native.ToObject(m.vm)
	m.mouse, _ = goja.AssertFunction(obj.Get("mouse"))
	m.key, _ = goja.AssertFunction(obj.Get("key"))
	return nil
}

// hostBindings are the Go services the prelude calls back into.
func (m *dom) hostBindings() *goja.Object {
	host := m.vm.NewObject()
	_ = host.Set("nodeProto", m.proto)
	_ = host.Set("active", func(goja.FunctionCall) goja.Value {
		if m.active == nil {
			return goja.Null()
		}
		return m.wrap(m.active)
	})
	_ = host.Set("setActive", func(call goja.FunctionCall) goja.Value {
		n, _ := m.unwrap(call.Argument(0))
		m.active = n
		return goja.Undefined()
	})
	_ = host.Set("follow", func(call goja.FunctionCall) goja.Value {
		m.follow(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = host.Set("submit", func(call goja.FunctionCall) goja.Value {
		form, ok := m.unwrap(call.Argument(0))
		if !ok {
			return goja.Undefined()
		}
		submitter, _ := m.unwrap(call.Argument(1))
		m.submit(form, submitter)
		return goja.Undefined()
	})
	_ = host.Set("uncheckGroup", func(call goja.FunctionCall) goja.Value {
		if n, ok := m.unwrap(call.Argument(0)); ok {
			m.uncheckGroup(n)
		}
		return goja.Undefined()
	})
	_ = host.Set("reset", func(call goja.FunctionCall) goja.Value {
		if n, ok := m.unwrap(call.Argument(0)); ok {
			m.reset(n)
		}
		return goja.Undefined()
	})
	_ = host.Set("tab", func(call goja.FunctionCall) goja.Value {
		n, _ := m.unwrap(call.Argument(0))
		m.tab(n, call.Argument(1).ToBoolean())
		return goja.Undefined()
	})
	return host
}

// -- Wrapping --

func (m *dom) wrap(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if obj, ok := m.nodes[n]; ok {
		return obj
	}
	obj := m.vm.NewObject()
	if n.Type == html.ElementNode && n.Parent == nil && n != m.root && isDetachedAttr(n) {
		// htmlquery returns attribute matches as free-standing nodes.
		_ = obj.Set("nodeType", 2)
		_ = obj.Set("nodeName", n.Data)
		_ = obj.Set("value", htmlquery.InnerText(n))
		return obj
	}
	_ = obj.SetPrototype(m.proto)
	m.nodes[n] = obj
	m.objs[obj] = n
	return obj
}

func isDetachedAttr(n *html.Node) bool {
	return n.FirstChild != nil && n.FirstChild == n.LastChild && n.FirstChild.Type == html.TextNode &&
		n.FirstChild.Parent == nil
}

func (m *dom) wrapAll(nodes []*html.Node) goja.Value {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = m.wrap(n)
	}
	return m.vm.NewArray(out...)
}

func (m *dom) unwrap(v goja.Value) (*html.Node, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	n, ok := m.objs[obj]
	return n, ok
}

func (m *dom) self(call goja.FunctionCall) *html.Node {
	if n, ok := m.unwrap(call.This); ok {
		return n
	}
	panic(m.vm.NewTypeError("Illegal invocation"))
}

func (m *dom) arg(call goja.FunctionCall, i int, method string) *html.Node {
	if n, ok := m.unwrap(call.Argument(i)); ok {
		return n
	}
	panic(m.vm.NewTypeError(fmt.Sprintf("%s: argument %d is not a Node", method, i+1)))
}

func (m *dom) fail(format string, args ...any) {
	panic(m.vm.NewGoError(fmt.Errorf(format, args...)))
}

// -- Property helpers --

func (m *dom) accessor(name string, get func(*html.Node) goja.Value, set func(*html.Node, goja.Value)) {
	getter := m.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return get(m.self(call))
	})
	var setter goja.Value
	if set != nil {
		setter = m.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(m.self(call), call.Argument(0))
			return goja.Undefined()
		})
	}
	if err := m.proto.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
		m.logger.Error("Failed to define accessor.", zap.String("property", name), zap.Error(err))
	}
}

func (m *dom) getter(name string, get func(*html.Node) goja.Value) {
	m.accessor(name, get, nil)
}

func (m *dom) method(name string, fn func(n *html.Node, call goja.FunctionCall) goja.Value) {
	err := m.proto.Set(name, func(call goja.FunctionCall) goja.Value {
		return fn(m.self(call), call)
	})
	if err != nil {
		m.logger.Error("Failed to define method.", zap.String("method", name), zap.Error(err))
	}
}

func (m *dom) str(s string) goja.Value { return m.vm.ToValue(s) }

func (m *dom) elementOnly(get func(*html.Node) goja.Value) func(*html.Node) goja.Value {
	return func(n *html.Node) goja.Value {
		if n.Type != html.ElementNode {
			return goja.Undefined()
		}
		return get(n)
	}
}

// -- Node --

func (m *dom) defineNode() {
	m.getter("nodeType", func(n *html.Node) goja.Value {
		switch n.Type {
		case html.ElementNode:
			return m.vm.ToValue(1)
		case html.TextNode:
			return m.vm.ToValue(3)
		case html.CommentNode:
			return m.vm.ToValue(8)
		case html.DocumentNode:
			return m.vm.ToValue(9)
		case html.DoctypeNode:
			return m.vm.ToValue(10)
		}
		return m.vm.ToValue(0)
	})
	m.getter("nodeName", func(n *html.Node) goja.Value {
		switch n.Type {
		case html.ElementNode:
			return m.str(strings.ToUpper(n.Data))
		case html.TextNode:
			return m.str("#text")
		case html.CommentNode:
			return m.str("#comment")
		case html.DocumentNode:
			return m.str("#document")
		}
		return m.str(n.Data)
	})
	m.getter("parentNode", func(n *html.Node) goja.Value { return m.wrap(n.Parent) })
	m.getter("parentElement", func(n *html.Node) goja.Value {
		if n.Parent != nil && n.Parent.Type == html.ElementNode {
			return m.wrap(n.Parent)
		}
		return goja.Null()
	})
	m.getter("ownerDocument", func(n *html.Node) goja.Value {
		if n == m.root {
			return goja.Null()
		}
		return m.wrap(m.root)
	})
	m.getter("isConnected", func(n *html.Node) goja.Value { return m.vm.ToValue(m.connected(n)) })
	m.getter("childNodes", func(n *html.Node) goja.Value { return m.wrapAll(children(n, false)) })
	m.getter("children", func(n *html.Node) goja.Value { return m.wrapAll(children(n, true)) })
	m.getter("childElementCount", func(n *html.Node) goja.Value { return m.vm.ToValue(len(children(n, true))) })
	m.getter("firstChild", func(n *html.Node) goja.Value { return m.wrap(n.FirstChild) })
	m.getter("lastChild", func(n *html.Node) goja.Value { return m.wrap(n.LastChild) })
	m.getter("nextSibling", func(n *html.Node) goja.Value { return m.wrap(n.NextSibling) })
	m.getter("previousSibling", func(n *html.Node) goja.Value { return m.wrap(n.PrevSibling) })
	m.getter("firstElementChild", func(n *html.Node) goja.Value { return m.wrap(firstElement(n.FirstChild)) })
	m.getter("lastElementChild", func(n *html.Node) goja.Value { return m.wrap(lastElement(n.LastChild)) })
	m.getter("nextElementSibling", func(n *html.Node) goja.Value { return m.wrap(firstElement(n.NextSibling)) })
	m.getter("previousElementSibling", func(n *html.Node) goja.Value { return m.wrap(lastElement(n.PrevSibling)) })

	m.accessor("textContent", func(n *html.Node) goja.Value {
		if n.Type == html.DocumentNode {
			return goja.Null()
		}
		return m.str(textContent(n))
	}, func(n *html.Node, v goja.Value) {
		if n.Type == html.TextNode || n.Type == html.CommentNode {
			n.Data = v.String()
			return
		}
		removeChildren(n)
		if s := v.String(); s != "" {
			n.AppendChild(&html.Node{Type: html.TextNode, Data: s})
		}
	})
	charData := func(n *html.Node) goja.Value {
		if n.Type == html.TextNode || n.Type == html.CommentNode {
			return m.str(n.Data)
		}
		return goja.Null()
	}
	setCharData := func(n *html.Node, v goja.Value) {
		if n.Type == html.TextNode || n.Type == html.CommentNode {
			n.Data = v.String()
		}
	}
	m.accessor("nodeValue", charData, setCharData)
	m.accessor("data", charData, setCharData)

	m.method("appendChild", func(n *html.Node, call goja.FunctionCall) goja.Value {
		child := m.arg(call, 0, "appendChild")
		m.insert(n, child, nil)
		return call.Argument(0)
	})
	m.method("insertBefore", func(n *html.Node, call goja.FunctionCall) goja.Value {
		child := m.arg(call, 0, "insertBefore")
		var ref *html.Node
		if v := call.Argument(1); !goja.IsNull(v) && !goja.IsUndefined(v) {
			ref = m.arg(call, 1, "insertBefore")
			if ref.Parent != n {
				m.fail("NotFoundError: the reference node is not a child of this node")
			}
		}
		m.insert(n, child, ref)
		return call.Argument(0)
	})
	m.method("removeChild", func(n *html.Node, call goja.FunctionCall) goja.Value {
		child := m.arg(call, 0, "removeChild")
		if child.Parent != n {
			m.fail("NotFoundError: the node to be removed is not a child of this node")
		}
		m.detachNode(child)
		return call.Argument(0)
	})
	m.method("replaceChild", func(n *html.Node, call goja.FunctionCall) goja.Value {
		repl := m.arg(call, 0, "replaceChild")
		old := m.arg(call, 1, "replaceChild")
		if old.Parent != n {
			m.fail("NotFoundError: the node to be replaced is not a child of this node")
		}
		next := old.NextSibling
		m.detachNode(old)
		m.insert(n, repl, next)
		return call.Argument(1)
	})
	m.method("remove", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		if n.Parent != nil {
			m.detachNode(n)
		}
		return goja.Undefined()
	})
	m.method("cloneNode", func(n *html.Node, call goja.FunctionCall) goja.Value {
		return m.wrap(cloneNode(n, call.Argument(0).ToBoolean()))
	})
	m.method("contains", func(n *html.Node, call goja.FunctionCall) goja.Value {
		other, ok := m.unwrap(call.Argument(0))
		if !ok {
			return m.vm.ToValue(false)
		}
		for p := other; p != nil; p = p.Parent {
			if p == n {
				return m.vm.ToValue(true)
			}
		}
		return m.vm.ToValue(false)
	})
	m.method("hasChildNodes", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		return m.vm.ToValue(n.FirstChild != nil)
	})
}

func (m *dom) insert(parent, child, ref *html.Node) {
	for p := parent; p != nil; p = p.Parent {
		if p == child {
			m.fail("HierarchyRequestError: the new child is an ancestor of the parent")
		}
	}
	if child.Parent != nil {
		child.Parent.RemoveChild(child)
	}
	parent.InsertBefore(child, ref)
}

func (m *dom) detachNode(n *html.Node) {
	if m.active != nil {
		for p := m.active; p != nil; p = p.Parent {
			if p == n {
				m.active = nil
				break
			}
		}
	}
	n.Parent.RemoveChild(n)
}

func (m *dom) connected(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == m.root {
			return true
		}
	}
	return false
}

// -- Element --

func (m *dom) defineElement() {
	m.getter("tagName", m.elementOnly(func(n *html.Node) goja.Value { return m.str(strings.ToUpper(n.Data)) }))
	m.getter("localName", m.elementOnly(func(n *html.Node) goja.Value { return m.str(n.Data) }))
	m.attrProperty("id", "id")
	m.attrProperty("className", "class")
	m.attrProperty("name", "name")
	m.attrProperty("lang", "lang")
	m.accessor("title", func(n *html.Node) goja.Value {
		if n.Type == html.DocumentNode {
			return m.str(m.titleText())
		}
		return m.str(attr(n, "title"))
	}, func(n *html.Node, v goja.Value) {
		if n.Type == html.DocumentNode {
			m.setTitle(v.String())
			return
		}
		setAttr(n, "title", v.String())
	})

	m.method("getAttribute", func(n *html.Node, call goja.FunctionCall) goja.Value {
		if v, ok := getAttr(n, strings.ToLower(call.Argument(0).String())); ok {
			return m.str(v)
		}
		return goja.Null()
	})
	m.method("setAttribute", func(n *html.Node, call goja.FunctionCall) goja.Value {
		setAttr(n, strings.ToLower(call.Argument(0).String()), call.Argument(1).String())
		return goja.Undefined()
	})
	m.method("removeAttribute", func(n *html.Node, call goja.FunctionCall) goja.Value {
		removeAttr(n, strings.ToLower(call.Argument(0).String()))
		return goja.Undefined()
	})
	m.method("hasAttribute", func(n *html.Node, call goja.FunctionCall) goja.Value {
		_, ok := getAttr(n, strings.ToLower(call.Argument(0).String()))
		return m.vm.ToValue(ok)
	})
	m.method("getAttributeNames", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		names := make([]any, len(n.Attr))
		for i, a := range n.Attr {
			names[i] = a.Key
		}
		return m.vm.NewArray(names...)
	})
	m.accessor("hidden", func(n *html.Node) goja.Value {
		_, ok := getAttr(n, "hidden")
		return m.vm.ToValue(ok)
	}, func(n *html.Node, v goja.Value) { toggleAttr(n, "hidden", v.ToBoolean()) })

	m.accessor("innerHTML", func(n *html.Node) goja.Value {
		var sb strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			_ = html.Render(&sb, c)
		}
		return m.str(sb.String())
	}, func(n *html.Node, v goja.Value) {
		context := n
		if n.Type == html.DocumentNode {
			m.fail("NoModificationAllowedError: cannot set innerHTML of a document")
		}
		nodes, err := html.ParseFragment(strings.NewReader(v.String()), context)
		if err != nil {
			m.fail("SyntaxError: %v", err)
		}
		removeChildren(n)
		for _, c := range nodes {
			n.AppendChild(c)
		}
	})
	m.getter("outerHTML", func(n *html.Node) goja.Value {
		var sb strings.Builder
		_ = html.Render(&sb, n)
		return m.str(sb.String())
	})
	m.getter("innerText", m.elementOnly(func(n *html.Node) goja.Value { return m.str(collapse(textContent(n))) }))

	m.getter("isContentEditable", m.elementOnly(func(n *html.Node) goja.Value {
		for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
			if v, ok := getAttr(p, "contenteditable"); ok {
				return m.vm.ToValue(v == "" || strings.EqualFold(v, "true"))
			}
		}
		return m.vm.ToValue(false)
	}))
	m.accessor("tabIndex", func(n *html.Node) goja.Value {
		var i int
		if _, err := fmt.Sscan(attr(n, "tabindex"), &i); err == nil {
			return m.vm.ToValue(i)
		}
		if isFocusable(n) {
			return m.vm.ToValue(0)
		}
		return m.vm.ToValue(-1)
	}, func(n *html.Node, v goja.Value) { setAttr(n, "tabindex", v.String()) })

	m.accessor("href", m.elementOnly(func(n *html.Node) goja.Value {
		return m.str(m.resolveAttr(n, "href"))
	}), func(n *html.Node, v goja.Value) { setAttr(n, "href", v.String()) })
	m.accessor("src", m.elementOnly(func(n *html.Node) goja.Value {
		return m.str(m.resolveAttr(n, "src"))
	}), func(n *html.Node, v goja.Value) { setAttr(n, "src", v.String()) })

	m.getter("style", m.elementOnly(func(n *html.Node) goja.Value {
		return m.vm.NewDynamicObject(&inlineStyle{m: m, n: n})
	}))

	m.method("getElementsByTagName", func(n *html.Node, call goja.FunctionCall) goja.Value {
		tag := strings.ToLower(call.Argument(0).String())
		return m.wrapAll(descendants(n, func(e *html.Node) bool { return tag == "*" || e.Data == tag }))
	})
	m.method("getElementsByClassName", func(n *html.Node, call goja.FunctionCall) goja.Value {
		want := strings.Fields(call.Argument(0).String())
		return m.wrapAll(descendants(n, func(e *html.Node) bool {
			have := strings.Fields(attr(e, "class"))
			for _, w := range want {
				if !contains(have, w) {
					return false
				}
			}
			return len(want) > 0
		}))
	})

	m.method("getBoundingClientRect", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		return m.rectObject(m.clientBox(n))
	})
	m.method("getClientRects", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		b, ok := m.layout().boxes[n]
		if !ok {
			return m.vm.NewArray()
		}
		return m.vm.NewArray(m.rectObject(m.toClient(b)))
	})
	m.method("scrollIntoView", func(n *html.Node, call goja.FunctionCall) goja.Value {
		m.scrollIntoView(n, scrollOptions(call.Argument(0)))
		return goja.Undefined()
	})
	for _, dim := range []string{"offsetWidth", "clientWidth", "scrollWidth"} {
		m.getter(dim, func(n *html.Node) goja.Value {
			if n == m.documentElement() {
				return m.vm.ToValue(m.viewportWidth())
			}
			return m.vm.ToValue(int(m.layout().boxes[n].W))
		})
	}
	for _, dim := range []string{"offsetHeight", "clientHeight", "scrollHeight"} {
		m.getter(dim, func(n *html.Node) goja.Value {
			if n == m.documentElement() {
				return m.vm.ToValue(m.viewportHeight())
			}
			return m.vm.ToValue(int(m.layout().boxes[n].H))
		})
	}
}

func (m *dom) attrProperty(prop, name string) {
	m.accessor(prop, m.elementOnly(func(n *html.Node) goja.Value {
		return m.str(attr(n, name))
	}), func(n *html.Node, v goja.Value) {
		setAttr(n, name, v.String())
	})
}

func (m *dom) resolveAttr(n *html.Node, name string) string {
	v, ok := getAttr(n, name)
	if !ok {
		return ""
	}
	u, err := resolveURL(v, m.doc.url)
	if err != nil {
		return v
	}
	return u.String()
}

func (m *dom) rectObject(b box) goja.Value {
	o := m.vm.NewObject()
	_ = o.Set("x", b.X)
	_ = o.Set("y", b.Y)
	_ = o.Set("left", b.X)
	_ = o.Set("top", b.Y)
	_ = o.Set("width", b.W)
	_ = o.Set("height", b.H)
	_ = o.Set("right", b.X+b.W)
	_ = o.Set("bottom", b.Y+b.H)
	return o
}

// -- Selectors --

func (m *dom) defineSelectors() {
	compile := func(sel string) cascadia.SelectorGroup {
		g, err := cascadia.ParseGroup(sel)
		if err != nil {
			m.fail("SyntaxError: '%s' is not a valid selector: %v", sel, err)
		}
		return g
	}
	m.method("querySelectorAll", func(n *html.Node, call goja.FunctionCall) goja.Value {
		return m.wrapAll(cascadia.QueryAll(n, compile(call.Argument(0).String())))
	})
	m.method("querySelector", func(n *html.Node, call goja.FunctionCall) goja.Value {
		return m.wrap(cascadia.Query(n, compile(call.Argument(0).String())))
	})
	m.method("matches", func(n *html.Node, call goja.FunctionCall) goja.Value {
		return m.vm.ToValue(n.Type == html.ElementNode && compile(call.Argument(0).String()).Match(n))
	})
	m.method("closest", func(n *html.Node, call goja.FunctionCall) goja.Value {
		g := compile(call.Argument(0).String())
		for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
			if g.Match(p) {
				return m.wrap(p)
			}
		}
		return goja.Null()
	})
}

// -- Document --

func (m *dom) defineDocument() {
	docOnly := func(get func() goja.Value) func(*html.Node) goja.Value {
		return func(n *html.Node) goja.Value {
			if n.Type != html.DocumentNode {
				return goja.Undefined()
			}
			return get()
		}
	}
	m.getter("documentElement", docOnly(func() goja.Value { return m.wrap(m.documentElement()) }))
	m.getter("head", docOnly(func() goja.Value { return m.wrap(m.find(atom.Head)) }))
	m.getter("body", docOnly(func() goja.Value { return m.wrap(m.find(atom.Body)) }))
	m.getter("readyState", docOnly(func() goja.Value { return m.str(m.doc.ReadyState()) }))
	m.getter("URL", docOnly(func() goja.Value { return m.str(m.doc.url.String()) }))
	m.getter("documentURI", docOnly(func() goja.Value { return m.str(m.doc.url.String()) }))
	m.getter("characterSet", docOnly(func() goja.Value { return m.str("UTF-8") }))
	m.getter("defaultView", docOnly(func() goja.Value { return m.vm.GlobalObject() }))
	m.getter("location", docOnly(func() goja.Value { return m.vm.GlobalObject().Get("location") }))
	m.getter("activeElement", docOnly(func() goja.Value {
		if m.active != nil && m.connected(m.active) {
			return m.wrap(m.active)
		}
		return m.wrap(m.find(atom.Body))
	}))
	m.accessor("cookie", docOnly(func() goja.Value { return m.str(m.cookieString()) }),
		func(n *html.Node, v goja.Value) {
			if n.Type == html.DocumentNode {
				m.setCookieString(v.String())
			}
		})

	m.method("getElementById", func(n *html.Node, call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		for _, e := range descendants(n, func(e *html.Node) bool { return attr(e, "id") == id }) {
			return m.wrap(e)
		}
		return goja.Null()
	})
	m.method("createElement", func(_ *html.Node, call goja.FunctionCall) goja.Value {
		tag := strings.ToLower(call.Argument(0).String())
		return m.wrap(&html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))})
	})
	m.method("createTextNode", func(_ *html.Node, call goja.FunctionCall) goja.Value {
		return m.wrap(&html.Node{Type: html.TextNode, Data: call.Argument(0).String()})
	})
	m.method("createComment", func(_ *html.Node, call goja.FunctionCall) goja.Value {
		return m.wrap(&html.Node{Type: html.CommentNode, Data: call.Argument(0).String()})
	})
	m.method("hasFocus", func(*html.Node, goja.FunctionCall) goja.Value { return m.vm.ToValue(true) })
	m.method("elementFromPoint", func(_ *html.Node, call goja.FunctionCall) goja.Value {
		return m.wrap(m.elementAt(call.Argument(0).ToFloat(), call.Argument(1).ToFloat()))
	})
	m.method("evaluate", func(_ *html.Node, call goja.FunctionCall) goja.Value {
		return m.evaluate(call)
	})
}

func (m *dom) documentElement() *html.Node {
	return firstElement(m.root.FirstChild)
}

func (m *dom) find(a atom.Atom) *html.Node {
	for _, n := range descendants(m.root, func(n *html.Node) bool { return n.DataAtom == a }) {
		return n
	}
	return nil
}

func (m *dom) titleText() string {
	if t := m.find(atom.Title); t != nil {
		return collapse(textContent(t))
	}
	return ""
}

func (m *dom) setTitle(s string) {
	t := m.find(atom.Title)
	if t == nil {
		head := m.find(atom.Head)
		if head == nil {
			return
		}
		t = &html.Node{Type: html.ElementNode, Data: "title", DataAtom: atom.Title}
		head.AppendChild(t)
	}
	removeChildren(t)
	t.AppendChild(&html.Node{Type: html.TextNode, Data: s})
}

// evaluate implements document.evaluate for snapshot and first-node
// result types.
func (m *dom) evaluate(call goja.FunctionCall) goja.Value {
	expr := call.Argument(0).String()
	ctx := m.root
	if n, ok := m.unwrap(call.Argument(1)); ok {
		ctx = n
	}
	nodes, err := htmlquery.QueryAll(ctx, expr)
	if err != nil {
		m.fail("SyntaxError: the expression '%s' is not a legal expression: %v", expr, err)
	}
	kind := call.Argument(3).ToInteger()
	res := m.vm.NewObject()
	_ = res.Set("resultType", kind)
	_ = res.Set("snapshotLength", len(nodes))
	_ = res.Set("snapshotItem", func(c goja.FunctionCall) goja.Value {
		i := int(c.Argument(0).ToInteger())
		if i < 0 || i >= len(nodes) {
			return goja.Null()
		}
		return m.wrap(nodes[i])
	})
	pos := 0
	_ = res.Set("iterateNext", func(goja.FunctionCall) goja.Value {
		if pos >= len(nodes) {
			return goja.Null()
		}
		pos++
		return m.wrap(nodes[pos-1])
	})
	if len(nodes) > 0 {
		_ = res.Set("singleNodeValue", m.wrap(nodes[0]))
	} else {
		_ = res.Set("singleNodeValue", goja.Null())
	}
	return res
}

// -- Events from Go --

func (m *dom) newEvent(kind string, bubbles bool) goja.Value {
	ctor, ok := m.vm.GlobalObject().Get("Event").(*goja.Object)
	if !ok {
		return nil
	}
	init := m.vm.NewObject()
	_ = init.Set("bubbles", bubbles)
	ev, err := m.vm.New(ctor, m.str(kind), init)
	if err != nil {
		return nil
	}
	return ev
}

func (m *dom) dispatchOn(target *goja.Object, ev goja.Value) {
	if ev == nil {
		return
	}
	fn, ok := goja.AssertFunction(target.Get("dispatchEvent"))
	if !ok {
		return
	}
	if _, err := fn(target, ev); err != nil {
		m.logger.Debug("Event dispatch failed.", zap.Error(err))
	}
}

func (m *dom) fire(n *html.Node, kind string, bubbles bool) {
	if obj, ok := m.wrap(n).(*goja.Object); ok {
		m.dispatchOn(obj, m.newEvent(kind, bubbles))
	}
}

func (m *dom) fireWindow(kind string) {
	m.dispatchOn(m.vm.GlobalObject(), m.newEvent(kind, false))
}

func (m *dom) callMethod(n *html.Node, name string) {
	obj, ok := m.wrap(n).(*goja.Object)
	if !ok {
		return
	}
	if fn, ok := goja.AssertFunction(obj.Get(name)); ok {
		if _, err := fn(obj); err != nil {
			m.logger.Debug("Element method failed.", zap.String("method", name), zap.Error(err))
		}
	}
}

// -- Loader support --

func (m *dom) scripts() []pendingScript {
	var out []pendingScript
	for _, n := range descendants(m.root, func(n *html.Node) bool { return n.DataAtom == atom.Script }) {
		switch strings.ToLower(attr(n, "type")) {
		case "", "text/javascript", "application/javascript":
		default:
			continue
		}
		out = append(out, pendingScript{text: textContent(n), src: attr(n, "src")})
	}
	return out
}

func (m *dom) frames() []pendingFrame {
	var out []pendingFrame
	var l *layoutResult
	for _, n := range descendants(m.root, func(n *html.Node) bool {
		return n.DataAtom == atom.Iframe || n.DataAtom == atom.Frame
	}) {
		if l == nil {
			l = m.layout()
		}
		srcdoc, has := getAttr(n, "srcdoc")
		out = append(out, pendingFrame{
			owner:     n,
			box:       m.toClient(l.boxes[n]),
			src:       attr(n, "src"),
			srcdoc:    srcdoc,
			hasSrcdoc: has,
		})
	}
	return out
}

// -- Tree helpers --

func children(n *html.Node, elementsOnly bool) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !elementsOnly || c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

func firstElement(n *html.Node) *html.Node {
	for ; n != nil; n = n.NextSibling {
		if n.Type == html.ElementNode {
			return n
		}
	}
	return nil
}

func lastElement(n *html.Node) *html.Node {
	for ; n != nil; n = n.PrevSibling {
		if n.Type == html.ElementNode {
			return n
		}
	}
	return nil
}

// descendants returns matching elements below n in document order.
func descendants(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				if match(c) {
					out = append(out, c)
				}
				walk(c)
			}
		}
	}
	walk(n)
	return out
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				sb.WriteString(c.Data)
			case html.ElementNode:
				walk(c)
			}
		}
	}
	walk(n)
	return sb.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func removeChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

func cloneNode(n *html.Node, deep bool) *html.Node {
	clone := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      append([]html.Attribute(nil), n.Attr...),
	}
	if deep {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			clone.AppendChild(cloneNode(c, true))
		}
	}
	return clone
}

func getAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func attr(n *html.Node, name string) string {
	v, _ := getAttr(n, name)
	return v
}

func setAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func removeAttr(n *html.Node, name string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func toggleAttr(n *html.Node, name string, on bool) {
	if on {
		if _, ok := getAttr(n, name); !ok {
			setAttr(n, name, "")
		}
		return
	}
	removeAttr(n, name)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
