package sim

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// control holds the dirty state of a form control. Until script or input
// touches it, the content attributes are authoritative.
type control struct {
	value       string
	dirtyValue  bool
	checked     bool
	dirtyCheck  bool
	selected    bool
	dirtySelect bool
}

func (m *dom) control(n *html.Node) *control {
	c, ok := m.controls[n]
	if !ok {
		c = &control{}
		m.controls[n] = c
	}
	return c
}

func inputType(n *html.Node) string {
	switch n.DataAtom {
	case atom.Input:
		if t := strings.ToLower(attr(n, "type")); t != "" {
			return t
		}
		return "text"
	case atom.Button:
		if t := strings.ToLower(attr(n, "type")); t == "button" || t == "reset" {
			return t
		}
		return "submit"
	case atom.Select:
		if _, ok := getAttr(n, "multiple"); ok {
			return "select-multiple"
		}
		return "select-one"
	case atom.Textarea:
		return "textarea"
	}
	return ""
}

func isCheckable(n *html.Node) bool {
	if n.DataAtom != atom.Input {
		return false
	}
	t := inputType(n)
	return t == "checkbox" || t == "radio"
}

func isFocusable(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if _, ok := getAttr(n, "tabindex"); ok {
		return true
	}
	switch n.DataAtom {
	case atom.Input:
		return inputType(n) != "hidden"
	case atom.Select, atom.Textarea, atom.Button:
		return true
	case atom.A:
		_, ok := getAttr(n, "href")
		return ok
	}
	return false
}

func disabled(n *html.Node) bool {
	_, ok := getAttr(n, "disabled")
	return ok
}

func (m *dom) valueOf(n *html.Node) string {
	switch n.DataAtom {
	case atom.Input:
		if c, ok := m.controls[n]; ok && c.dirtyValue {
			return c.value
		}
		if v, ok := getAttr(n, "value"); ok {
			return v
		}
		if isCheckable(n) {
			return "on"
		}
		return ""
	case atom.Textarea:
		if c, ok := m.controls[n]; ok && c.dirtyValue {
			return c.value
		}
		return textContent(n)
	case atom.Select:
		for _, o := range m.options(n) {
			if m.isSelected(o) {
				return m.valueOf(o)
			}
		}
		return ""
	case atom.Option:
		if v, ok := getAttr(n, "value"); ok {
			return v
		}
		return collapse(textContent(n))
	}
	return attr(n, "value")
}

func (m *dom) setValue(n *html.Node, v string) {
	switch n.DataAtom {
	case atom.Input, atom.Textarea:
		c := m.control(n)
		c.value, c.dirtyValue = v, true
	case atom.Select:
		for _, o := range m.options(n) {
			m.setSelected(o, m.valueOf(o) == v)
		}
	default:
		setAttr(n, "value", v)
	}
}

func (m *dom) isChecked(n *html.Node) bool {
	if c, ok := m.controls[n]; ok && c.dirtyCheck {
		return c.checked
	}
	_, ok := getAttr(n, "checked")
	return ok
}

func (m *dom) setChecked(n *html.Node, on bool) {
	c := m.control(n)
	c.checked, c.dirtyCheck = on, true
}

func (m *dom) options(sel *html.Node) []*html.Node {
	return descendants(sel, func(e *html.Node) bool { return e.DataAtom == atom.Option })
}

func (m *dom) owningSelect(o *html.Node) *html.Node {
	for p := o.Parent; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if p.DataAtom == atom.Select {
			return p
		}
	}
	return nil
}

func (m *dom) explicitlySelected(o *html.Node) bool {
	if c, ok := m.controls[o]; ok && c.dirtySelect {
		return c.selected
	}
	_, ok := getAttr(o, "selected")
	return ok
}

// isSelected reports option selectedness. A single select shows its last
// selected option, or the first one when none is.
func (m *dom) isSelected(o *html.Node) bool {
	sel := m.owningSelect(o)
	if sel == nil || inputType(sel) == "select-multiple" {
		return m.explicitlySelected(o)
	}
	opts := m.options(sel)
	var chosen *html.Node
	for _, other := range opts {
		if m.explicitlySelected(other) {
			chosen = other
		}
	}
	if chosen == nil && len(opts) > 0 {
		chosen = opts[0]
	}
	return chosen == o
}

func (m *dom) setSelected(o *html.Node, on bool) {
	if sel := m.owningSelect(o); on && sel != nil && inputType(sel) == "select-one" {
		for _, other := range m.options(sel) {
			c := m.control(other)
			c.selected, c.dirtySelect = false, true
		}
	}
	c := m.control(o)
	c.selected, c.dirtySelect = on, true
}

func (m *dom) formOf(n *html.Node) *html.Node {
	if id, ok := getAttr(n, "form"); ok {
		for _, f := range descendants(m.root, func(e *html.Node) bool { return attr(e, "id") == id }) {
			if f.DataAtom == atom.Form {
				return f
			}
		}
		return nil
	}
	for p := n.Parent; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if p.DataAtom == atom.Form {
			return p
		}
	}
	return nil
}

func isListed(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Input, atom.Select, atom.Textarea, atom.Button, atom.Fieldset, atom.Output:
		return true
	}
	return false
}

func (m *dom) formElements(form *html.Node) []*html.Node {
	return descendants(m.root, func(e *html.Node) bool {
		return isListed(e) && m.formOf(e) == form
	})
}

func (m *dom) defineForms() {
	m.accessor("value", func(n *html.Node) goja.Value {
		if n.Type != html.ElementNode {
			return goja.Undefined()
		}
		return m.str(m.valueOf(n))
	}, func(n *html.Node, v goja.Value) {
		if n.Type == html.ElementNode {
			m.setValue(n, v.String())
		}
	})
	m.accessor("defaultValue", m.elementOnly(func(n *html.Node) goja.Value {
		if n.DataAtom == atom.Textarea {
			return m.str(textContent(n))
		}
		return m.str(attr(n, "value"))
	}), func(n *html.Node, v goja.Value) { setAttr(n, "value", v.String()) })
	m.accessor("checked", m.elementOnly(func(n *html.Node) goja.Value {
		return m.vm.ToValue(isCheckable(n) && m.isChecked(n))
	}), func(n *html.Node, v goja.Value) {
		if n.DataAtom == atom.Input {
			on := v.ToBoolean()
			if on && inputType(n) == "radio" {
				m.uncheckGroup(n)
			}
			m.setChecked(n, on)
		}
	})
	m.accessor("defaultChecked", m.elementOnly(func(n *html.Node) goja.Value {
		_, ok := getAttr(n, "checked")
		return m.vm.ToValue(ok)
	}), func(n *html.Node, v goja.Value) { toggleAttr(n, "checked", v.ToBoolean()) })
	m.accessor("selected", m.elementOnly(func(n *html.Node) goja.Value {
		return m.vm.ToValue(n.DataAtom == atom.Option && m.isSelected(n))
	}), func(n *html.Node, v goja.Value) {
		if n.DataAtom == atom.Option {
			m.setSelected(n, v.ToBoolean())
		}
	})
	m.accessor("selectedIndex", m.elementOnly(func(n *html.Node) goja.Value {
		for i, o := range m.options(n) {
			if m.isSelected(o) {
				return m.vm.ToValue(i)
			}
		}
		return m.vm.ToValue(-1)
	}), func(n *html.Node, v goja.Value) {
		want := int(v.ToInteger())
		for i, o := range m.options(n) {
			m.setSelected(o, i == want)
		}
	})
	m.getter("options", m.elementOnly(func(n *html.Node) goja.Value {
		if n.DataAtom != atom.Select {
			return goja.Undefined()
		}
		return m.wrapAll(m.options(n))
	}))
	m.getter("index", m.elementOnly(func(n *html.Node) goja.Value {
		if sel := m.owningSelect(n); sel != nil {
			for i, o := range m.options(sel) {
				if o == n {
					return m.vm.ToValue(i)
				}
			}
		}
		return m.vm.ToValue(0)
	}))
	m.getter("text", m.elementOnly(func(n *html.Node) goja.Value {
		return m.str(collapse(textContent(n)))
	}))
	m.getter("elements", m.elementOnly(func(n *html.Node) goja.Value {
		if n.DataAtom != atom.Form {
			return goja.Undefined()
		}
		return m.wrapAll(m.formElements(n))
	}))
	m.getter("form", m.elementOnly(func(n *html.Node) goja.Value {
		if !isListed(n) && n.DataAtom != atom.Option {
			return goja.Undefined()
		}
		return m.wrap(m.formOf(n))
	}))
	m.accessor("disabled", m.elementOnly(func(n *html.Node) goja.Value {
		return m.vm.ToValue(disabled(n))
	}), func(n *html.Node, v goja.Value) { toggleAttr(n, "disabled", v.ToBoolean()) })
	m.accessor("readOnly", m.elementOnly(func(n *html.Node) goja.Value {
		_, ok := getAttr(n, "readonly")
		return m.vm.ToValue(ok)
	}), func(n *html.Node, v goja.Value) { toggleAttr(n, "readonly", v.ToBoolean()) })
	m.accessor("multiple", m.elementOnly(func(n *html.Node) goja.Value {
		_, ok := getAttr(n, "multiple")
		return m.vm.ToValue(ok)
	}), func(n *html.Node, v goja.Value) { toggleAttr(n, "multiple", v.ToBoolean()) })
	m.accessor("type", m.elementOnly(func(n *html.Node) goja.Value {
		if t := inputType(n); t != "" {
			return m.str(t)
		}
		return m.str(attr(n, "type"))
	}), func(n *html.Node, v goja.Value) { setAttr(n, "type", v.String()) })
	m.accessor("action", m.elementOnly(func(n *html.Node) goja.Value {
		if s := m.resolveAttr(n, "action"); s != "" {
			return m.str(s)
		}
		return m.str(m.doc.url.String())
	}), func(n *html.Node, v goja.Value) { setAttr(n, "action", v.String()) })
	m.accessor("method", m.elementOnly(func(n *html.Node) goja.Value {
		if strings.EqualFold(attr(n, "method"), "post") {
			return m.str("post")
		}
		return m.str("get")
	}), func(n *html.Node, v goja.Value) { setAttr(n, "method", v.String()) })
}

// -- Behavior invoked by the prelude --

func (m *dom) uncheckGroup(n *html.Node) {
	name := attr(n, "name")
	if name == "" {
		return
	}
	form := m.formOf(n)
	for _, e := range descendants(m.root, func(e *html.Node) bool {
		return e != n && e.DataAtom == atom.Input && inputType(e) == "radio" && attr(e, "name") == name
	}) {
		if m.formOf(e) == form {
			m.setChecked(e, false)
		}
	}
}

func (m *dom) reset(form *html.Node) {
	for _, e := range m.formElements(form) {
		delete(m.controls, e)
		if e.DataAtom == atom.Select {
			for _, o := range m.options(e) {
				delete(m.controls, o)
			}
		}
	}
}

// formData collects the successful controls of form in tree order.
func (m *dom) formData(form, submitter *html.Node) url.Values {
	vals := url.Values{}
	for _, e := range m.formElements(form) {
		name := attr(e, "name")
		if name == "" || disabled(e) {
			continue
		}
		switch t := inputType(e); {
		case e.DataAtom == atom.Button || t == "submit" || t == "image":
			if e == submitter {
				vals.Add(name, m.valueOf(e))
			}
		case t == "checkbox" || t == "radio":
			if m.isChecked(e) {
				vals.Add(name, m.valueOf(e))
			}
		case t == "reset" || t == "button" || t == "file" || e.DataAtom == atom.Fieldset || e.DataAtom == atom.Output:
		case e.DataAtom == atom.Select:
			for _, o := range m.options(e) {
				if m.isSelected(o) {
					vals.Add(name, m.valueOf(o))
				}
			}
		default:
			vals.Add(name, m.valueOf(e))
		}
	}
	return vals
}

func (m *dom) submit(form, submitter *html.Node) {
	action := attr(form, "action")
	method := attr(form, "method")
	if submitter != nil {
		if v, ok := getAttr(submitter, "formaction"); ok {
			action = v
		}
		if v, ok := getAttr(submitter, "formmethod"); ok {
			method = v
		}
	}
	u, err := resolveURL(action, m.doc.url)
	if err != nil {
		m.logger.Debug("Ignoring form with bad action.", zap.String("action", action), zap.Error(err))
		return
	}
	vals := m.formData(form, submitter)
	req := request{url: u}
	if strings.EqualFold(method, "post") {
		req.method = http.MethodPost
		req.form = vals
	} else {
		q := *u
		q.RawQuery = vals.Encode()
		req.url = &q
	}
	m.navigate(req)
}

// follow handles link activation.
func (m *dom) follow(href, target string) {
	u, err := resolveURL(href, m.doc.url)
	if err != nil {
		return
	}
	if strings.EqualFold(target, "_blank") {
		go m.doc.win.host.openWindow(u.String(), m.doc.win)
		return
	}
	m.navigate(request{url: u})
}

// navigate replaces the top-level document. Frames cannot navigate on
// their own yet.
func (m *dom) navigate(req request) {
	if m.doc.parent != nil {
		m.logger.Debug("Ignoring navigation from a frame.", zap.Stringer("url", req.url))
		return
	}
	w := m.doc.win
	w.push(req.url)
	w.start(req)
}

// tab moves focus through focusable elements in tabindex order.
func (m *dom) tab(from *html.Node, back bool) {
	type stop struct {
		n     *html.Node
		index int
		order int
	}
	var stops []stop
	for i, e := range descendants(m.root, func(e *html.Node) bool {
		return isFocusable(e) && !disabled(e) && attr(e, "tabindex") != "-1"
	}) {
		idx, _ := strconv.Atoi(attr(e, "tabindex"))
		stops = append(stops, stop{n: e, index: idx, order: i})
	}
	if len(stops) == 0 {
		return
	}
	sort.SliceStable(stops, func(i, j int) bool {
		a, b := stops[i].index, stops[j].index
		if a == 0 || b == 0 {
			return a != 0 && b == 0
		}
		return a < b
	})
	pos := -1
	for i, s := range stops {
		if s.n == from {
			pos = i
			break
		}
	}
	next := 0
	switch {
	case pos < 0 && back:
		next = len(stops) - 1
	case pos < 0:
	case back:
		next = (pos - 1 + len(stops)) % len(stops)
	default:
		next = (pos + 1) % len(stops)
	}
	m.callMethod(stops[next].n, "focus")
}

// -- Cookies --

func (m *dom) cookieString() string {
	u := m.doc.url
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	var parts []string
	for _, c := range m.doc.win.host.jar.Cookies(u) {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func (m *dom) setCookieString(s string) {
	u := m.doc.url
	if u.Scheme != "http" && u.Scheme != "https" {
		return
	}
	c, err := http.ParseSetCookie(s)
	if err != nil {
		m.logger.Debug("Ignoring malformed cookie.", zap.Error(err))
		return
	}
	if c.Path == "" {
		c.Path = "/"
	}
	m.doc.win.host.jar.SetCookies(u, []*http.Cookie{c})
}
