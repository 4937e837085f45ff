package sim

import (
	"sort"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/dop251/goja"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// inherited lists the properties that flow from parent to child.
var inherited = map[string]bool{
	"color":       true,
	"cursor":      true,
	"font-family": true,
	"font-size":   true,
	"font-weight": true,
	"visibility":  true,
}

var initial = map[string]string{
	"color":            "rgb(0, 0, 0)",
	"background-color": "rgba(0, 0, 0, 0)",
	"cursor":           "auto",
	"font-family":      "sans-serif",
	"font-size":        "16px",
	"font-weight":      "400",
	"visibility":       "visible",
	"opacity":          "1",
	"position":         "static",
	"pointer-events":   "auto",
	"overflow":         "visible",
}

var blockTags = map[atom.Atom]bool{
	atom.Html: true, atom.Body: true, atom.Div: true, atom.P: true, atom.Form: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Ul: true, atom.Ol: true, atom.Dl: true, atom.Dt: true, atom.Dd: true,
	atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
	atom.Nav: true, atom.Main: true, atom.Aside: true, atom.Pre: true, atom.Blockquote: true,
	atom.Fieldset: true, atom.Legend: true, atom.Hr: true, atom.Address: true,
	atom.Figure: true, atom.Details: true, atom.Summary: true, atom.Center: true,
	atom.Table: true, atom.Tbody: true, atom.Thead: true, atom.Tfoot: true, atom.Tr: true,
}

var hiddenTags = map[atom.Atom]bool{
	atom.Head: true, atom.Script: true, atom.Style: true, atom.Title: true, atom.Meta: true,
	atom.Link: true, atom.Template: true, atom.Noscript: true, atom.Base: true,
	atom.Datalist: true, atom.Param: true,
}

var replacedTags = map[atom.Atom]bool{
	atom.Input: true, atom.Select: true, atom.Textarea: true, atom.Button: true,
	atom.Img: true, atom.Iframe: true, atom.Frame: true, atom.Canvas: true, atom.Video: true,
}

func defaultDisplay(n *html.Node) string {
	switch {
	case hiddenTags[n.DataAtom]:
		return "none"
	case n.DataAtom == atom.Li:
		return "list-item"
	case n.DataAtom == atom.Td || n.DataAtom == atom.Th:
		return "table-cell"
	case blockTags[n.DataAtom]:
		return "block"
	case n.DataAtom == atom.Input && inputType(n) == "hidden":
		return "none"
	case n.DataAtom == atom.Option || n.DataAtom == atom.Optgroup:
		return "block"
	case replacedTags[n.DataAtom]:
		return "inline-block"
	}
	return "inline"
}

type decl struct {
	prop      string
	value     string
	important bool
}

type rule struct {
	sel         cascadia.Sel
	specificity cascadia.Specificity
	order       int
	decls       []decl
}

// sheetCache holds the rules parsed from the document's style elements,
// reparsed only when their text changes.
type sheetCache struct {
	src   string
	rules []rule
}

func (m *dom) rules() []rule {
	var sb strings.Builder
	for _, s := range descendants(m.root, func(n *html.Node) bool { return n.DataAtom == atom.Style }) {
		sb.WriteString(textContent(s))
		sb.WriteByte('\n')
	}
	if src := sb.String(); src != m.sheets.src || m.sheets.rules == nil {
		m.sheets.src = src
		m.sheets.rules = parseSheet(src)
	}
	return m.sheets.rules
}

func parseSheet(src string) []rule {
	src = stripComments(src)
	rules := []rule{}
	order := 0
	for len(src) > 0 {
		open := strings.IndexByte(src, '{')
		if open < 0 {
			break
		}
		prelude := strings.TrimSpace(src[:open])
		end := matchBrace(src, open)
		body := src[open+1 : end]
		if end < len(src) {
			src = src[end+1:]
		} else {
			src = ""
		}
		if strings.HasPrefix(prelude, "@") {
			// Conditional groups apply unconditionally; other at-rules are ignored.
			if strings.HasPrefix(prelude, "@media") || strings.HasPrefix(prelude, "@supports") {
				for _, r := range parseSheet(body) {
					r.order = order
					order++
					rules = append(rules, r)
				}
			}
			continue
		}
		decls := parseDecls(body)
		for _, part := range splitSelectors(prelude) {
			sel, err := cascadia.Parse(part)
			if err != nil {
				continue
			}
			rules = append(rules, rule{sel: sel, specificity: sel.Specificity(), order: order, decls: decls})
			order++
		}
	}
	return rules
}

func stripComments(s string) string {
	for {
		i := strings.Index(s, "/*")
		if i < 0 {
			return s
		}
		j := strings.Index(s[i+2:], "*/")
		if j < 0 {
			return s[:i]
		}
		s = s[:i] + s[i+2+j+2:]
	}
}

func matchBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(s)
}

func splitSelectors(s string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

func parseDecls(s string) []decl {
	var out []decl
	for _, part := range strings.Split(s, ";") {
		prop, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		value = strings.TrimSpace(value)
		d := decl{prop: prop}
		if i := strings.Index(strings.ToLower(value), "!important"); i >= 0 {
			d.important = true
			value = strings.TrimSpace(value[:i])
		}
		d.value = value
		if prop != "" {
			out = append(out, d)
		}
	}
	return out
}

func formatDecls(decls []decl) string {
	parts := make([]string, len(decls))
	for i, d := range decls {
		parts[i] = d.prop + ": " + d.value
		if d.important {
			parts[i] += " !important"
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "; ") + ";"
}

// styler computes styles for one pass over the tree.
type styler struct {
	m     *dom
	rules []rule
	memo  map[*html.Node]map[string]string
}

func (m *dom) styler() *styler {
	return &styler{m: m, rules: m.rules(), memo: make(map[*html.Node]map[string]string)}
}

func (s *styler) style(n *html.Node) map[string]string {
	if cs, ok := s.memo[n]; ok {
		return cs
	}
	cs := make(map[string]string, len(initial)+4)
	var parent map[string]string
	if n.Parent != nil && n.Parent.Type == html.ElementNode {
		parent = s.style(n.Parent)
	}
	for k, v := range initial {
		if inherited[k] && parent != nil {
			v = parent[k]
		}
		cs[k] = v
	}
	cs["display"] = defaultDisplay(n)
	if _, ok := getAttr(n, "hidden"); ok {
		cs["display"] = "none"
	}

	var matched []rule
	for _, r := range s.rules {
		if r.sel.Match(n) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].specificity != matched[j].specificity {
			return matched[i].specificity.Less(matched[j].specificity)
		}
		return matched[i].order < matched[j].order
	})
	inline := parseDecls(attr(n, "style"))
	apply := func(d decl) {
		if d.value == "inherit" {
			if parent != nil {
				cs[d.prop] = parent[d.prop]
			}
			return
		}
		cs[d.prop] = d.value
	}
	for _, important := range []bool{false, true} {
		for _, r := range matched {
			for _, d := range r.decls {
				if d.important == important {
					apply(d)
				}
			}
		}
		for _, d := range inline {
			if d.important == important {
				apply(d)
			}
		}
	}
	s.memo[n] = cs
	return cs
}

// px parses a length in pixels. Other units are not supported.
func px(v string) (float64, bool) {
	v = strings.TrimSpace(v)
	if v == "0" {
		return 0, true
	}
	if !strings.HasSuffix(v, "px") {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(v, "px"), 64)
	return f, err == nil
}

func cssName(key string) string {
	var sb strings.Builder
	for _, r := range key {
		if r >= 'A' && r <= 'Z' {
			sb.WriteByte('-')
			sb.WriteRune(r + 'a' - 'A')
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func camelName(prop string) string {
	parts := strings.Split(prop, "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

// computedStyle builds the object returned by getComputedStyle.
func (m *dom) computedStyle(n *html.Node) goja.Value {
	cs := m.styler().style(n)
	obj := m.vm.NewObject()
	for k, v := range cs {
		_ = obj.Set(k, v)
		_ = obj.Set(camelName(k), v)
	}
	_ = obj.Set("getPropertyValue", func(call goja.FunctionCall) goja.Value {
		return m.str(cs[strings.ToLower(call.Argument(0).String())])
	})
	return obj
}

// inlineStyle is the element.style object, backed by the style attribute.
type inlineStyle struct {
	m *dom
	n *html.Node
}

func (s *inlineStyle) decls() []decl { return parseDecls(attr(s.n, "style")) }

func (s *inlineStyle) lookup(prop string) string {
	v := ""
	for _, d := range s.decls() {
		if d.prop == prop {
			v = d.value
		}
	}
	return v
}

func (s *inlineStyle) put(prop, value string) {
	decls := s.decls()
	out := decls[:0]
	for _, d := range decls {
		if d.prop != prop {
			out = append(out, d)
		}
	}
	if value != "" {
		out = append(out, decl{prop: prop, value: value})
	}
	if len(out) == 0 {
		removeAttr(s.n, "style")
		return
	}
	setAttr(s.n, "style", formatDecls(out))
}

func (s *inlineStyle) Get(key string) goja.Value {
	vm := s.m.vm
	switch key {
	case "cssText":
		return vm.ToValue(formatDecls(s.decls()))
	case "length":
		return vm.ToValue(len(s.decls()))
	case "getPropertyValue":
		return vm.ToValue(func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(s.lookup(strings.ToLower(call.Argument(0).String())))
		})
	case "setProperty":
		return vm.ToValue(func(call goja.FunctionCall) goja.Value {
			s.put(strings.ToLower(call.Argument(0).String()), call.Argument(1).String())
			return goja.Undefined()
		})
	case "removeProperty":
		return vm.ToValue(func(call goja.FunctionCall) goja.Value {
			prop := strings.ToLower(call.Argument(0).String())
			old := s.lookup(prop)
			s.put(prop, "")
			return vm.ToValue(old)
		})
	}
	return vm.ToValue(s.lookup(cssName(key)))
}

func (s *inlineStyle) Set(key string, val goja.Value) bool {
	if key == "cssText" {
		setAttr(s.n, "style", val.String())
		return true
	}
	v := ""
	if !goja.IsNull(val) && !goja.IsUndefined(val) {
		v = val.String()
	}
	s.put(cssName(key), v)
	return true
}

func (s *inlineStyle) Has(key string) bool {
	return key == "cssText" || s.lookup(cssName(key)) != ""
}

func (s *inlineStyle) Delete(key string) bool {
	s.put(cssName(key), "")
	return true
}

func (s *inlineStyle) Keys() []string {
	var keys []string
	for _, d := range s.decls() {
		keys = append(keys, camelName(d.prop))
	}
	return keys
}
