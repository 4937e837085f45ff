package sim

import (
	"math"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Text is measured in a fixed-width face.
const (
	charWidth  = 8.0
	lineHeight = 18.0
)

// box is a rectangle in CSS pixels.
type box struct {
	X, Y, W, H float64
}

func (b box) contains(x, y float64) bool {
	return x >= b.X && x < b.X+b.W && y >= b.Y && y < b.Y+b.H
}

// layoutResult positions every rendered element in document coordinates.
type layoutResult struct {
	boxes  map[*html.Node]box
	order  []*html.Node
	hidden map[*html.Node]bool
	width  float64
	height float64
}

type flow struct {
	m   *dom
	st  *styler
	out *layoutResult
}

// layout runs a simple block and inline flow over the tree. Positioned
// elements are placed relative to the document, fixed ones relative to
// the viewport.
func (m *dom) layout() *layoutResult {
	vw, vh := float64(m.viewportWidth()), float64(m.viewportHeight())
	f := &flow{m: m, st: m.styler(), out: &layoutResult{
		boxes:  make(map[*html.Node]box),
		hidden: make(map[*html.Node]bool),
	}}
	if root := m.documentElement(); root != nil {
		h := f.element(root, 0, 0, vw, f.st.style(root))
		b := f.out.boxes[root]
		b.H = math.Max(h, vh)
		f.out.boxes[root] = b
	}
	f.out.width, f.out.height = vw, vh
	for _, b := range f.out.boxes {
		f.out.width = math.Max(f.out.width, b.X+b.W)
		f.out.height = math.Max(f.out.height, b.Y+b.H)
	}
	return f.out
}

func (f *flow) record(n *html.Node, b box, s map[string]string) {
	f.out.boxes[n] = b
	f.out.order = append(f.out.order, n)
	if v := s["visibility"]; v == "hidden" || v == "collapse" {
		f.out.hidden[n] = true
	}
	if s["pointer-events"] == "none" {
		f.out.hidden[n] = true
	}
}

func isInline(display string) bool {
	return strings.HasPrefix(display, "inline")
}

// children lays out the content of n inside the area at (x, y) of width
// w and returns the height used.
func (f *flow) children(n *html.Node, x, y, w float64) float64 {
	if replacedTags[n.DataAtom] {
		return 0
	}
	cy := y
	lineX, lineH := x, 0.0
	flush := func() {
		if lineH > 0 {
			cy += lineH
		}
		lineX, lineH = x, 0
	}
	place := func(iw, ih float64) (float64, float64) {
		if lineX+iw > x+w && lineX > x {
			flush()
		}
		px, py := lineX, cy
		lineX += iw
		lineH = math.Max(lineH, ih)
		return px, py
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			t := collapse(c.Data)
			if t == "" {
				continue
			}
			tw, th := measureText(t, w)
			place(tw, th)
		case html.ElementNode:
			s := f.st.style(c)
			switch display := s["display"]; {
			case display == "none":
			case s["position"] == "absolute" || s["position"] == "fixed":
				f.positioned(c, s)
			case isInline(display):
				iw, ih := f.intrinsic(c, s, w)
				px, py := place(iw, ih)
				f.record(c, box{X: px, Y: py, W: iw, H: ih}, s)
				f.children(c, px, py, iw)
			default:
				flush()
				cy += f.element(c, x, cy, w, s)
			}
		}
	}
	flush()
	return cy - y
}

// element lays out a block-level element and returns its height.
func (f *flow) element(n *html.Node, x, y, w float64, s map[string]string) float64 {
	bw := w
	if v, ok := px(s["width"]); ok {
		bw = v
	}
	if ml, ok := px(s["margin-left"]); ok {
		x += ml
	}
	if mt, ok := px(s["margin-top"]); ok {
		y += mt
	}
	f.record(n, box{X: x, Y: y, W: bw}, s)
	h := f.children(n, x, y, bw)
	if v, ok := px(s["height"]); ok {
		h = v
	} else if replacedTags[n.DataAtom] {
		_, h = controlSize(n)
	}
	b := f.out.boxes[n]
	b.H = h
	f.out.boxes[n] = b
	mt, _ := px(s["margin-top"])
	mb, _ := px(s["margin-bottom"])
	return h + mt + mb
}

func (f *flow) positioned(n *html.Node, s map[string]string) {
	left, _ := px(s["left"])
	top, _ := px(s["top"])
	if s["position"] == "fixed" {
		left += f.m.scrollX
		top += f.m.scrollY
	}
	w, h := f.intrinsic(n, s, float64(f.m.viewportWidth()))
	if !isInline(s["display"]) && !replacedTags[n.DataAtom] {
		if _, ok := px(s["width"]); !ok {
			w = float64(f.m.viewportWidth()) - left
		}
	}
	f.record(n, box{X: left, Y: top, W: w, H: h}, s)
	ch := f.children(n, left, top, w)
	if _, ok := px(s["height"]); !ok && !replacedTags[n.DataAtom] {
		b := f.out.boxes[n]
		b.H = ch
		f.out.boxes[n] = b
	}
}

// intrinsic sizes an inline-level element.
func (f *flow) intrinsic(n *html.Node, s map[string]string, avail float64) (float64, float64) {
	w, h := controlSize(n)
	if !replacedTags[n.DataAtom] {
		w, h = measureText(collapse(textContent(n)), avail)
		if n.DataAtom == atom.Br {
			w, h = 0, lineHeight
		}
	}
	if v, ok := px(s["width"]); ok {
		w = v
	}
	if v, ok := px(s["height"]); ok {
		h = v
	}
	return w, h
}

func measureText(t string, avail float64) (float64, float64) {
	if t == "" {
		return 0, 0
	}
	w := float64(len([]rune(t))) * charWidth
	if avail <= 0 || w <= avail {
		return w, lineHeight
	}
	lines := math.Ceil(w / avail)
	return avail, lines * lineHeight
}

func controlSize(n *html.Node) (float64, float64) {
	sizeAttr := func(name string, def float64) float64 {
		if v, err := strconv.ParseFloat(strings.TrimSuffix(attr(n, name), "px"), 64); err == nil {
			return v
		}
		return def
	}
	switch n.DataAtom {
	case atom.Input:
		switch inputType(n) {
		case "checkbox", "radio":
			return 13, 13
		case "submit", "button", "reset":
			label := attr(n, "value")
			if label == "" {
				label = "Submit"
			}
			return float64(len(label))*charWidth + 16, 21
		case "image":
			return sizeAttr("width", 0), sizeAttr("height", 0)
		}
		return 150, 21
	case atom.Button:
		w, _ := measureText(collapse(textContent(n)), 0)
		return w + 16, 21
	case atom.Select:
		return 150, 21
	case atom.Textarea:
		return 180, 36
	case atom.Img, atom.Canvas, atom.Video:
		return sizeAttr("width", 0), sizeAttr("height", 0)
	case atom.Iframe, atom.Frame:
		return sizeAttr("width", 300), sizeAttr("height", 150)
	}
	return 0, 0
}

// -- Viewport --

func (m *dom) viewportWidth() int {
	if m.doc.parent != nil {
		return int(m.doc.frame.W)
	}
	return int(m.doc.win.viewportW.Load())
}

func (m *dom) viewportHeight() int {
	if m.doc.parent != nil {
		return int(m.doc.frame.H)
	}
	return int(m.doc.win.viewportH.Load())
}

func (m *dom) toClient(b box) box {
	b.X -= m.scrollX
	b.Y -= m.scrollY
	return b
}

func (m *dom) clientBox(n *html.Node) box {
	b, ok := m.layout().boxes[n]
	if !ok {
		return box{}
	}
	return m.toClient(b)
}

// visibleBoxes returns the client boxes of rendered elements.
func (m *dom) visibleBoxes() []box {
	l := m.layout()
	var out []box
	for _, n := range l.order {
		b := l.boxes[n]
		if l.hidden[n] || b.W <= 0 || b.H <= 0 {
			continue
		}
		out = append(out, m.toClient(b))
	}
	return out
}

// elementAt hit-tests client coordinates. Later boxes paint on top.
func (m *dom) elementAt(x, y float64) *html.Node {
	if x < 0 || y < 0 || x >= float64(m.viewportWidth()) || y >= float64(m.viewportHeight()) {
		return nil
	}
	l := m.layout()
	dx, dy := x+m.scrollX, y+m.scrollY
	for i := len(l.order) - 1; i >= 0; i-- {
		n := l.order[i]
		if l.hidden[n] {
			continue
		}
		if l.boxes[n].contains(dx, dy) {
			return n
		}
	}
	return nil
}

type scrollAlign struct {
	block, inline string
}

func scrollOptions(v goja.Value) scrollAlign {
	opts := scrollAlign{block: "start", inline: "nearest"}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return opts
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		if !v.ToBoolean() {
			opts.block = "end"
		}
		return opts
	}
	if b := obj.Get("block"); b != nil && !goja.IsUndefined(b) {
		opts.block = b.String()
	}
	if i := obj.Get("inline"); i != nil && !goja.IsUndefined(i) {
		opts.inline = i.String()
	}
	return opts
}

func align(mode string, pos, size, view, current float64) float64 {
	switch mode {
	case "start":
		return pos
	case "end":
		return pos + size - view
	case "center":
		return pos + size/2 - view/2
	}
	// nearest
	switch {
	case pos >= current && pos+size <= current+view:
		return current
	case pos < current || size > view:
		return pos
	}
	return pos + size - view
}

func (m *dom) scrollIntoView(n *html.Node, opts scrollAlign) {
	l := m.layout()
	b, ok := l.boxes[n]
	if !ok {
		return
	}
	vw, vh := float64(m.viewportWidth()), float64(m.viewportHeight())
	x := align(opts.inline, b.X, b.W, vw, m.scrollX)
	y := align(opts.block, b.Y, b.H, vh, m.scrollY)
	m.scrollTo(l, x, y)
}

// scrollTo moves the viewport, clamped to the document.
func (m *dom) scrollTo(l *layoutResult, x, y float64) {
	if l == nil {
		l = m.layout()
	}
	vw, vh := float64(m.viewportWidth()), float64(m.viewportHeight())
	m.scrollX = clamp(x, 0, math.Max(0, l.width-vw))
	m.scrollY = clamp(y, 0, math.Max(0, l.height-vh))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(v, hi))
}
