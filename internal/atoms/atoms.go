// Package atoms bundles the script fragments the driver injects into pages.
// Every atom is a function expression suitable for Document.Execute.
package atoms

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed js/*.js
var files embed.FS

// Atom names one bundled fragment.
type Atom string

const (
	Find           Atom = "find"
	CSSEngine      Atom = "css"
	XPathEngine    Atom = "xpath"
	Installed      Atom = "installed"
	NativeSelector Atom = "native_selector"

	IsDisplayed   Atom = "is_displayed"
	IsEnabled     Atom = "is_enabled"
	IsSelected    Atom = "is_selected"
	IsElement     Atom = "is_element"
	GetAttribute  Atom = "get_attribute"
	GetProperty   Atom = "get_property"
	GetCSS        Atom = "get_css"
	GetText       Atom = "get_text"
	GetRect       Atom = "get_rect"
	TagName       Atom = "tag_name"
	ClickPoint    Atom = "click_point"
	Clear         Atom = "clear"
	Focus         Atom = "focus"
	ActiveElement Atom = "active_element"
	PageSource    Atom = "page_source"
	AncestorStep  Atom = "ancestor_step"

	Classify   Atom = "classify"
	Length     Atom = "length"
	Item       Atom = "item"
	Keys       Atom = "keys"
	MakeArray  Atom = "make_array"
	MakeObject Atom = "make_object"

	SimulateMouse Atom = "simulate_mouse"
	SimulateKey   Atom = "simulate_key"
)

// Global names claimed by injected engines.
const (
	CSSGlobal   = "__scalpelCss"
	XPathGlobal = "__scalpelXPath"
)

var sources = map[Atom]string{}

func init() {
	entries, err := files.ReadDir("js")
	if err != nil {
		panic(fmt.Sprintf("atoms: failed to read embedded scripts: %v", err))
	}
	for _, e := range entries {
		b, err := files.ReadFile("js/" + e.Name())
		if err != nil {
			panic(fmt.Sprintf("atoms: failed to read %s: %v", e.Name(), err))
		}
		sources[Atom(strings.TrimSuffix(e.Name(), ".js"))] = strings.TrimSpace(string(b))
	}
}

// Source returns the function expression for a.
func Source(a Atom) string {
	src, ok := sources[a]
	if !ok {
		panic(fmt.Sprintf("atoms: unknown atom %q", a))
	}
	return src
}

// Names lists every bundled atom.
func Names() []Atom {
	out := make([]Atom, 0, len(sources))
	for a := range sources {
		out = append(out, a)
	}
	return out
}
