package atoms

import (
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var declared = []Atom{
	Find, CSSEngine, XPathEngine, Installed, NativeSelector,
	IsDisplayed, IsEnabled, IsSelected, IsElement, GetAttribute, GetProperty, GetCSS, GetText,
	GetRect, TagName, ClickPoint, Clear, Focus, ActiveElement, PageSource, AncestorStep,
	Classify, Length, Item, Keys, MakeArray, MakeObject,
	SimulateMouse, SimulateKey,
}

func TestEveryAtomIsBundled(t *testing.T) {
	for _, a := range declared {
		src := Source(a)
		assert.True(t, strings.HasPrefix(src, "function"), "atom %s must be a function expression", a)
	}
	assert.Len(t, Names(), len(declared), "every embedded file should have a declared name")
}

func TestAtomsCompile(t *testing.T) {
	for _, a := range declared {
		_, err := goja.Compile(string(a), "("+Source(a)+")", false)
		require.NoError(t, err, "atom %s", a)
	}
}

func TestUnknownAtomPanics(t *testing.T) {
	assert.Panics(t, func() { Source("nope") })
}

// runWith evaluates an atom in a bare runtime, enough for the helpers that
// do not touch the DOM.
func runWith(t *testing.T, a Atom, args ...any) goja.Value {
	t.Helper()
	vm := goja.New()
	_ = vm.Set("window", vm.GlobalObject())
	fnVal, err := vm.RunString("(" + Source(a) + ")")
	require.NoError(t, err)
	fn, ok := goja.AssertFunction(fnVal)
	require.True(t, ok)
	vals := make([]goja.Value, len(args))
	for i, arg := range args {
		vals[i] = vm.ToValue(arg)
	}
	res, err := fn(goja.Undefined(), vals...)
	require.NoError(t, err)
	return res
}

func TestHelperAtoms(t *testing.T) {
	t.Run("make_object", func(t *testing.T) {
		res := runWith(t, MakeObject, `["a","b"]`, 1, "x")
		obj := res.Export().(map[string]any)
		assert.Equal(t, int64(1), obj["a"])
		assert.Equal(t, "x", obj["b"])
	})

	t.Run("keys skips functions", func(t *testing.T) {
		vm := goja.New()
		_ = vm.Set("window", vm.GlobalObject())
		res, err := vm.RunString(`(` + Source(Keys) + `)({a: 1, b: [2], f: function () {}})`)
		require.NoError(t, err)
		assert.Equal(t, "a,b", res.String())
	})

	t.Run("classify", func(t *testing.T) {
		vm := goja.New()
		_ = vm.Set("window", vm.GlobalObject())
		cases := map[string]string{
			`null`:                                  "null",
			`[1, 2]`:                                "array",
			`({length: 2, item: function () {}})`:   "collection",
			`({nodeType: 1})`:                       "element",
			`({length: 0})`:                         "array",
			`({a: 1})`:                              "object",
		}
		for expr, want := range cases {
			res, err := vm.RunString(`(` + Source(Classify) + `)(` + expr + `)`)
			require.NoError(t, err, expr)
			assert.Equal(t, want, res.String(), expr)
		}
	})
}
