package script

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/atoms"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/variant"
)

func run(t *testing.T, doc *jsDoc, body string) *Script {
	t.Helper()
	s := FromBody(doc, body)
	require.NoError(t, s.Execute(context.Background()))
	return s
}

func TestPrimitivePredicates(t *testing.T) {
	doc := newJSDoc()
	ctx := context.Background()

	assert.True(t, run(t, doc, "return 'a';").IsString())
	assert.True(t, run(t, doc, "return 3;").IsInteger())
	assert.True(t, run(t, doc, "return 3.5;").IsDouble())
	assert.True(t, run(t, doc, "return false;").IsBoolean())
	assert.True(t, run(t, doc, "return null;").IsEmpty())
	assert.True(t, run(t, doc, "").IsEmpty())

	arr := run(t, doc, "return [1];")
	assert.True(t, arr.IsArray(ctx))
	assert.False(t, arr.IsObject(ctx))

	el := run(t, doc, "return {nodeType: 1, tagName: 'DIV'};")
	assert.True(t, el.IsElement(ctx))

	coll := run(t, doc, "return {length: 0, item: function () { return null; }};")
	assert.True(t, coll.IsElementCollection(ctx))

	obj := run(t, doc, "return {a: 1};")
	assert.True(t, obj.IsObject(ctx))
	assert.False(t, obj.IsString())
}

func TestClassificationIsCached(t *testing.T) {
	doc := newJSDoc()
	s := run(t, doc, "return {a: 1};")
	before := doc.calls
	ctx := context.Background()
	assert.True(t, s.IsObject(ctx))
	assert.False(t, s.IsArray(ctx))
	assert.Equal(t, before+1, doc.calls)
}

func TestConvertNestedObjectRoundTrip(t *testing.T) {
	doc := newJSDoc()
	s := run(t, doc, "return {a: 1, b: [2, 'x', null]};")

	got, err := s.ConvertResultToJSONValue(context.Background(), &recordingAdder{})
	require.NoError(t, err)

	encoded, err := variant.Encode(got)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":[2,"x",null]}`, string(encoded))

	plain, err := variant.Plain(got)
	require.NoError(t, err)
	want := map[string]any{"a": float64(1), "b": []any{float64(2), "x", nil}}
	if diff := cmp.Diff(want, plain); diff != "" {
		t.Errorf("converted value mismatch (-want +got):\n%s", diff)
	}
}

func TestConvertCostsOneCallPerProperty(t *testing.T) {
	doc := newJSDoc()
	s := run(t, doc, "return {a: 1, b: 2, c: 3};")
	before := doc.calls
	_, err := s.ConvertResultToJSONValue(context.Background(), nil)
	require.NoError(t, err)
	// classify + keys + one fetch per property
	assert.Equal(t, 5, doc.calls-before)
}

func TestConvertElements(t *testing.T) {
	doc := newJSDoc()
	_, err := doc.vm.RunString(`var shared = {nodeType: 1, tagName: 'A'};`)
	require.NoError(t, err)
	s := run(t, doc, "return [shared, {inner: shared}];")

	adder := &recordingAdder{}
	got, err := s.ConvertResultToJSONValue(context.Background(), adder)
	require.NoError(t, err)

	plain, err := variant.Plain(got)
	require.NoError(t, err)
	ref := map[string]any{schemas.ElementKey: "el-1"}
	want := []any{ref, map[string]any{"inner": ref}}
	if diff := cmp.Diff(want, plain); diff != "" {
		t.Errorf("element conversion mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, adder.added, 2)
}

func TestConvertElementWithoutAdder(t *testing.T) {
	doc := newJSDoc()
	s := run(t, doc, "return {nodeType: 1};")
	_, err := s.ConvertResultToJSONValue(context.Background(), nil)
	assert.Equal(t, schemas.UnknownScriptResult, schemas.CodeOf(err))
}

func TestConvertCycle(t *testing.T) {
	doc := newJSDoc()
	s := run(t, doc, "var o = {name: 'loop'}; o.self = o; return o;")
	_, err := s.ConvertResultToJSONValue(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, schemas.UnexpectedJavaScriptError, schemas.CodeOf(err))
	assert.Contains(t, err.Error(), "cyclic")
}

func TestConvertUntrustedLengths(t *testing.T) {
	doc := newJSDoc()
	ctx := context.Background()

	cases := map[string]map[string]any{
		"return {length: -1};":      {"length": float64(-1)},
		"return {length: 1e15};":    {"length": float64(1e15)},
		"return {length: 1.5};":     {"length": 1.5},
		"return {length: 'three'};": {"length": "three"},
	}
	for body, want := range cases {
		s := run(t, doc, body)
		assert.True(t, s.IsObject(ctx), body)
		got, err := s.ConvertResultToJSONValue(ctx, nil)
		require.NoError(t, err, body)
		plain, err := variant.Plain(got)
		require.NoError(t, err, body)
		if diff := cmp.Diff(want, plain); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", body, diff)
		}
	}

	s := run(t, doc, "return {length: 3, 0: 'a', 1: 'b', 2: 'c'};")
	got, err := s.ConvertResultToJSONValue(ctx, nil)
	require.NoError(t, err)
	plain, err := variant.Plain(got)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, plain)
}

func TestConvertArrayLengthBounds(t *testing.T) {
	doc := newJSDoc()
	ctx := context.Background()
	c := &converter{doc: doc, path: map[string]bool{}}

	got, err := c.convert(ctx, doc.eval("({length: -1})"), 0, ClassArray)
	require.NoError(t, err)
	plain, err := variant.Plain(got)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"length": float64(-1)}, plain)

	_, err = c.convert(ctx, doc.eval("({length: 4294967295})"), 0, ClassArray)
	require.Error(t, err)
	assert.Equal(t, schemas.UnknownScriptResult, schemas.CodeOf(err))

	got, err = c.convert(ctx, doc.eval("[]"), 0, "")
	require.NoError(t, err)
	plain, err = variant.Plain(got)
	require.NoError(t, err)
	assert.Equal(t, []any{}, plain)
}

func TestConvertBeforeExecute(t *testing.T) {
	_, err := FromBody(newJSDoc(), "return 1;").ConvertResultToJSONValue(context.Background(), nil)
	assert.Error(t, err)
}

func TestScriptErrors(t *testing.T) {
	doc := newJSDoc()
	ctx := context.Background()

	err := FromBody(doc, "throw new Error('kaboom');").Execute(ctx)
	require.Error(t, err)
	assert.Equal(t, schemas.UnexpectedJavaScriptError, schemas.CodeOf(err))
	assert.Contains(t, err.Error(), "kaboom")

	err = FromBody(doc, "throw new Error('InvalidSelector: bad css');").Execute(ctx)
	assert.Equal(t, schemas.InvalidSelector, schemas.CodeOf(err))
	assert.Equal(t, "bad css", schemas.AsError(err).Message)

	err = FromBody(doc, "throw new Error('InvalidElementState: read-only');").Execute(ctx)
	assert.Equal(t, schemas.ElementNotEnabled, schemas.CodeOf(err))

	assert.Equal(t, schemas.ScriptTimeout, schemas.CodeOf(MapError(context.DeadlineExceeded)))
	assert.Equal(t, schemas.NoSuchWindow, schemas.CodeOf(MapError(automation.ErrDetached)))
	assert.Nil(t, MapError(nil))
}

func TestAddJSONMaterializesContainers(t *testing.T) {
	doc := newJSDoc()
	ctx := context.Background()
	elem := doc.eval("{nodeType: 1, id: 'target'}")
	resolver := mapResolver{"e1": elem.AsObject()}

	s := FromBody(doc, "var a = arguments[0]; return a.b[1] + ':' + a.a + ':' + a.el.id + ':' + arguments[1];")
	arg := map[string]any{
		"a":  float64(1),
		"b":  []any{float64(2), "x"},
		"el": map[string]any{schemas.ElementKey: "e1"},
	}
	require.NoError(t, s.AddJSON(ctx, arg, resolver))
	require.NoError(t, s.AddJSON(ctx, "tail", resolver))
	require.NoError(t, s.Execute(ctx))
	assert.Equal(t, "x:1:target:tail", s.Result().Str())

	temps := len(s.temps)
	assert.Equal(t, 2, temps, "one array and one object were materialized")
	s.Release()
	assert.Empty(t, s.temps)
}

func TestAddJSONErrors(t *testing.T) {
	doc := newJSDoc()
	ctx := context.Background()
	s := New(doc, atoms.Source(atoms.Length))

	err := s.AddJSON(ctx, map[string]any{schemas.ElementKey: "missing"}, mapResolver{})
	assert.Error(t, err)

	err = s.AddJSON(ctx, map[string]any{schemas.ElementKey: "x"}, nil)
	assert.Equal(t, schemas.InvalidArgument, schemas.CodeOf(err))

	err = s.AddJSON(ctx, struct{}{}, nil)
	assert.Equal(t, schemas.InvalidArgument, schemas.CodeOf(err))
}

func TestBuilders(t *testing.T) {
	doc := newJSDoc()
	s := New(doc, "function (a, b, c, d, e) { return [typeof a, typeof b, typeof c, typeof d, e === null].join(','); }").
		AddString("s").AddInteger(1).AddDouble(1.5).AddBool(true).AddNull()
	require.NoError(t, s.Execute(context.Background()))
	assert.Equal(t, "string,number,number,boolean,true", s.Result().Str())
	assert.Len(t, s.Args(), 5)
}
