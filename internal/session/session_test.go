package session

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/backend/sim"
	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/journal"
)

const pages = `<html><head><title>home</title></head><body>
<div id="a" style="width: 100px; height: 20px">alpha</div>
<button id="b" style="width: 100px; height: 30px" onclick="document.title = 'clicked'">Go</button>
<input id="name" style="width: 100px; height: 20px">
<script>
setTimeout(function () {
  var d = document.createElement('div');
  d.id = 'later';
  document.body.appendChild(d);
}, 300);
</script>
</body></html>`

type site struct {
	srv     *httptest.Server
	release chan struct{}
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{release: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, pages)
	})
	mux.HandleFunc("/framed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<title>framed</title><iframe id="f" src="/inner"></iframe>`)
	})
	mux.HandleFunc("/inner", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<p id="inner">inside</p>`)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.release:
		case <-r.Context().Done():
		}
		_, _ = io.WriteString(w, `<title>slow</title>`)
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	t.Cleanup(func() { close(s.release) })
	return s
}

func (s *site) url(path string) string { return s.srv.URL + path }

type recorder struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (r *recorder) Record(e journal.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) all() []journal.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]journal.Entry(nil), r.entries...)
}

type fixture struct {
	s    *Session
	site *site
	rec  *recorder
}

func newFixture(t *testing.T, cfg config.DriverConfig) *fixture {
	t.Helper()
	return newFixtureOn(t, cfg, nil)
}

// newFixtureOn starts a session on a simulated host, passed through wrap
// when wrap is set.
func newFixtureOn(t *testing.T, cfg config.DriverConfig, wrap func(automation.Host) automation.Host) *fixture {
	t.Helper()
	var host automation.Host
	host, err := sim.NewHost(zap.NewNop(), sim.WithViewport(800, 600))
	require.NoError(t, err)
	if wrap != nil {
		host = wrap(host)
	}

	rec := &recorder{}
	if cfg.PageLoadTimeout == 0 {
		cfg.PageLoadTimeout = 10 * time.Second
	}
	if cfg.ScriptTimeout == 0 {
		cfg.ScriptTimeout = 10 * time.Second
	}
	s, err := New(Options{
		Host:    host,
		Config:  cfg,
		Logger:  zaptest.NewLogger(t),
		Journal: rec,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Close(ctx))
	})

	f := &fixture{s: s, site: newSite(t), rec: rec}
	f.ok(t, schemas.CmdNewSession, nil, nil)
	return f
}

func (f *fixture) do(t *testing.T, typ schemas.CommandType, params map[string]string, body map[string]any) schemas.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return f.s.Dispatch(ctx, schemas.NewCommand(typ, params, body))
}

func (f *fixture) ok(t *testing.T, typ schemas.CommandType, params map[string]string, body map[string]any) any {
	t.Helper()
	resp := f.do(t, typ, params, body)
	require.Equal(t, schemas.Success, resp.Status, "%s failed: %s", typ, resp.Message)
	return resp.Value
}

func (f *fixture) open(t *testing.T, path string) {
	t.Helper()
	f.ok(t, schemas.CmdGet, nil, map[string]any{"url": f.site.url(path)})
}

func (f *fixture) find(t *testing.T, css string) string {
	t.Helper()
	v := f.ok(t, schemas.CmdFindElement, nil, map[string]any{"using": "css selector", "value": css})
	ref, ok := v.(schemas.ElementReference)
	require.True(t, ok, "unexpected find result %T", v)
	return ref.ID
}

func jsonOf(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestSession_NavigateWaitsForLoad(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")

	assert.Equal(t, "home", f.ok(t, schemas.CmdGetTitle, nil, nil))
	assert.Equal(t, f.site.url("/"), f.ok(t, schemas.CmdGetCurrentURL, nil, nil))

	entries := f.rec.all()
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, string(schemas.CmdGet), entries[1].Command)
	assert.Equal(t, "success", entries[1].Status)
}

func TestSession_UnknownCommand(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	resp := f.do(t, schemas.CommandType("Teleport"), nil, nil)
	assert.Equal(t, schemas.NotImplemented, resp.Status)
}

func TestSession_SecondNewSessionRejected(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	resp := f.do(t, schemas.CmdNewSession, nil, nil)
	assert.Equal(t, schemas.SessionNotCreated, resp.Status)
}

func TestSession_PanicBecomesUnhandledError(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.s.handlers[schemas.CmdGetTitle] = func(context.Context, schemas.Command) (any, error) {
		panic("boom")
	}

	resp := f.do(t, schemas.CmdGetTitle, nil, nil)
	assert.Equal(t, schemas.UnhandledError, resp.Status)
	assert.Contains(t, resp.Message, "boom")

	// The actor survives.
	f.ok(t, schemas.CmdGetCurrentURL, nil, nil)
}

func TestSession_QuitEndsSession(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.ok(t, schemas.CmdQuit, nil, nil)

	select {
	case <-f.s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("actor did not exit")
	}
	resp := f.do(t, schemas.CmdGetTitle, nil, nil)
	assert.Equal(t, schemas.NoSuchDriver, resp.Status)
}

func TestSession_Timeouts(t *testing.T) {
	f := newFixture(t, config.DriverConfig{ScriptTimeout: 30 * time.Second})

	f.ok(t, schemas.CmdSetTimeouts, nil, map[string]any{"implicit": 250.0, "script": nil})
	got := f.ok(t, schemas.CmdGetTimeouts, nil, nil)
	assert.JSONEq(t, `{"implicit":250,"script":null,"pageLoad":10000}`, jsonOf(t, got))

	f.ok(t, schemas.CmdSetTimeouts, nil, map[string]any{"script": 0.0})
	got = f.ok(t, schemas.CmdGetTimeouts, nil, nil)
	assert.JSONEq(t, `{"implicit":250,"script":0,"pageLoad":10000}`, jsonOf(t, got))

	for _, body := range []map[string]any{
		{"implicit": -1.0},
		{"pageLoad": 1.5},
		{"implicit": nil},
		{"script": "soon"},
	} {
		resp := f.do(t, schemas.CmdSetTimeouts, nil, body)
		assert.Equal(t, schemas.InvalidArgument, resp.Status, "body %v", body)
	}
}

func TestSession_PageLoadTimeout(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.ok(t, schemas.CmdSetTimeouts, nil, map[string]any{"pageLoad": 300.0})

	start := time.Now()
	resp := f.do(t, schemas.CmdGet, nil, map[string]any{"url": f.site.url("/slow")})
	assert.Equal(t, schemas.Timeout, resp.Status)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestSession_ImplicitWaitFindsLateElement(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")
	f.ok(t, schemas.CmdSetTimeouts, nil, map[string]any{"implicit": 500.0})

	assert.NotEmpty(t, f.find(t, "#later"))
}

func TestSession_ImplicitWaitHasOneSecondFloor(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")
	f.ok(t, schemas.CmdSetTimeouts, nil, map[string]any{"implicit": 500.0})

	start := time.Now()
	resp := f.do(t, schemas.CmdFindElement, nil, map[string]any{"using": "css selector", "value": "#never"})
	elapsed := time.Since(start)
	assert.Equal(t, schemas.NoSuchElement, resp.Status)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)

	all := f.ok(t, schemas.CmdFindElements, nil, map[string]any{"using": "css selector", "value": "#never"})
	assert.Empty(t, all)
}

func TestSession_ElementQueries(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")
	id := f.find(t, "#a")
	el := map[string]string{"id": id}

	assert.Equal(t, "alpha", f.ok(t, schemas.CmdGetElementText, el, nil))
	assert.Equal(t, "div", f.ok(t, schemas.CmdGetElementTagName, el, nil))
	assert.Equal(t, true, f.ok(t, schemas.CmdIsElementDisplayed, el, nil))
	assert.Nil(t, f.ok(t, schemas.CmdGetElementAttribute, map[string]string{"id": id, "name": "title"}, nil))
	assert.Equal(t, "a", f.ok(t, schemas.CmdGetElementAttribute, map[string]string{"id": id, "name": "id"}, nil))

	rect, ok := f.ok(t, schemas.CmdGetElementRect, el, nil).(schemas.Rect)
	require.True(t, ok)
	assert.Equal(t, 100.0, rect.Width)

	children := f.ok(t, schemas.CmdFindChildElements, el, map[string]any{"using": "tag name", "value": "span"})
	assert.Empty(t, children)
}

func TestSession_StaleElementAfterNavigation(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")
	id := f.find(t, "#a")

	f.ok(t, schemas.CmdRefresh, nil, nil)
	resp := f.do(t, schemas.CmdGetElementText, map[string]string{"id": id}, nil)
	assert.Equal(t, schemas.StaleElement, resp.Status)
}

func TestSession_ClickAndSendKeys(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")

	f.ok(t, schemas.CmdElementClick, map[string]string{"id": f.find(t, "#b")}, nil)
	assert.Equal(t, "clicked", f.ok(t, schemas.CmdGetTitle, nil, nil))

	input := f.find(t, "#name")
	f.ok(t, schemas.CmdElementSendKeys, map[string]string{"id": input}, map[string]any{"text": "hey"})
	require.Eventually(t, func() bool {
		v := f.ok(t, schemas.CmdGetElementProperty, map[string]string{"id": input, "name": "value"}, nil)
		return v == "hey"
	}, 5*time.Second, 50*time.Millisecond)

	active := f.ok(t, schemas.CmdGetActiveElement, nil, nil)
	assert.Equal(t, schemas.ElementReference{ID: input}, active)
}

func TestSession_ScriptArgumentsRoundTrip(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")

	v := f.ok(t, schemas.CmdExecuteScript, nil, map[string]any{
		"script": "return arguments[0];",
		"args":   []any{map[string]any{"a": 1.0, "b": []any{2.0, "x", nil}}},
	})
	assert.JSONEq(t, `{"a":1,"b":[2,"x",null]}`, jsonOf(t, v))

	ref := f.ok(t, schemas.CmdExecuteScript, nil, map[string]any{
		"script": "return document.getElementById('a');",
	})
	el, ok := ref.(schemas.ElementReference)
	require.True(t, ok, "unexpected %T", ref)

	id := f.ok(t, schemas.CmdExecuteScript, nil, map[string]any{
		"script": "return arguments[0].id + arguments[1];",
		"args":   []any{map[string]any{schemas.ElementKey: el.ID}, "!"},
	})
	assert.Equal(t, "a!", id)

	resp := f.do(t, schemas.CmdExecuteScript, nil, map[string]any{"script": "throw new Error('nope');"})
	assert.Equal(t, schemas.UnexpectedJavaScriptError, resp.Status)
	assert.Contains(t, resp.Message, "nope")
}

func TestSession_AsyncScript(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")

	v := f.ok(t, schemas.CmdExecuteAsyncScript, nil, map[string]any{
		"script": "var done = arguments[arguments.length - 1]; setTimeout(function () { done(42); }, 20);",
	})
	assert.JSONEq(t, `42`, jsonOf(t, v))

	f.ok(t, schemas.CmdSetTimeouts, nil, map[string]any{"script": 200.0})
	start := time.Now()
	resp := f.do(t, schemas.CmdExecuteAsyncScript, nil, map[string]any{"script": "/* never calls back */"})
	assert.Equal(t, schemas.ScriptTimeout, resp.Status)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The session keeps working after abandoning the worker.
	assert.Equal(t, "home", f.ok(t, schemas.CmdGetTitle, nil, nil))
}

func TestSession_ZeroAndNullScriptTimeouts(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")

	f.ok(t, schemas.CmdSetTimeouts, nil, map[string]any{"script": 0.0})
	start := time.Now()
	resp := f.do(t, schemas.CmdExecuteAsyncScript, nil, map[string]any{"script": "/* never calls back */"})
	assert.Equal(t, schemas.ScriptTimeout, resp.Status)
	assert.Less(t, time.Since(start), time.Second, "a zero timeout expires at the first poll")

	f.ok(t, schemas.CmdSetTimeouts, nil, map[string]any{"script": nil})
	v := f.ok(t, schemas.CmdExecuteAsyncScript, nil, map[string]any{
		"script": "var done = arguments[0]; setTimeout(function () { done('late'); }, 150);",
	})
	assert.Equal(t, "late", v)
}

func TestSession_CommandsAreOrdered(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")

	order := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp := f.do(t, schemas.CmdExecuteAsyncScript, nil, map[string]any{
			"script": "var done = arguments[0]; setTimeout(function () { done('slow'); }, 300);",
		})
		if resp.IsSuccess() {
			order <- "slow"
		}
	}()
	time.Sleep(50 * time.Millisecond)
	resp := f.do(t, schemas.CmdGetTitle, nil, nil)
	require.True(t, resp.IsSuccess())
	order <- "fast"
	wg.Wait()
	close(order)

	var got []string
	for o := range order {
		got = append(got, o)
	}
	assert.Equal(t, []string{"slow", "fast"}, got)
}

func TestSession_AlertPolicy(t *testing.T) {
	tests := []struct {
		policy    string
		stillOpen bool
	}{
		{policy: "accept"},
		{policy: "dismiss and notify"},
		{policy: "ignore", stillOpen: true},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			f := newFixture(t, config.DriverConfig{UnhandledPromptBehavior: tt.policy})
			f.open(t, "/")

			// The script blocks on the dialog, which ends the wait with null.
			v := f.ok(t, schemas.CmdExecuteScript, nil, map[string]any{"script": "alert('hi');"})
			assert.Nil(t, v)
			assert.Equal(t, "hi", f.ok(t, schemas.CmdGetAlertText, nil, nil))

			resp := f.do(t, schemas.CmdGetTitle, nil, nil)
			assert.Equal(t, schemas.UnexpectedAlertOpen, resp.Status)
			assert.Contains(t, resp.Message, "{Alert text : hi}")

			resp = f.do(t, schemas.CmdGetAlertText, nil, nil)
			if tt.stillOpen {
				assert.Equal(t, schemas.Success, resp.Status)
				f.ok(t, schemas.CmdAcceptAlert, nil, nil)
			} else {
				assert.Equal(t, schemas.NoSuchAlert, resp.Status)
			}
			assert.Equal(t, "home", f.ok(t, schemas.CmdGetTitle, nil, nil))
		})
	}
}

func TestSession_StatusFollowsSessionState(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")

	status := f.ok(t, schemas.CmdStatus, nil, nil).(map[string]any)
	assert.Equal(t, true, status["ready"])

	f.ok(t, schemas.CmdExecuteScript, nil, map[string]any{"script": "alert('wait');"})
	status = f.ok(t, schemas.CmdStatus, nil, nil).(map[string]any)
	assert.Equal(t, false, status["ready"])
	assert.Equal(t, "a user prompt is open", status["message"])

	f.ok(t, schemas.CmdAcceptAlert, nil, nil)
	status = f.ok(t, schemas.CmdStatus, nil, nil).(map[string]any)
	assert.Equal(t, true, status["ready"])
}

// rectLosingHost hands out windows whose geometry can no longer be read
// once they have been resized.
type rectLosingHost struct {
	automation.Host
}

func (h rectLosingHost) Open(ctx context.Context) (automation.Browser, error) {
	b, err := h.Host.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &rectLosingBrowser{Browser: b}, nil
}

type rectLosingBrowser struct {
	automation.Browser
	resized atomic.Bool
}

func (b *rectLosingBrowser) SetWindowRect(ctx context.Context, r schemas.Rect) error {
	b.resized.Store(true)
	return b.Browser.SetWindowRect(ctx, r)
}

func (b *rectLosingBrowser) Maximize(ctx context.Context) error {
	b.resized.Store(true)
	return b.Browser.Maximize(ctx)
}

func (b *rectLosingBrowser) WindowRect(ctx context.Context) (schemas.Rect, error) {
	if b.resized.Load() {
		return schemas.Rect{}, automation.ErrDetached
	}
	return b.Browser.WindowRect(ctx)
}

func TestSession_WindowRectErrorsAreTyped(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")
	got := f.ok(t, schemas.CmdSetWindowRect, nil, map[string]any{"width": 640.0, "height": 480.0})
	rect, ok := got.(schemas.Rect)
	require.True(t, ok, "unexpected rect %T", got)
	assert.Equal(t, 640.0, rect.Width)

	for _, typ := range []schemas.CommandType{schemas.CmdSetWindowRect, schemas.CmdMaximizeWindow} {
		f := newFixtureOn(t, config.DriverConfig{}, func(h automation.Host) automation.Host { return rectLosingHost{Host: h} })
		f.open(t, "/")
		resp := f.do(t, typ, nil, map[string]any{"width": 640.0})
		assert.Equal(t, schemas.NoSuchWindow, resp.Status, "%s: %s", typ, resp.Message)
	}
}

func TestSession_PromptText(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")

	f.ok(t, schemas.CmdExecuteScript, nil, map[string]any{
		"script": "document.title = prompt('name?') || 'none';",
	})
	f.ok(t, schemas.CmdSendAlertText, nil, map[string]any{"text": "bob"})
	f.ok(t, schemas.CmdAcceptAlert, nil, nil)
	require.Eventually(t, func() bool {
		return f.ok(t, schemas.CmdGetTitle, nil, nil) == "bob"
	}, 5*time.Second, 20*time.Millisecond)

	resp := f.do(t, schemas.CmdDismissAlert, nil, nil)
	assert.Equal(t, schemas.NoSuchAlert, resp.Status)
}

func TestSession_Frames(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/framed")

	resp := f.do(t, schemas.CmdSwitchToFrame, nil, map[string]any{"id": 3.0})
	assert.Equal(t, schemas.NoSuchFrame, resp.Status)

	f.ok(t, schemas.CmdSwitchToFrame, nil, map[string]any{"id": 0.0})
	inner := f.find(t, "#inner")
	assert.Equal(t, "inside", f.ok(t, schemas.CmdGetElementText, map[string]string{"id": inner}, nil))

	f.ok(t, schemas.CmdSwitchToParentFrame, nil, nil)
	resp = f.do(t, schemas.CmdFindElement, nil, map[string]any{"using": "css selector", "value": "#inner"})
	assert.Equal(t, schemas.NoSuchElement, resp.Status)

	frame := f.find(t, "#f")
	f.ok(t, schemas.CmdSwitchToFrame, nil, map[string]any{"id": map[string]any{schemas.ElementKey: frame}})
	assert.NotEmpty(t, f.find(t, "#inner"))
	f.ok(t, schemas.CmdSwitchToFrame, nil, map[string]any{"id": nil})
	assert.NotEmpty(t, f.find(t, "#f"))
}

func TestSession_Windows(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")
	first := f.ok(t, schemas.CmdGetWindowHandle, nil, nil).(string)

	opened := f.ok(t, schemas.CmdNewWindow, nil, nil).(map[string]any)
	second := opened["handle"].(string)
	assert.ElementsMatch(t, []string{first, second}, f.ok(t, schemas.CmdGetWindowHandles, nil, nil))

	f.ok(t, schemas.CmdSwitchToWindow, nil, map[string]any{"handle": second})
	remaining := f.ok(t, schemas.CmdCloseWindow, nil, nil)
	assert.Equal(t, []string{first}, remaining)

	resp := f.do(t, schemas.CmdGetTitle, nil, nil)
	assert.Equal(t, schemas.NoSuchWindow, resp.Status)

	resp = f.do(t, schemas.CmdSwitchToWindow, nil, map[string]any{"handle": second})
	assert.Equal(t, schemas.NoSuchWindow, resp.Status)

	f.ok(t, schemas.CmdSwitchToWindow, nil, map[string]any{"handle": first})
	assert.Equal(t, []string{}, f.ok(t, schemas.CmdCloseWindow, nil, nil))
	select {
	case <-f.s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("closing the last window did not end the session")
	}
}

// lossyHost loses every host event and reports the loss, leaving the
// session to learn about windows from Windows alone.
type lossyHost struct {
	automation.Host
	events  chan automation.Event
	dropped atomic.Bool

	mu      sync.Mutex
	windows []automation.Browser
}

func newLossyHost(t *testing.T, h automation.Host) *lossyHost {
	l := &lossyHost{Host: h, events: make(chan automation.Event)}
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case ev := <-h.Events():
				l.lose(ev)
			case <-done:
				return
			}
		}
	}()
	return l
}

func (l *lossyHost) lose(ev automation.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch ev.Type {
	case automation.EventNewWindow:
		l.windows = append(l.windows, ev.Browser)
	case automation.EventWindowClosed:
		for i, b := range l.windows {
			if b.Handle() == ev.Handle {
				l.windows = append(l.windows[:i], l.windows[i+1:]...)
				break
			}
		}
	}
	l.dropped.Store(true)
}

func (l *lossyHost) Open(ctx context.Context) (automation.Browser, error) {
	b, err := l.Host.Open(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.windows = append(l.windows, b)
	l.mu.Unlock()
	return b, nil
}

func (l *lossyHost) Events() <-chan automation.Event { return l.events }

func (l *lossyHost) Dropped() bool { return l.dropped.Swap(false) }

func (l *lossyHost) Windows() []automation.Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]automation.Browser(nil), l.windows...)
}

func TestSession_WindowsResyncAfterDroppedEvents(t *testing.T) {
	f := newFixtureOn(t, config.DriverConfig{}, func(h automation.Host) automation.Host { return newLossyHost(t, h) })
	f.open(t, "/")
	first := f.ok(t, schemas.CmdGetWindowHandle, nil, nil).(string)

	opened := f.ok(t, schemas.CmdNewWindow, nil, nil).(map[string]any)
	second := opened["handle"].(string)
	assert.ElementsMatch(t, []string{first, second}, f.ok(t, schemas.CmdGetWindowHandles, nil, nil))

	f.ok(t, schemas.CmdExecuteScript, nil, map[string]any{"script": "window.open('about:blank');"})
	require.Eventually(t, func() bool {
		handles, _ := f.ok(t, schemas.CmdGetWindowHandles, nil, nil).([]string)
		return len(handles) == 3
	}, 5*time.Second, 20*time.Millisecond)

	f.ok(t, schemas.CmdSwitchToWindow, nil, map[string]any{"handle": second})
	remaining := f.ok(t, schemas.CmdCloseWindow, nil, nil).([]string)
	assert.Len(t, remaining, 2)
	assert.Contains(t, remaining, first)
}

func TestSession_Cookies(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")

	f.ok(t, schemas.CmdAddCookie, nil, map[string]any{"cookie": map[string]any{"name": "k", "value": "v"}})
	c, ok := f.ok(t, schemas.CmdGetNamedCookie, map[string]string{"name": "k"}, nil).(schemas.Cookie)
	require.True(t, ok)
	assert.Equal(t, "v", c.Value)

	resp := f.do(t, schemas.CmdAddCookie, nil, map[string]any{"cookie": map[string]any{"name": "k"}})
	assert.Equal(t, schemas.InvalidArgument, resp.Status)

	f.ok(t, schemas.CmdDeleteCookie, map[string]string{"name": "k"}, nil)
	resp = f.do(t, schemas.CmdGetNamedCookie, map[string]string{"name": "k"}, nil)
	assert.Equal(t, schemas.NoSuchCookie, resp.Status)
}

func TestSession_Screenshots(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")

	shot := f.ok(t, schemas.CmdTakeScreenshot, nil, nil).(string)
	data, err := base64.StdEncoding.DecodeString(shot)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data[:4])

	el := f.ok(t, schemas.CmdElementScreenshot, map[string]string{"id": f.find(t, "#b")}, nil).(string)
	data, err = base64.StdEncoding.DecodeString(el)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
	assert.Less(t, len(el), len(shot))
}

func TestSession_PerformActions(t *testing.T) {
	f := newFixture(t, config.DriverConfig{})
	f.open(t, "/")
	button := f.find(t, "#b")

	f.ok(t, schemas.CmdPerformActions, nil, map[string]any{"actions": []any{
		map[string]any{
			"type": "pointer",
			"id":   "mouse",
			"actions": []any{
				map[string]any{"type": "pointerMove", "x": 0.0, "y": 0.0, "origin": map[string]any{schemas.ElementKey: button}},
				map[string]any{"type": "pointerDown", "button": 0.0},
				map[string]any{"type": "pointerUp", "button": 0.0},
			},
		},
	}})
	assert.Equal(t, "clicked", f.ok(t, schemas.CmdGetTitle, nil, nil))
	f.ok(t, schemas.CmdReleaseActions, nil, nil)
}

type stubBrowser struct {
	automation.Browser
	dialog  bool
	started bool
	busy    bool
	ready   string
}

func (b *stubBrowser) Dialog() (automation.Dialog, bool) { return nil, b.dialog }
func (b *stubBrowser) NavigationStarted() bool            { return b.started }
func (b *stubBrowser) Busy() bool                         { return b.busy }
func (b *stubBrowser) ReadyState() string                 { return b.ready }
func (b *stubBrowser) Document() automation.Document      { return nil }

func TestWait(t *testing.T) {
	tests := []struct {
		name string
		b    stubBrowser
		want bool
	}{
		{"complete", stubBrowser{ready: automation.ReadyComplete}, true},
		{"loading", stubBrowser{ready: "loading"}, false},
		{"busy", stubBrowser{ready: automation.ReadyComplete, busy: true}, false},
		{"just started", stubBrowser{ready: automation.ReadyComplete, started: true}, false},
		{"dialog wins", stubBrowser{ready: "loading", busy: true, dialog: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Wait(&tt.b))
		})
	}
}
