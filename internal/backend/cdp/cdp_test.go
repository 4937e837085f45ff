package cdp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/input/keys"
)

const waitFor = 10 * time.Second

func TestAllocatorFlags(t *testing.T) {
	t.Run("HeadlessByDefault", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: true})
		assert.NotContains(t, flags, "headless")
	})

	t.Run("HeadlessDisabled", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: false})
		assert.Equal(t, false, flags["headless"])
	})

	t.Run("IgnoreTLSErrors", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: true, IgnoreTLSErrors: true})
		assert.Equal(t, true, flags["ignore-certificate-errors"])
	})

	t.Run("WindowSize", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: true, WindowWidth: 800, WindowHeight: 600})
		assert.Equal(t, "800,600", flags["window-size"])
	})

	t.Run("ExtraArgs", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{
			Headless: true,
			Args:     []string{"--lang=de", "mute-audio", "--", "--headless=new"},
		})
		assert.Equal(t, "de", flags["lang"])
		assert.Equal(t, true, flags["mute-audio"])
		assert.Equal(t, "new", flags["headless"])
		assert.NotContains(t, flags, "")
	})
}

func TestHost_DroppedEventsAndWindows(t *testing.T) {
	h := &Host{
		logger:  zaptest.NewLogger(t),
		events:  make(chan automation.Event, 1),
		windows: make(map[target.ID]*Window),
	}
	for _, id := range []target.ID{"b", "a", "c"} {
		h.windows[id] = &Window{host: h, id: id}
	}
	h.windows["c"].detached.Store(true)

	assert.False(t, h.Dropped())
	h.emit(automation.Event{Type: automation.EventWindowClosed, Handle: "x"})
	assert.False(t, h.Dropped(), "an event that fits is not a drop")
	h.emit(automation.Event{Type: automation.EventWindowClosed, Handle: "y"})
	assert.True(t, h.Dropped())
	assert.False(t, h.Dropped(), "Dropped clears the flag")

	var handles []string
	for _, w := range h.Windows() {
		handles = append(handles, w.Handle())
	}
	assert.Equal(t, []string{"a", "b"}, handles)
}

func TestAllocatorOptions(t *testing.T) {
	base := len(AllocatorOptions(config.BrowserConfig{Headless: true}))
	opts := AllocatorOptions(config.BrowserConfig{
		Headless:        true,
		BinaryPath:      "/usr/bin/chromium",
		UserDataDir:     t.TempDir(),
		IgnoreTLSErrors: true,
	})
	assert.Equal(t, base+3, len(opts))
}

// chromePath finds a browser for the integration tests. SCALPEL_CHROME
// overrides the search.
func chromePath(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("SCALPEL_CHROME"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome or Chromium binary found")
	return ""
}

func openWindow(t *testing.T) (*Host, *Window) {
	t.Helper()
	if testing.Short() {
		t.Skip("browser tests are skipped in short mode")
	}
	cfg := config.BrowserConfig{
		Headless:     true,
		BinaryPath:   chromePath(t),
		WindowWidth:  800,
		WindowHeight: 600,
		Args:         []string{"no-sandbox"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h, err := NewHost(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Quit(context.Background()) })

	b, err := h.Open(ctx)
	require.NoError(t, err)
	return h, b.(*Window)
}

func newSite(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for path, body := range pages {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, body)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func load(t *testing.T, w *Window, url string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, w.Navigate(ctx, url))
	require.Eventually(t, func() bool {
		w.NavigationStarted()
		return !w.Busy() && w.ReadyState() == automation.ReadyComplete
	}, waitFor, 20*time.Millisecond)
}

func run(t *testing.T, d automation.Document, fn string, args ...automation.Value) automation.Value {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	v, err := d.Execute(ctx, fn, args)
	require.NoError(t, err)
	return v
}

const testPage = `<html><head><title>cdp</title></head><body>
<p id="p">text</p>
<button id="b" style="position:absolute;left:10px;top:10px;width:100px;height:40px"
  onclick="document.title = 'clicked'">go</button>
<input id="i" style="position:absolute;left:10px;top:80px">
<iframe id="f" src="/inner" style="position:absolute;left:10px;top:150px"></iframe>
</body></html>`

func TestWindow_NavigateAndExecute(t *testing.T) {
	srv := newSite(t, map[string]string{
		"/":      testPage,
		"/inner": `<html><body><span id="s">inside</span></body></html>`,
	})
	_, w := openWindow(t)
	load(t, w, srv.URL+"/")

	assert.Equal(t, "cdp", w.Title())
	assert.Equal(t, srv.URL+"/", w.URL())

	doc := w.Document()
	assert.Same(t, doc, w.Document())

	v := run(t, doc, "function (a, b) { return a + b; }", automation.Integer(40), automation.Integer(2))
	assert.Equal(t, automation.Integer(42), v)

	v = run(t, doc, "function () { return Promise.resolve('later'); }")
	assert.Equal(t, "later", v.Str())

	v = run(t, doc, "function () { return undefined; }")
	assert.True(t, v.IsEmpty())

	el := run(t, doc, "function () { return document.getElementById('p'); }")
	require.True(t, el.IsObject())
	again := run(t, doc, "function () { return document.getElementById('p'); }")
	assert.Equal(t, el.AsObject().Identity(), again.AsObject().Identity())
	again.AsObject().Release()

	v = run(t, doc, "function (e) { return e.textContent; }", el)
	assert.Equal(t, "text", v.Str())

	_, err := doc.Execute(context.Background(), "function () { throw new Error('boom'); }", nil)
	var se *automation.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "boom")

	frames := doc.Frames()
	require.Len(t, frames, 1)
	iframe := run(t, doc, "function () { return document.getElementById('f'); }")
	fdoc, err := doc.FrameFor(context.Background(), iframe.AsObject())
	require.NoError(t, err)
	assert.Same(t, frames[0], fdoc)
	v = run(t, fdoc, "function () { return document.getElementById('s').textContent; }")
	assert.Equal(t, "inside", v.Str())

	_, err = doc.FrameFor(context.Background(), el.AsObject())
	assert.ErrorIs(t, err, automation.ErrNoSuchFrame)

	load(t, w, srv.URL+"/inner")
	_, err = doc.Execute(context.Background(), "function () { return 1; }", nil)
	assert.ErrorIs(t, err, automation.ErrDetached)
}

func TestWindow_Dialogs(t *testing.T) {
	srv := newSite(t, map[string]string{"/": testPage})
	_, w := openWindow(t)
	load(t, w, srv.URL+"/")

	done := make(chan automation.Value, 1)
	go func() {
		v, _ := w.Document().Execute(context.Background(), "function () { return prompt('name?'); }", nil)
		done <- v
	}()
	require.Eventually(t, func() bool { _, ok := w.Dialog(); return ok }, waitFor, 10*time.Millisecond)

	d, _ := w.Dialog()
	assert.Equal(t, automation.DialogPrompt, d.Type())
	assert.Equal(t, "name?", d.Text())
	require.NoError(t, d.SendText(context.Background(), "ada"))
	require.NoError(t, d.Accept(context.Background()))

	select {
	case v := <-done:
		assert.Equal(t, "ada", v.Str())
	case <-time.After(waitFor):
		t.Fatal("prompt did not return")
	}
	_, open := w.Dialog()
	assert.False(t, open)
	assert.ErrorIs(t, d.Accept(context.Background()), automation.ErrNoDialog)
}

func TestWindow_Input(t *testing.T) {
	srv := newSite(t, map[string]string{"/": testPage})
	_, w := openWindow(t)
	load(t, w, srv.URL+"/")
	ctx := context.Background()
	in := w.Input()
	none := automation.InputContext{}

	require.NoError(t, in.MouseMove(ctx, 60, 30, none))
	require.NoError(t, in.MouseButton(ctx, schemas.ButtonLeft, true, 60, 30, none))
	require.NoError(t, in.MouseButton(ctx, schemas.ButtonLeft, false, 60, 30, none))
	require.Eventually(t, func() bool { return w.Title() == "clicked" }, waitFor, 20*time.Millisecond)

	field := run(t, w.Document(), "function () { var i = document.getElementById('i'); i.focus(); return i; }")
	ic := automation.InputContext{Target: field.AsObject(), Relative: true}
	require.NoError(t, in.MouseButton(ctx, schemas.ButtonLeft, true, 0, 0, ic))
	require.NoError(t, in.MouseButton(ctx, schemas.ButtonLeft, false, 0, 0, ic))

	require.NoError(t, in.Key(ctx, automation.KeyEvent{VirtualKey: keys.VKShift, Down: true}, ic))
	require.NoError(t, in.Key(ctx, automation.KeyEvent{VirtualKey: 0x41, Down: true}, ic))
	require.NoError(t, in.Key(ctx, automation.KeyEvent{VirtualKey: 0x41}, ic))
	require.NoError(t, in.Key(ctx, automation.KeyEvent{VirtualKey: keys.VKShift}, ic))
	for _, r := range "bc" {
		require.NoError(t, in.Key(ctx, automation.KeyEvent{Unicode: r, Down: true}, ic))
		require.NoError(t, in.Key(ctx, automation.KeyEvent{Unicode: r}, ic))
	}
	require.Eventually(t, func() bool {
		v := run(t, w.Document(), "function (e) { return e.value; }", field)
		return v.Str() == "Abc"
	}, waitFor, 20*time.Millisecond)
}

func TestWindow_CookiesAndGeometry(t *testing.T) {
	srv := newSite(t, map[string]string{"/": testPage})
	_, w := openWindow(t)
	load(t, w, srv.URL+"/")
	ctx := context.Background()

	require.NoError(t, w.SetCookie(ctx, schemas.Cookie{Name: "flavor", Value: "oat", Path: "/"}))
	cookies, err := w.Cookies(ctx)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "oat", cookies[0].Value)

	require.NoError(t, w.DeleteCookie(ctx, "flavor"))
	cookies, err = w.Cookies(ctx)
	require.NoError(t, err)
	assert.Empty(t, cookies)

	vp, err := w.ViewportRect(ctx)
	require.NoError(t, err)
	assert.Positive(t, vp.Width)
	assert.Positive(t, vp.Height)

	png, err := w.Screenshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

func TestHost_PopupAndClose(t *testing.T) {
	srv := newSite(t, map[string]string{"/": testPage})
	h, w := openWindow(t)
	load(t, w, srv.URL+"/")

	run(t, w.Document(), "function () { window.open('about:blank', '_blank'); }")

	var popup automation.Browser
	select {
	case ev := <-h.Events():
		require.Equal(t, automation.EventNewWindow, ev.Type)
		popup = ev.Browser
	case <-time.After(waitFor):
		t.Fatal("no window event")
	}
	require.NotEqual(t, w.Handle(), popup.Handle())

	require.NoError(t, popup.Close(context.Background()))
	select {
	case ev := <-h.Events():
		assert.Equal(t, automation.EventWindowClosed, ev.Type)
		assert.Equal(t, popup.Handle(), ev.Handle)
	case <-time.After(waitFor):
		t.Fatal("no close event")
	}
	assert.ErrorIs(t, popup.Close(context.Background()), automation.ErrDetached)

	_, err := h.Open(context.Background())
	assert.Error(t, err)
}
