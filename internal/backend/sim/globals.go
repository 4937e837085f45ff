package sim

import (
	"context"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/scalpel-driver/internal/automation"
)

const animationShim = `(function (w) {
  w.requestAnimationFrame = function (cb) { return setTimeout(function () { cb(Date.now()); }, 16); };
  w.cancelAnimationFrame = function (id) { clearTimeout(id); };
})`

func (m *dom) defineWindow(global *goja.Object) {
	vm := m.vm
	define := func(name string, get func() goja.Value) {
		getter := vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
		if err := global.DefineAccessorProperty(name, getter, nil, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
			m.logger.Error("Failed to define window property.", zap.String("property", name), zap.Error(err))
		}
	}
	define("innerWidth", func() goja.Value { return vm.ToValue(m.viewportWidth()) })
	define("innerHeight", func() goja.Value { return vm.ToValue(m.viewportHeight()) })
	define("outerWidth", func() goja.Value { return vm.ToValue(m.doc.win.viewportW.Load()) })
	define("outerHeight", func() goja.Value { return vm.ToValue(m.doc.win.viewportH.Load()) })
	for _, name := range []string{"scrollX", "pageXOffset"} {
		define(name, func() goja.Value { return vm.ToValue(m.scrollX) })
	}
	for _, name := range []string{"scrollY", "pageYOffset"} {
		define(name, func() goja.Value { return vm.ToValue(m.scrollY) })
	}
	_ = global.Set("devicePixelRatio", 1)
	_ = global.Set("name", "")
	_ = global.Set("frameElement", goja.Null())
	_ = global.Set("closed", false)

	scroll := func(relative bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			var x, y float64
			if obj, ok := call.Argument(0).(*goja.Object); ok {
				x, y = m.scrollX, m.scrollY
				if relative {
					x, y = 0, 0
				}
				if v := obj.Get("left"); v != nil && !goja.IsUndefined(v) {
					x = v.ToFloat()
				}
				if v := obj.Get("top"); v != nil && !goja.IsUndefined(v) {
					y = v.ToFloat()
				}
			} else {
				x, y = call.Argument(0).ToFloat(), call.Argument(1).ToFloat()
			}
			if relative {
				x, y = m.scrollX+x, m.scrollY+y
			}
			m.scrollTo(nil, x, y)
			return goja.Undefined()
		}
	}
	_ = global.Set("scrollTo", scroll(false))
	_ = global.Set("scroll", scroll(false))
	_ = global.Set("scrollBy", scroll(true))

	_ = global.Set("getComputedStyle", func(call goja.FunctionCall) goja.Value {
		n, ok := m.unwrap(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("getComputedStyle: argument is not an Element"))
		}
		return m.computedStyle(n)
	})

	_ = global.Set("alert", func(call goja.FunctionCall) goja.Value {
		m.showDialog(automation.DialogAlert, messageArg(call, 0), "")
		return goja.Undefined()
	})
	_ = global.Set("confirm", func(call goja.FunctionCall) goja.Value {
		ok, _ := m.showDialog(automation.DialogConfirm, messageArg(call, 0), "")
		return vm.ToValue(ok)
	})
	_ = global.Set("prompt", func(call goja.FunctionCall) goja.Value {
		ok, text := m.showDialog(automation.DialogPrompt, messageArg(call, 0), messageArg(call, 1))
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(text)
	})

	_ = global.Set("open", func(call goja.FunctionCall) goja.Value {
		raw := messageArg(call, 0)
		if raw != "" {
			u, err := resolveURL(raw, m.doc.url)
			if err != nil {
				return goja.Null()
			}
			raw = u.String()
		}
		go m.doc.win.host.openWindow(raw, m.doc.win)
		return goja.Null()
	})
	_ = global.Set("close", func(goja.FunctionCall) goja.Value {
		if m.doc.parent == nil {
			go func() { _ = m.doc.win.Close(context.Background()) }()
		}
		return goja.Undefined()
	})
	_ = global.Set("focus", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	_ = global.Set("blur", func(goja.FunctionCall) goja.Value { return goja.Undefined() })

	_ = global.Set("location", m.location())
	_ = global.Set("history", m.history())
	_ = global.Set("navigator", m.navigator())
	screen := vm.NewObject()
	_ = screen.Set("width", screenWidth)
	_ = screen.Set("height", screenHeight)
	_ = screen.Set("availWidth", screenWidth)
	_ = screen.Set("availHeight", screenHeight)
	_ = global.Set("screen", screen)

	if fn, err := vm.RunString(animationShim); err == nil {
		if shim, ok := goja.AssertFunction(fn); ok {
			_, _ = shim(goja.Undefined(), global)
		}
	}
}

func messageArg(call goja.FunctionCall, i int) string {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func (m *dom) location() *goja.Object {
	vm := m.vm
	loc := vm.NewObject()
	part := func(name string, get func() string) {
		getter := vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(get()) })
		_ = loc.DefineAccessorProperty(name, getter, nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
	}
	u := m.doc.url
	part("protocol", func() string { return u.Scheme + ":" })
	part("host", func() string { return u.Host })
	part("hostname", func() string { return u.Hostname() })
	part("port", func() string { return u.Port() })
	part("pathname", func() string {
		if u.Opaque != "" {
			return u.Opaque
		}
		return u.EscapedPath()
	})
	part("search", func() string {
		if u.RawQuery == "" {
			return ""
		}
		return "?" + u.RawQuery
	})
	part("hash", func() string {
		if u.Fragment == "" {
			return ""
		}
		return "#" + u.EscapedFragment()
	})
	part("origin", func() string {
		if u.Scheme == "http" || u.Scheme == "https" {
			return u.Scheme + "://" + u.Host
		}
		return "null"
	})

	assign := func(call goja.FunctionCall) goja.Value {
		target, err := resolveURL(call.Argument(0).String(), u)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		m.navigate(request{url: target})
		return goja.Undefined()
	}
	href := vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(u.String()) })
	setHref := vm.ToValue(assign)
	_ = loc.DefineAccessorProperty("href", href, setHref, goja.FLAG_TRUE, goja.FLAG_TRUE)
	_ = loc.Set("assign", assign)
	_ = loc.Set("replace", assign)
	_ = loc.Set("reload", func(goja.FunctionCall) goja.Value {
		if m.doc.parent == nil {
			_ = m.doc.win.Refresh(context.Background())
		}
		return goja.Undefined()
	})
	_ = loc.Set("toString", func(goja.FunctionCall) goja.Value { return vm.ToValue(u.String()) })
	return loc
}

func (m *dom) history() *goja.Object {
	vm := m.vm
	w := m.doc.win
	h := vm.NewObject()
	traverse := func(delta int) {
		if m.doc.parent == nil && delta != 0 {
			_ = w.traverse(delta)
		}
	}
	_ = h.Set("back", func(goja.FunctionCall) goja.Value { traverse(-1); return goja.Undefined() })
	_ = h.Set("forward", func(goja.FunctionCall) goja.Value { traverse(1); return goja.Undefined() })
	_ = h.Set("go", func(call goja.FunctionCall) goja.Value {
		traverse(int(call.Argument(0).ToInteger()))
		return goja.Undefined()
	})
	length := vm.ToValue(func(goja.FunctionCall) goja.Value {
		w.mu.Lock()
		defer w.mu.Unlock()
		return vm.ToValue(len(w.history))
	})
	_ = h.DefineAccessorProperty("length", length, nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
	return h
}

func (m *dom) navigator() *goja.Object {
	vm := m.vm
	nav := vm.NewObject()
	_ = nav.Set("userAgent", userAgent)
	_ = nav.Set("appName", "Netscape")
	_ = nav.Set("platform", "Linux x86_64")
	_ = nav.Set("language", "en-US")
	_ = nav.Set("languages", vm.NewArray("en-US", "en"))
	_ = nav.Set("cookieEnabled", true)
	_ = nav.Set("webdriver", true)
	return nav
}

// defineConsole routes console output to the document logger.
func (m *dom) defineConsole(global *goja.Object) {
	console := m.vm.NewObject()
	stringify, _ := goja.AssertFunction(m.vm.Get("JSON").ToObject(m.vm).Get("stringify"))
	logFunc := func(level zapcore.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				if _, ok := arg.(*goja.Object); ok && stringify != nil {
					if out, err := stringify(goja.Undefined(), arg); err == nil && !goja.IsUndefined(out) {
						args[i] = out.String()
						continue
					}
				}
				args[i] = arg.String()
			}
			m.logger.Log(level, "Page console.", zap.String("message", strings.Join(args, " ")))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logFunc(zap.InfoLevel))
	_ = console.Set("info", logFunc(zap.InfoLevel))
	_ = console.Set("warn", logFunc(zap.WarnLevel))
	_ = console.Set("error", logFunc(zap.ErrorLevel))
	_ = console.Set("debug", logFunc(zap.DebugLevel))
	_ = global.Set("console", console)
}
