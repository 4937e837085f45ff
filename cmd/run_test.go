// File: cmd/run_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/driver"
)

const greetingPage = `<!DOCTYPE html>
<html><head><title>Hello</title></head>
<body><p id="greeting">hi there</p></body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, greetingPage)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func script(lines ...string) string { return strings.Join(lines, "\n") + "\n" }

func TestRunCmd_SimBackend(t *testing.T) {
	srv := newSite(t)
	input := script(
		`# open a session and read the page`,
		`{"name":"newSession"}`,
		``,
		fmt.Sprintf(`{"name":"get","parameters":{"url":%q}}`, srv.URL+"/"),
		`{"name":"getTitle"}`,
		`{"name":"findElement","parameters":{"using":"css selector","value":"#greeting"}}`,
		`not json`,
		`{"name":"quit"}`,
	)

	out, err := executeCommand(t, input, "run", "--backend", "sim")
	require.NoError(t, err)

	replies := decodeReplies(t, out)
	require.Len(t, replies, 6)

	sessionID, _ := replies[0]["sessionId"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "newSession", replies[0]["name"])
	assert.EqualValues(t, 2, replies[0]["line"])

	assert.Equal(t, "", responseError(t, replies[1]))
	assert.Equal(t, sessionID, replies[1]["sessionId"])

	assert.Equal(t, "Hello", responseValue(t, replies[2]))

	ref, ok := responseValue(t, replies[3]).(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, ref[schemas.ElementKey])

	assert.Equal(t, "invalid argument", responseError(t, replies[4]))
	assert.EqualValues(t, 7, replies[4]["line"])

	assert.Equal(t, "quit", replies[5]["name"])
	assert.Equal(t, "", responseError(t, replies[5]))
}

func TestRunCmd_InputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(script(`{"name":"status"}`)), 0o600))

	out, err := executeCommand(t, "", "run", "-i", path)
	require.NoError(t, err)

	replies := decodeReplies(t, out)
	require.Len(t, replies, 1)
	value, ok := responseValue(t, replies[0]).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, value["ready"])
}

func TestRunCmd_MissingInputFile(t *testing.T) {
	_, err := executeCommand(t, "", "run", "--input", filepath.Join(t.TempDir(), "absent.jsonl"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open command file")
}

func newTestDriver(t *testing.T) *driver.Driver {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig()
	d, err := driver.New(driver.Options{
		Config:  cfg.Driver(),
		NewHost: hostFactory(cfg, logger),
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, d.Shutdown(ctx))
	})
	return d
}

func TestRunCommands_SessionRouting(t *testing.T) {
	d := newTestDriver(t)
	input := script(
		`{"name":"getTimeouts"}`,
		`{"name":"newSession"}`,
		`{"name":"getTimeouts"}`,
		`{"name":"newSession"}`,
		`{"name":"getWindowHandle"}`,
		`{"name":"getTimeouts","sessionId":"no-such-session"}`,
		`{"name":"status"}`,
	)

	var out bytes.Buffer
	require.NoError(t, runCommands(context.Background(), d, strings.NewReader(input), &out, zaptest.NewLogger(t)))
	replies := decodeReplies(t, out.String())
	require.Len(t, replies, 7)

	t.Run("commands before a session fail", func(t *testing.T) {
		assert.Equal(t, "invalid session id", responseError(t, replies[0]))
	})

	first, _ := replies[1]["sessionId"].(string)
	second, _ := replies[3]["sessionId"].(string)
	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	require.NotEqual(t, first, second)

	t.Run("commands follow the newest session", func(t *testing.T) {
		assert.Equal(t, first, replies[2]["sessionId"])
		timeouts, ok := responseValue(t, replies[2]).(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 30000, timeouts["script"])

		assert.Equal(t, second, replies[4]["sessionId"])
		assert.Equal(t, "", responseError(t, replies[4]))
	})

	t.Run("explicit session ids are kept", func(t *testing.T) {
		assert.Equal(t, "no-such-session", replies[5]["sessionId"])
		assert.Equal(t, "invalid session id", responseError(t, replies[5]))
	})

	t.Run("status stays driver wide", func(t *testing.T) {
		value, ok := responseValue(t, replies[6]).(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "2 active sessions", value["message"])
	})

	assert.ElementsMatch(t, []string{first, second}, d.Sessions())
}

func TestRunCommands_StopsWhenCancelled(t *testing.T) {
	d := newTestDriver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := runCommands(ctx, d, strings.NewReader(script(`{"name":"status"}`)), &out, zaptest.NewLogger(t))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out.String())
}
