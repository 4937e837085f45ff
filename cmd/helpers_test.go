// File: cmd/helpers_test.go
package cmd

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// executeCommand runs a fresh command tree with args and returns everything
// it printed.
func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	// Keep the global logger quiet and out of the captured output.
	t.Setenv("SCALPEL_DRIVER_LOGGER_LEVEL", "error")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// createTempConfig writes content to a config file under a test directory.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// decodeReplies parses run output, one JSON document per line.
func decodeReplies(t *testing.T, out string) []map[string]any {
	t.Helper()
	var replies []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &r), line)
		replies = append(replies, r)
	}
	require.NoError(t, scanner.Err())
	return replies
}

// responseValue returns the "value" member of a reply's response.
func responseValue(t *testing.T, r map[string]any) any {
	t.Helper()
	resp, ok := r["response"].(map[string]any)
	require.True(t, ok, "reply has no response: %v", r)
	return resp["value"]
}

// responseError returns the W3C error code of a failed reply, or "".
func responseError(t *testing.T, r map[string]any) string {
	t.Helper()
	value, _ := responseValue(t, r).(map[string]any)
	code, _ := value["error"].(string)
	return code
}
