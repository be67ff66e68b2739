package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesServiceFieldsAsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := New(Options{Level: "info", Format: "json", OutputPath: path, Service: "smartscope", Version: "1.2.0"})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("Analysis started", zap.String("request_id", "req-1"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1, "debug is below the configured level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Analysis started", entry["message"])
	assert.Equal(t, "smartscope", entry["service"])
	assert.Equal(t, "1.2.0", entry["version"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestNew_RejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.ErrorContains(t, err, "invalid log level")

	_, err = New(Options{Format: "xml"})
	assert.ErrorContains(t, err, "invalid log format")
}

func TestForRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.log")
	l, err := New(Options{OutputPath: path})
	require.NoError(t, err)

	prev := Log
	Log = l
	t.Cleanup(func() { Log = prev })

	ForRequest("org-1", "req-9").Warn("Analysis failed")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "org-1", entry["org_id"])
	assert.Equal(t, "req-9", entry["request_id"])
	assert.Equal(t, "warn", entry["level"])
}
