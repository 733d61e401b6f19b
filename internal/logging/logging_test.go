package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerFileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmb.log")
	var console bytes.Buffer

	logger, file, err := NewLogger(path, slog.LevelDebug, &console)
	require.NoError(t, err)
	defer file.Close()

	logger.Debug("walk entry", "path", "/a")
	logger.Info("copy started", "files", 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "copy started", rec["msg"])
	assert.EqualValues(t, 2, rec["files"])

	assert.NotContains(t, console.String(), "walk entry")
	assert.Contains(t, console.String(), "copy started")
}

func TestNewLoggerFileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmb.log")

	logger, file, err := NewLogger(path, slog.LevelWarn, nil)
	require.NoError(t, err)
	defer file.Close()

	logger.Info("dropped")
	logger.With("device", "/dev/sdc1").Warn("kept")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"device":"/dev/sdc1"`)
}

func TestNewLoggerBadPath(t *testing.T) {
	_, _, err := NewLogger(filepath.Join(t.TempDir(), "missing", "dmb.log"), slog.LevelInfo, nil)
	assert.ErrorContains(t, err, "failed to open log file")
}
