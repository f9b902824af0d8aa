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

func TestInitWritesJSONToFile(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, Init("info", "json", path))

	Named("reporting").Info("Report generated", zap.String("report_id", "usage_report_20240315_120000"))
	Debug("dropped below level")
	Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Report generated", entry["message"])
	assert.Equal(t, "reporting", entry["logger"])
	assert.Equal(t, "scamguard", entry["service"])
	assert.Equal(t, "usage_report_20240315_120000", entry["report_id"])
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	assert.ErrorContains(t, Init("loud", "json", "stdout"), "invalid log level")
}
