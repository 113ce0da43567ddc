package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bithumb-gridbot/internal/config"
)

func restoreStandardLogger(t *testing.T) {
	std := logrus.StandardLogger()
	out, level, formatter := std.Out, std.GetLevel(), std.Formatter
	t.Cleanup(func() {
		std.SetOutput(out)
		std.SetLevel(level)
		std.SetFormatter(formatter)
	})
}

func TestSetupWritesConsoleAndFile(t *testing.T) {
	restoreStandardLogger(t)
	path := filepath.Join(t.TempDir(), "logs", "gridbot.log")
	var console bytes.Buffer

	logger, closer, err := Setup(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1}, &console)
	require.NoError(t, err)
	logger.WithField("price", 40000000).Debug("price_observed")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "price_observed")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "price=40000000")
}

func TestSetupJSONAndLevel(t *testing.T) {
	restoreStandardLogger(t)
	var console bytes.Buffer
	logger, _, err := Setup(config.LogConfig{Level: "warn", JSON: true}, &console)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.WithField("stage", "balance").Warn("cycle_aborted")

	lines := strings.Split(strings.TrimSpace(console.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "cycle_aborted", entry["msg"])
	assert.Equal(t, "balance", entry["stage"])
}

func TestSetupUnknownLevelFallsBackToInfo(t *testing.T) {
	restoreStandardLogger(t)
	logger, _, err := Setup(config.LogConfig{Level: "chatty"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
