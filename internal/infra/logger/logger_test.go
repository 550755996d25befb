package logger_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"channel-cloner/internal/infra/logger"

	"github.com/stretchr/testify/require"
)

func TestLevelsAndWriters(t *testing.T) {
	var out bytes.Buffer
	logger.Init("warn")
	logger.SetWriters(&out, &out)
	t.Cleanup(func() { logger.SetWriters(nil, nil) })

	logger.Info("hidden info")
	logger.Warnf("visible %s", "warning")

	require.NotContains(t, out.String(), "hidden info")
	require.Contains(t, out.String(), "visible warning")
	require.False(t, logger.IsDebugEnabled())
}

func TestFileSink(t *testing.T) {
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "cloner.log")

	logger.Init("error")
	logger.SetWriters(&out, &out)
	logger.InitFile(logger.FileOptions{Path: path, Level: "debug", MaxSizeMB: 1})
	t.Cleanup(func() {
		logger.InitFile(logger.FileOptions{})
		logger.SetWriters(nil, nil)
	})

	logger.Debug("debug goes to file only")
	logger.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "debug goes to file only"))
	require.NotContains(t, out.String(), "debug goes to file only")
	require.True(t, logger.IsDebugEnabled())
}
