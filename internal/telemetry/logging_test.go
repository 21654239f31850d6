package telemetry

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFromStringMapsKnownLevels(t *testing.T) {
	require.Equal(t, slog.LevelDebug, levelFromString("debug"))
	require.Equal(t, slog.LevelWarn, levelFromString("WARN"))
	require.Equal(t, slog.LevelError, levelFromString("Error"))
	require.Equal(t, slog.LevelInfo, levelFromString("info"))
	require.Equal(t, slog.LevelInfo, levelFromString("nonsense"))
}

func TestInitLoggingReturnsLoggerTaggedWithService(t *testing.T) {
	logger := InitLogging("test-service", true, "debug")
	require.NotNil(t, logger)
	require.True(t, logger.Enabled(nil, slog.LevelDebug))
}
