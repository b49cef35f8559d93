package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/Additional-Code/bulkbuy/internal/config"
)

func TestBuildLevels(t *testing.T) {
	logger, err := Build(config.Observability{ServiceName: "bulkbuy", LogLevel: "debug", LogEncoding: "json"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = Build(config.Observability{LogLevel: "loud", LogEncoding: "console"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}
