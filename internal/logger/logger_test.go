package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLoggerRoutesPackageHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	Warn("late permission response", zap.String("request_id", "r1"))
	Debug("detail")

	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "r1", entry.ContextMap()["request_id"])
}

func TestInitJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	require.NoError(t, Init(Options{Level: "debug", Encoding: "json", OutputPaths: []string{path}}))
	t.Cleanup(func() { SetLogger(nil) })

	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))
	assert.NotNil(t, S())
}
