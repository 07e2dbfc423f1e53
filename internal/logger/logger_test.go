package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("chatty"))
}

func TestSetupWritesFileAndReplacesGlobal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.log")

	log := Setup(path, 1, 2, "info")
	log.Info("hello", zap.String("code", "000001.SZ"))
	_ = Sync(log)

	assert.Same(t, log, zap.L())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"code":"000001.SZ"`)
	assert.Contains(t, string(b), `"msg":"hello"`)
}
