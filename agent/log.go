package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tnt2402/jvm-explorer/api"
)

// newLogger writes to the file named in the agent config. The agent lives in a
// process it does not own, so it never touches that process's own logging.
func newLogger(cfg api.AgentConfig) (*zap.Logger, error) {
	if cfg.LogFilePath == "" {
		return zap.NewNop(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating agent log directory: %w", err)
	}
	level, err := zap.ParseAtomicLevel(string(cfg.LogLevel))
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.Encoding = "console"
	zc.Sampling = nil
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{cfg.LogFilePath}
	zc.ErrorOutputPaths = []string{cfg.LogFilePath}
	return zc.Build(zap.Fields(
		zap.String("session", cfg.Identifier),
		zap.Int("pid", os.Getpid()),
	))
}
