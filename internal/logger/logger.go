package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the application logger. Components derive their own loggers via
// Named(); collaborator failures inside the agent are logged here and never
// surface to the caller.
func New(level string, enableConsole, enableFile bool, logDir string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}

	config := zap.NewProductionConfig()
	config.Level.SetLevel(lvl)
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	var outputs []string
	if enableConsole {
		outputs = append(outputs, "stderr")
	}
	if enableFile {
		if logDir == "" {
			logDir = "./logs"
		}
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(logDir, fmt.Sprintf("repoagent_%s.log", time.Now().Format("2006-01-02")))
		outputs = append(outputs, logFile)
	}
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	config.OutputPaths = outputs

	log, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}
