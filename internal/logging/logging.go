package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
)

// Setup configures the global slog logger and returns it.
// Console output goes to console, coloured only when it is a terminal. If
// logOutputDir is non-empty, logs are also written as JSON to a timestamped
// file in that directory, whose path is returned.
func Setup(console io.Writer, levelStr string, logOutputDir string) (*slog.Logger, string, error) {
	level := parseLogLevel(levelStr)

	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !isTerminal(console),
	})

	if logOutputDir == "" {
		logger := slog.New(consoleHandler)
		slog.SetDefault(logger)
		return logger, "", nil
	}

	logDir := os.ExpandEnv(logOutputDir)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create log output directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	logFilePath := filepath.Join(logDir, fmt.Sprintf("rifxsave_%s.log", timestamp))

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create log file: %w", err)
	}

	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level})
	logger := slog.New(slogmulti.Fanout(consoleHandler, fileHandler))
	slog.SetDefault(logger)

	return logger, logFilePath, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// parseLogLevel converts a string log level to slog.Level
func parseLogLevel(levelStr string) slog.Level {
	switch levelStr {
	case "trace", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
