package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	base   = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	baseMu sync.RWMutex

	logFile *os.File
)

// Options controls where and how much is logged.
type Options struct {
	Level string
	Dir   string
}

// SetupLogger wires console and a daily log file under opts.Dir.
func SetupLogger(opts Options) error {
	dir := opts.Dir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	name := filepath.Join(dir, time.Now().Format("2006-01-02")+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.ErrorFieldName = "err"

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	out := zerolog.MultiLevelWriter(console, f)

	baseMu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	base = zerolog.New(out).Level(ParseLevel(opts.Level)).With().Timestamp().Logger()
	baseMu.Unlock()
	return nil
}

// SetOutput replaces the sink; mostly useful in tests.
func SetOutput(w io.Writer, level string) {
	baseMu.Lock()
	base = zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
	baseMu.Unlock()
}

// Close flushes and closes the log file, if any.
func Close() error {
	baseMu.Lock()
	defer baseMu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// ParseLevel maps a textual level to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// L returns the process logger.
func L() zerolog.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	l := L()
	return l.With().Str("component", name).Logger()
}

// Info logs at info level.
func Info(format string, v ...interface{}) {
	l := L()
	l.Info().Msgf(format, v...)
}

// Warning logs at warn level.
func Warning(format string, v ...interface{}) {
	l := L()
	l.Warn().Msgf(format, v...)
}

// Error logs at error level.
func Error(format string, v ...interface{}) {
	l := L()
	l.Error().Msgf(format, v...)
}

// Fatal logs and exits.
func Fatal(format string, v ...interface{}) {
	l := L()
	l.Fatal().Msgf(format, v...)
}
