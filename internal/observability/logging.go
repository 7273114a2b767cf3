package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions selects level and destination for every component logger.
// An empty File logs JSON to stdout only.
type LogOptions struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	outputMu     sync.RWMutex
	output       io.Writer = os.Stdout
	defaultLevel           = parseLogLevel(os.Getenv("OPTIONVAULT_LOG_LEVEL"))
)

// ConfigureLogging sets the shared writer and level. Call once at startup
// before component loggers are created. The returned closer releases the
// rotating file, if any.
func ConfigureLogging(opts LogOptions) io.Closer {
	outputMu.Lock()
	defer outputMu.Unlock()

	if opts.Level != "" {
		defaultLevel = parseLogLevel(opts.Level)
	}
	if opts.File == "" {
		output = os.Stdout
		return io.NopCloser(nil)
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	output = zerolog.MultiLevelWriter(os.Stdout, rotator)
	return rotator
}

// NewLogger creates a structured JSON logger for one component.
func NewLogger(component string) zerolog.Logger {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return newLogger(output, component, defaultLevel)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return newLogger(output, component, level)
}

// NewLoggerTo creates a logger writing to w, used by tests.
func NewLoggerTo(w io.Writer, component string) zerolog.Logger {
	return newLogger(w, component, zerolog.DebugLevel)
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
