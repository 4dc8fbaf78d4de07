// Package logger wraps zerolog with file rotation, matching the
// conventions the rest of this module's components depend on.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps a zerolog.Logger with component tagging helpers.
type Logger struct {
	logger zerolog.Logger
	writer io.Writer
}

var (
	globalLogger *Logger
	once         sync.Once
)

// Config holds logger configuration.
type Config struct {
	Path       string
	Level      string
	Format     string // "json" or "console"
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Init initializes the process-wide logger exactly once.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		globalLogger, err = New(cfg)
	})
	return err
}

// New creates a standalone logger instance.
func New(cfg Config) (*Logger, error) {
	if cfg.Path != "" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	var writer io.Writer
	if cfg.Path != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	} else {
		writer = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var zlog zerolog.Logger
	if cfg.Format == "console" {
		consoleWriter := zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	} else {
		zlog = zerolog.New(writer).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zlog = zlog.Level(level)

	return &Logger{logger: zlog, writer: writer}, nil
}

// Get returns the process-wide logger, falling back to a bare console
// logger if Init was never called (useful in tests).
func Get() *Logger {
	if globalLogger == nil {
		globalLogger = &Logger{
			logger: zerolog.New(os.Stdout).With().Timestamp().Logger(),
			writer: os.Stdout,
		}
	}
	return globalLogger
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.emit(l.logger.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.emit(l.logger.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.emit(l.logger.Warn(), msg, fields) }

func (l *Logger) Error(msg string, err error, fields ...interface{}) {
	l.emit(l.logger.Error().Err(err), msg, fields)
}

func (l *Logger) Fatal(msg string, err error, fields ...interface{}) {
	l.emit(l.logger.Fatal().Err(err), msg, fields)
}

func (l *Logger) emit(event *zerolog.Event, msg string, fields []interface{}) {
	addFields(event, fields)
	event.Msg(msg)
}

func addFields(event *zerolog.Event, fields []interface{}) {
	if len(fields)%2 != 0 {
		event.Interface("invalid_fields", fields)
		return
	}
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		event.Interface(key, fields[i+1])
	}
}

// WithComponent returns a child logger tagged with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger(), writer: l.writer}
}

// Zerolog exposes the underlying zerolog.Logger for packages (like the
// REST façade) that need to hand it to a third-party library directly.
func (l *Logger) Zerolog() zerolog.Logger { return l.logger }

// Package-level convenience functions operating on the global logger.
func Debug(msg string, fields ...interface{})            { Get().Debug(msg, fields...) }
func Info(msg string, fields ...interface{})             { Get().Info(msg, fields...) }
func Warn(msg string, fields ...interface{})              { Get().Warn(msg, fields...) }
func Error(msg string, err error, fields ...interface{}) { Get().Error(msg, err, fields...) }
func WithComponent(component string) *Logger              { return Get().WithComponent(component) }
