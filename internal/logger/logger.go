// Package logger provides structured logging for runwatch on top of zap.
// A global logger is initialized from the environment and can be replaced
// for tests; package-level helpers log through it.
package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Level represents the logging level
type Level int

const (
	// DebugLevel logs everything
	DebugLevel Level = iota
	// InfoLevel logs info, warnings, and errors
	InfoLevel
	// ErrorLevel logs only errors
	ErrorLevel
)

// Logger wraps a zap logger behind the interface the rest of the codebase
// uses.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalLogger *Logger
	globalMu     sync.Mutex
)

func init() {
	if l, err := NewFromEnv(); err == nil {
		globalLogger = l
	} else {
		globalLogger = NewNop()
	}
}

// NewNop returns a logger that discards everything. Used as the fallback
// when environment-based construction fails, and in tests.
func NewNop() *Logger {
	z := zap.NewNop()
	return &Logger{zap: z, sugar: z.Sugar()}
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	z := l.zap.With(zap.Any(key, value))
	return &Logger{zap: z, sugar: z.Sugar()}
}

// WithFields returns a logger with multiple additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	z := l.zap.With(zapFields...)
	return &Logger{zap: z, sugar: z.Sugar()}
}

// WithSession returns a logger carrying session and job context.
func (l *Logger) WithSession(sessionID, jobID string) *Logger {
	z := l.zap.With(
		zap.String("session_id", sessionID),
		zap.String("job_id", jobID),
	)
	return &Logger{zap: z, sugar: z.Sugar()}
}

// WithError returns a logger carrying error context.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	z := l.zap.With(zap.Error(err))
	return &Logger{zap: z, sugar: z.Sugar()}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) { l.zap.Debug(msg) }

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an info message
func (l *Logger) Info(msg string) { l.zap.Info(msg) }

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(msg string) { l.zap.Warn(msg) }

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(msg string) { l.zap.Error(msg) }

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Sync flushes any buffered log entries
func (l *Logger) Sync() error { return l.zap.Sync() }

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLogger
}

// SetLogger sets the global logger instance
func SetLogger(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// LevelFromString converts a string to a log level
func LevelFromString(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}
