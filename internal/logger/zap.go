package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a Logger with the specified level and mode.
func New(level Level, development bool) (*Logger, error) {
	var config zap.Config

	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch level {
	case DebugLevel:
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case InfoLevel:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case ErrorLevel:
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	z, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zap logger: %w", err)
	}

	return &Logger{zap: z, sugar: z.Sugar()}, nil
}

// NewFromConfig creates a logger from a resolved configuration.
func NewFromConfig(cfg *Config) (*Logger, error) {
	l, err := New(cfg.Level, cfg.IsDevelopment())
	if err != nil {
		return nil, err
	}

	if cfg.Caller {
		z := l.zap.WithOptions(zap.AddCaller())
		l = &Logger{zap: z, sugar: z.Sugar()}
	}

	var stacktraceLevel zapcore.Level
	switch cfg.Stacktrace {
	case "error":
		stacktraceLevel = zap.ErrorLevel
	case "panic":
		stacktraceLevel = zap.PanicLevel
	default:
		stacktraceLevel = zap.FatalLevel
	}
	z := l.zap.WithOptions(zap.AddStacktrace(stacktraceLevel))
	return &Logger{zap: z, sugar: z.Sugar()}, nil
}

// NewFromEnv creates a logger configured from environment variables.
func NewFromEnv() (*Logger, error) {
	return NewFromConfig(ConfigFromEnv())
}
