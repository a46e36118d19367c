package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const RequestIDKey contextKey = "request_id"

type Logger struct {
	*zap.Logger
}

func NewLogger(level string) (*Logger, error) {
	config := zap.NewProductionConfig()

	// Parse log level
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

// NewDevelopment is used by the CLI, which prints to a terminal.
func NewDevelopment(level string) (*Logger, error) {
	config := zap.NewDevelopmentConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

func Nop() *Logger {
	return &Logger{zap.NewNop()}
}

func (l *Logger) WithRequestID(ctx context.Context) *zap.Logger {
	if reqID, ok := ctx.Value(RequestIDKey).(string); ok {
		return l.With(zap.String("request_id", reqID))
	}
	return l.Logger
}

// WithSession tags every entry with the repository session it belongs to.
func (l *Logger) WithSession(id string) *zap.Logger {
	return l.With(zap.String("session_id", id))
}

// OrNop lets components accept a nil logger.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
