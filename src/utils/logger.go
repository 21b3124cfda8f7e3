package utils

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var once sync.Once

// StandardLogger enforces specific log message formats.
type StandardLogger struct {
	*zap.SugaredLogger
}

var appLogger *StandardLogger

// NewLogger creates a new application logger. Production JSON output unless
// FLOTILLA_ENV=local, in which case the zap development config is used.
func NewLogger() *StandardLogger {
	outputLevel := zap.InfoLevel
	if levelEnv := os.Getenv("LOG_LEVEL"); levelEnv != "" {
		levelFromEnv, err := zapcore.ParseLevel(levelEnv)
		if err != nil {
			log.Println(
				fmt.Errorf("invalid level, defaulting to INFO: %w", err),
			)
		} else {
			outputLevel = levelFromEnv
		}
	}

	var cfg zap.Config
	if os.Getenv("FLOTILLA_ENV") == "local" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stdout"}
		cfg.InitialFields = map[string]any{"name": "flotilla"}
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.TimeKey = "time"
		cfg.Level = zap.NewAtomicLevelAt(outputLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return &StandardLogger{SugaredLogger: logger.Sugar()}
}

func GetAppLogger(ctx context.Context) *StandardLogger {
	once.Do(func() {
		appLogger = NewLogger()
	})
	return LoggerFromCtx(ctx)
}

// GetChildLogger returns a logger with the given fields attached to every
// message.
func GetChildLogger(parent *StandardLogger, childContext map[string]string) *StandardLogger {
	zapFields := make([]any, 0)
	for k, v := range childContext {
		zapFields = append(zapFields, zap.String(k, v))
	}
	return &StandardLogger{parent.With(zapFields...)}
}

// LoggerFromCtx returns the Logger associated with the ctx. If no logger
// is associated, the default logger is returned, unless it is nil
// in which case a disabled logger is returned.
func LoggerFromCtx(ctx context.Context) *StandardLogger {
	if l, ok := ctx.Value(ctxKey{}).(*StandardLogger); ok {
		return l
	} else if l := appLogger; l != nil {
		return l
	}
	return &StandardLogger{zap.NewNop().Sugar()}
}

// LoggerWithCtx returns a copy of ctx with the Logger attached.
func LoggerWithCtx(ctx context.Context, l *StandardLogger) context.Context {
	if lp, ok := ctx.Value(ctxKey{}).(*StandardLogger); ok {
		if lp == l {
			return ctx
		}
	}

	return context.WithValue(ctx, ctxKey{}, l)
}
