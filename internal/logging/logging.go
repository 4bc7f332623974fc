// Package logging holds the process-wide zap logger and the per-connection
// loggers derived from it.
package logging

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var global atomic.Pointer[zap.Logger]

// Config selects level, encoding and destination.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init replaces the process logger. An unknown level falls back to info.
func Init(cfg Config) error {
	logger, err := build(cfg)
	if err != nil {
		return err
	}
	if old := global.Swap(logger); old != nil {
		_ = old.Sync()
	}
	return nil
}

func build(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	// per-chunk debug lines must all reach the output
	zc.Sampling = nil
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}
	return zc.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
}

// InitNop discards all output. Used by tests.
func InitNop() {
	global.Store(zap.NewNop())
}

// Sync flushes buffered entries.
func Sync() error {
	if l := global.Load(); l != nil {
		return l.Sync()
	}
	return nil
}

// L returns the process logger, installing a production logger on stderr
// if Init was never called.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	l, err := build(Config{OutputPath: "stderr"})
	if err != nil {
		l = zap.NewNop()
	}
	global.CompareAndSwap(nil, l)
	return global.Load()
}

// WithContext returns the logger stored in ctx, or the process logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return L()
}

// WithConnID returns a ctx whose logger tags every entry with the connection.
func WithConnID(ctx context.Context, connID, remote string) context.Context {
	l := WithContext(ctx).With(
		zap.String("conn_id", connID),
		zap.String("remote_addr", remote),
	)
	return context.WithValue(ctx, ctxKey{}, l)
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Field shorthands for packages that do not import zap directly.

func String(key, val string) zap.Field { return zap.String(key, val) }
func Strings(key string, val []string) zap.Field { return zap.Strings(key, val) }
func Int(key string, val int) zap.Field { return zap.Int(key, val) }
func Err(err error) zap.Field { return zap.Error(err) }
func Duration(key string, d time.Duration) zap.Field { return zap.Duration(key, d) }
