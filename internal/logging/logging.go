package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	base  *zap.Logger
	sugar *zap.SugaredLogger
	once  sync.Once
	mu    sync.RWMutex
)

// Logger is the structured key/value logging surface used across talkie.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (noopLogger) Infow(string, ...interface{})  {}
func (noopLogger) Debugw(string, ...interface{}) {}
func (noopLogger) Warnw(string, ...interface{})  {}
func (noopLogger) Errorw(string, ...interface{}) {}
func (noopLogger) Sync() error                   { return nil }

// current starts as a no-op so packages can log before main calls Init.
var current Logger = noopLogger{}

// Init builds the process logger. level is one of debug, info, warn, error;
// an empty level falls back to LOG_LEVEL. Only the first call has effect.
func Init(level string) *zap.SugaredLogger {
	once.Do(func() {
		if level == "" {
			level = os.Getenv("LOG_LEVEL")
		}
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stderr"},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger = zap.NewNop()
		}
		_ = zap.RedirectStdLog(logger)
		mu.Lock()
		base = logger
		sugar = logger.Sugar()
		current = sugar
		mu.Unlock()
	})
	return sugar
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Base returns the underlying *zap.Logger for libraries that take one.
// It is a no-op logger until Init runs.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if base == nil {
		return zap.NewNop()
	}
	return base
}

// SetLogger replaces the package logger. nil restores the Init logger, or a
// no-op logger when Init was never called.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case l != nil:
		current = l
	case sugar != nil:
		current = sugar
	default:
		current = noopLogger{}
	}
}

func get() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Infow(msg string, keysAndValues ...interface{})  { get().Infow(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { get().Debugw(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { get().Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { get().Errorw(msg, keysAndValues...) }

// Sync flushes buffered entries.
func Sync() error { return get().Sync() }

type ctxKeyType struct{}

// WithFields returns a context carrying kv in addition to any fields already
// attached. Order is preserved.
func WithFields(ctx context.Context, kv ...interface{}) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(ctxKeyType{}).([]interface{})
	merged := make([]interface{}, 0, len(prev)+len(kv))
	merged = append(merged, prev...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, ctxKeyType{}, merged)
}

// FromContext returns fields attached with WithFields.
func FromContext(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(ctxKeyType{}).([]interface{})
	return v
}

func merge(ctx context.Context, kv []interface{}) []interface{} {
	ctxFields := FromContext(ctx)
	if len(ctxFields) == 0 {
		return kv
	}
	out := make([]interface{}, 0, len(ctxFields)+len(kv))
	out = append(out, ctxFields...)
	return append(out, kv...)
}

func InfowCtx(ctx context.Context, msg string, kv ...interface{})  { Infow(msg, merge(ctx, kv)...) }
func DebugwCtx(ctx context.Context, msg string, kv ...interface{}) { Debugw(msg, merge(ctx, kv)...) }
func WarnwCtx(ctx context.Context, msg string, kv ...interface{})  { Warnw(msg, merge(ctx, kv)...) }
func ErrorwCtx(ctx context.Context, msg string, kv ...interface{}) { Errorw(msg, merge(ctx, kv)...) }

// TurnFields identifies one pipeline turn. Keys are dot-separated so they
// group together in log tooling.
func TurnFields(turnID, sessionID string) []interface{} {
	if sessionID == "" {
		return []interface{}{"turn.id", turnID}
	}
	return []interface{}{"turn.id", turnID, "session.id", sessionID}
}

// EndpointFields identifies a module endpoint and operation.
func EndpointFields(endpoint, op string) []interface{} {
	if op == "" {
		return []interface{}{"endpoint.name", endpoint}
	}
	return []interface{}{"endpoint.name", endpoint, "endpoint.op", op}
}

// ChunkFields describes an audio chunk: sample count, duration and RMS level.
func ChunkFields(samples int, durationMs int, rms float64) []interface{} {
	return []interface{}{"chunk.samples", samples, "chunk.duration_ms", durationMs, "chunk.rms", rms}
}
