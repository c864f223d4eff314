// Package logger provides the structured logging used throughout this
// module: a package-level *slog.Logger configurable at startup via
// pkg/config, with a context-carried LogContext for request-scoped
// fields (udid, device id, service name) that every component can
// attach without threading extra parameters through call chains.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level mirrors slog.Level with a package-local type so callers don't
// need to import log/slog just to call SetLevel.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config controls logger output. Format is "text" or "json".
type Config struct {
	Level  string
	Format string
}

var (
	currentLevel atomic.Int32

	mu            sync.RWMutex
	output        io.Writer = os.Stderr
	currentFormat           = "text"
	slogger       *slog.Logger
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	reconfigure(currentFormat)
}

func reconfigure(format string) {
	if format != "json" {
		format = "text"
	}
	currentFormat = format

	levelVar := new(slog.LevelVar)
	levelVar.Set(Level(currentLevel.Load()).toSlog())
	opts := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	slogger = slog.New(handler)
}

// Init applies a Config loaded from pkg/config.
func Init(cfg Config) error {
	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	format := strings.ToLower(cfg.Format)
	if format != "json" {
		format = "text"
	}
	mu.Lock()
	defer mu.Unlock()
	reconfigure(format)
	return nil
}

// InitWithWriter redirects output, primarily for tests.
func InitWithWriter(w io.Writer, level, format string) {
	mu.Lock()
	output = w
	mu.Unlock()
	if level != "" {
		SetLevel(level)
	}
	mu.Lock()
	reconfigure(strings.ToLower(format))
	mu.Unlock()
}

// SetLevel sets the minimum log level; invalid values are ignored.
func SetLevel(level string) {
	var lvl Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = LevelDebug
	case "INFO":
		lvl = LevelInfo
	case "WARN":
		lvl = LevelWarn
	case "ERROR":
		lvl = LevelError
	default:
		return
	}
	currentLevel.Store(int32(lvl))
	mu.Lock()
	defer mu.Unlock()
	reconfigure(currentFormat)
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

func Debug(msg string, args ...any) { get().Debug(msg, args...) }
func Info(msg string, args ...any)  { get().Info(msg, args...) }
func Warn(msg string, args ...any)  { get().Warn(msg, args...) }
func Error(msg string, args ...any) { get().Error(msg, args...) }

// DebugCtx/InfoCtx/WarnCtx/ErrorCtx prepend the fields carried on ctx by
// a LogContext (see fields.go) ahead of the call-site args.
func DebugCtx(ctx context.Context, msg string, args ...any) {
	get().Debug(msg, prependContext(ctx, args)...)
}

func InfoCtx(ctx context.Context, msg string, args ...any) {
	get().Info(msg, prependContext(ctx, args)...)
}

func WarnCtx(ctx context.Context, msg string, args ...any) {
	get().Warn(msg, prependContext(ctx, args)...)
}

func ErrorCtx(ctx context.Context, msg string, args ...any) {
	get().Error(msg, prependContext(ctx, args)...)
}

func prependContext(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	fields := lc.fields()
	out := make([]any, 0, len(fields)+len(args))
	out = append(out, fields...)
	out = append(out, args...)
	return out
}
