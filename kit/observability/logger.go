package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Logger is a thin key/value front over slog. A nil *Logger discards.
type Logger struct {
	l *slog.Logger
}

type LoggerOptions struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is "text" (colored, tint) or "json". Defaults to text.
	Format string
	Writer io.Writer
}

func NewLogger() *Logger {
	return NewLoggerWithOptions(LoggerOptions{Level: os.Getenv("LOG_LEVEL")})
}

func NewLoggerWithOptions(opts LoggerOptions) *Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	level := ParseLevel(opts.Level)

	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    !isTerminal(w),
		})
	}
	return &Logger{l: slog.New(h)}
}

// Install makes lg the process-wide slog default so packages that log via
// slog directly share the same handler.
func (lg *Logger) Install() {
	if lg == nil {
		return
	}
	slog.SetDefault(lg.l)
}

func (lg *Logger) With(kv ...any) *Logger {
	if lg == nil {
		return nil
	}
	return &Logger{l: lg.l.With(kv...)}
}

func (lg *Logger) Debug(msg string, kv ...any) {
	if lg == nil {
		return
	}
	lg.l.Debug(msg, kv...)
}

func (lg *Logger) Info(msg string, kv ...any) {
	if lg == nil {
		return
	}
	lg.l.Info(msg, kv...)
}

func (lg *Logger) Warn(msg string, kv ...any) {
	if lg == nil {
		return
	}
	lg.l.Warn(msg, kv...)
}

func (lg *Logger) Error(msg string, kv ...any) {
	if lg == nil {
		return
	}
	lg.l.Error(msg, kv...)
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
