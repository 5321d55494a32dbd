package vecagent

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with agent-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithComponent tags every record with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// LogInsert logs an insert, upsert or update.
func (l *Logger) LogInsert(ctx context.Context, op, id string, dimension int, err error) {
	if err != nil {
		l.DebugContext(ctx, op+" rejected",
			"id", id,
			"dimension", dimension,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, op+" accepted",
			"id", id,
			"dimension", dimension,
		)
	}
}

// LogBatch logs a multi request.
func (l *Logger) LogBatch(ctx context.Context, op string, count, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, op+" completed with failures",
			"total", count,
			"failed", failed,
			"success", count-failed,
		)
	} else {
		l.DebugContext(ctx, op+" completed",
			"count", count,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.DebugContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogRemove logs a remove operation.
func (l *Logger) LogRemove(ctx context.Context, id string, err error) {
	if err != nil {
		l.DebugContext(ctx, "remove rejected",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "remove accepted",
			"id", id,
		)
	}
}

// LogBuild logs an explicitly requested index build.
func (l *Logger) LogBuild(ctx context.Context, seq uint64, vectors int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index build failed",
			"duration", d,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index build completed",
			"seq", seq,
			"vectors", vectors,
			"duration", d,
		)
	}
}

// LogSave logs an explicitly requested index save.
func (l *Logger) LogSave(ctx context.Context, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index save failed",
			"duration", d,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index saved",
			"duration", d,
		)
	}
}

// LogRecovery logs recovery of the persisted index at startup.
func (l *Logger) LogRecovery(ctx context.Context, seq uint64, vectors, ids int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index recovery failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index recovered",
			"seq", seq,
			"vectors", vectors,
			"ids", ids,
		)
	}
}
