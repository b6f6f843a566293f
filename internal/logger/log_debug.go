//go:build debug

package logger

import (
	"context"
	"log/slog"
)

// Usage:
//
// logger.DebugLazy(ctx, "pushing task", func() []slog.Attr {
// 	return []slog.Attr{
// 		slog.String("shape", expensiveShapeKey()),
// 		slog.Int("backlog", computeBacklogSize()),
// 	}
// })

func DebugLazy(ctx context.Context, msg string, build func() []slog.Attr) {
	l := slog.Default()
	if l.Enabled(ctx, slog.LevelDebug) {
		l.LogAttrs(ctx, slog.LevelDebug, msg, build()...)
	}
}
