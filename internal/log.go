package internal

import (
	"context"
	"log/slog"
)

// LogAttrs is a nil-safe helper used by all package loggers.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
