package main

import (
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

// newLogger returns a JSON logger, or a colored console logger for
// format "pretty".
func newLogger(output io.Writer, format string, level slog.Level) *slog.Logger {
	if format != "pretty" {
		return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	}
	handler := tint.NewHandler(output, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
	return slog.New(handler)
}
