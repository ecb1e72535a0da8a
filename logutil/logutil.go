// Package logutil configures the process-wide slog logger: a text handler
// with source file:line attribution and a TRACE level one step below Debug,
// used for the scheduler's per-tick diagnostics (spec §5).
package logutil

import (
	"io"
	"log/slog"
	"path/filepath"
)

// LevelTrace is one step more verbose than slog.LevelDebug, used for
// per-tick scheduler diagnostics too noisy for ordinary debug logging.
const LevelTrace slog.Level = slog.LevelDebug - 4

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
}

// NewLogger returns a text-handler logger writing to w, filtering below
// level, with the source attribute trimmed to a base filename.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.SourceKey:
				if source, ok := attr.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
				}
			case slog.LevelKey:
				if lvl, ok := attr.Value.Any().(slog.Level); ok {
					if name, exists := levelNames[lvl]; exists {
						attr.Value = slog.StringValue(name)
					}
				}
			}
			return attr
		},
	})
	return slog.New(handler)
}
