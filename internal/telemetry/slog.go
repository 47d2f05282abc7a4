package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogger installs the global slog default logger from the logging configuration.
//
// format: "json" selects the JSONHandler, anything else the TextHandler.
// level:  "debug", "info", "warn", "error" (case-insensitive); defaults to "info".
// output: "stderr" writes to standard error, anything else to standard output.
// service: attached to every record as the "service" attribute when non-empty.
//
// License keys are logged; customer emails and site domains are logged only at debug level.
func SetupLogger(format, level, output, service string) {
	var w io.Writer = os.Stdout
	if strings.EqualFold(output, "stderr") {
		w = os.Stderr
	}

	lvl := parseLevel(level)
	slog.SetDefault(slog.New(withService(newHandler(w, format, lvl), service)))
	slog.Info("logger initialised", "format", format, "level", lvl.String())
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, format string, lvl slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func withService(h slog.Handler, service string) slog.Handler {
	if service == "" {
		return h
	}
	return h.WithAttrs([]slog.Attr{slog.String("service", service)})
}
