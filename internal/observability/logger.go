// Package observability provides logging for vcompress.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/jmylchreest/vcompress/internal/config"
)

// LevelTrace is below debug and used for per-sample logging.
const LevelTrace = slog.Level(-8)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

// loggerKey is the context key for the logger.
const loggerKey contextKey = "logger"

// sensitiveFields are attribute keys whose values are always redacted.
var sensitiveFields = []string{
	"password", "Password",
	"secret", "Secret",
	"token", "Token",
	"apikey", "ApiKey", "api_key",
	"credential", "Credential",
}

// sensitiveParam matches credentials passed in URL query strings, as used
// by authenticated HTTP inputs.
var sensitiveParam = regexp.MustCompile(`(?i)([?&](?:password|passwd|secret|token|apikey|api_key|credential)=)[^&#\s"]*`)

// NewLogger creates a new slog.Logger based on the provided configuration,
// writing to stderr so stdout stays free for command output.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided writer.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	redact := newRedactor()

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 {
				switch a.Key {
				case slog.TimeKey:
					if t, ok := a.Value.Any().(time.Time); ok && cfg.TimeFormat != "" {
						return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
					}
					return a
				case slog.LevelKey:
					if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
						return slog.String(slog.LevelKey, "TRACE")
					}
					return a
				case slog.SourceKey:
					if src, ok := a.Value.Any().(*slog.Source); ok {
						return slog.String("logpos", shortSource(src))
					}
					return a
				case slog.MessageKey:
					return a
				}
			}
			return redact(groups, a)
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

func newRedactor() func([]string, slog.Attr) slog.Attr {
	opts := make([]masq.Option, 0, len(sensitiveFields)+1)
	for _, name := range sensitiveFields {
		opts = append(opts, masq.WithFieldName(name))
	}
	opts = append(opts, masq.WithRegex(sensitiveParam, masq.RedactString(func(s string) string {
		return sensitiveParam.ReplaceAllString(s, "${1}"+masq.DefaultRedactMessage)
	})))
	return masq.New(opts...)
}

// shortSource trims the file path to the module-relative part.
func shortSource(src *slog.Source) string {
	file := src.File
	for _, dir := range []string{"/internal/", "/cmd/", "/pkg/"} {
		if i := strings.LastIndex(file, dir); i >= 0 {
			file = file[i+1:]
			break
		}
	}
	return file + ":" + strconv.Itoa(src.Line)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithOperation adds an operation name to the logger for tracking specific operations.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String("operation", operation))
}

// WithExportID tags the logger with the id of one export run.
func WithExportID(logger *slog.Logger, id string) *slog.Logger {
	return logger.With(slog.String("export_id", id))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// LoggerFromContext extracts a logger from the context.
// If no logger is found, returns the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// SetDefault sets the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// TimedOperationWithError logs the start and end of an operation with its
// duration. The error pointer is read when the returned function runs, so
// errors assigned after this call are reported.
//
// Usage:
//
//	var err error
//	done := TimedOperationWithError(ctx, logger, "export", &err)
//	defer done()
//	err = doSomething()
//
//nolint:gocritic // errPtr must be a pointer to capture errors set after this call
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	logger.InfoContext(ctx, "operation started", slog.String("operation", operation))

	return func() {
		duration := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed",
				slog.String("operation", operation),
				slog.Duration("duration", duration),
				slog.String("error", (*errPtr).Error()),
			)
		} else {
			logger.InfoContext(ctx, "operation completed",
				slog.String("operation", operation),
				slog.Duration("duration", duration),
			)
		}
	}
}
