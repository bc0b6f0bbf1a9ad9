package observability

import (
	"context"
	"log/slog"
	"strings"
)

// sensitiveKeyPatterns mark attribute keys whose string values are never logged.
var sensitiveKeyPatterns = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"credential",
	"bearer",
}

const redactedValue = "***REDACTED***"

// redactHandler masks credential-like attributes before they reach any sink.
type redactHandler struct {
	handler slog.Handler
}

func newRedactHandler(handler slog.Handler) *redactHandler {
	return &redactHandler{handler: handler}
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	redacted := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redact(a))
		return true
	})
	return h.handler.Handle(ctx, redacted)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redact(a)
	}
	return &redactHandler{handler: h.handler.WithAttrs(out)}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{handler: h.handler.WithGroup(name)}
}

// redact replaces non-empty string values of sensitive keys, descending into groups.
func redact(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()

	switch a.Value.Kind() {
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			out[i] = redact(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	case slog.KindString:
		if a.Value.String() != "" && isSensitiveKey(a.Key) {
			return slog.String(a.Key, redactedValue)
		}
	}
	return a
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(key, pattern) {
			return true
		}
	}
	return false
}
