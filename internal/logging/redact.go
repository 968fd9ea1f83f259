package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

const masked = "[REDACTED]"

// secretKeys never reach the log. Job payloads and child output are caller
// data; the rest carry credentials.
var secretKeys = map[string]bool{
	"payload":       true,
	"output":        true,
	"stdout":        true,
	"stderr":        true,
	"dsn":           true,
	"database_url":  true,
	"redis_url":     true,
	"authorization": true,
	"cookie":        true,
}

var secretKeyParts = []string{"token", "secret", "password", "passwd", "apikey", "api_key"}

// urlCredentials matches the user:password part of a connection URL, which
// driver errors like to echo back.
var urlCredentials = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^:/@\s]+):[^@\s]+@`)

// redactor masks secret attributes before handing records to next.
type redactor struct {
	next slog.Handler
}

func newRedactingHandler(next slog.Handler) slog.Handler {
	return redactor{next: next}
}

func (r redactor) Enabled(ctx context.Context, level slog.Level) bool {
	return r.next.Enabled(ctx, level)
}

func (r redactor) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(scrub(a))
		return true
	})
	return r.next.Handle(ctx, clean)
}

func (r redactor) WithAttrs(attrs []slog.Attr) slog.Handler {
	return redactor{next: r.next.WithAttrs(scrubAll(attrs))}
}

func (r redactor) WithGroup(name string) slog.Handler {
	return redactor{next: r.next.WithGroup(name)}
}

func scrubAll(attrs []slog.Attr) []slog.Attr {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = scrub(a)
	}
	return clean
}

func scrub(a slog.Attr) slog.Attr {
	if isSecretKey(a.Key) {
		return slog.String(a.Key, masked)
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(scrubAll(v.Group())...)}
	case slog.KindString:
		return slog.String(a.Key, maskURLCredentials(v.String()))
	case slog.KindAny:
		if err, ok := v.Any().(error); ok && err != nil {
			return slog.String(a.Key, maskURLCredentials(err.Error()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	if secretKeys[lower] {
		return true
	}
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func maskURLCredentials(s string) string {
	if !strings.Contains(s, "://") {
		return s
	}
	return urlCredentials.ReplaceAllString(s, "${1}:"+masked+"@")
}
