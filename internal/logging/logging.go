// Package logging constructs structured loggers for sealbox tools. Loggers
// redact the values of attributes whose keys name secret material, and may
// write to a size-rotated file.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Redacted is the value substituted for a sensitive attribute.
const Redacted = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"passphrase": {},
	"password":   {},
	"key":        {},
	"value":      {},
	"secret":     {},
	"salt":       {},
	"plaintext":  {},
}

// Config describes a logger.
type Config struct {
	Level slog.Level

	// If File is set, logs are written there with rotation; otherwise to the
	// writer passed to New.
	File       string
	MaxSizeMB  int // default 10
	MaxBackups int // default 3
}

// New returns a logger that writes text records to w, or to cfg.File if that
// is set. Sensitive attributes are redacted. The returned closer releases the
// log file, if any.
func New(w io.Writer, cfg Config) (*slog.Logger, io.Closer, error) {
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rw, err := NewRotatingWriter(cfg)
		if err != nil {
			return nil, nil, err
		}
		w, closer = rw, rw
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.Level})
	return slog.New(NewRedactingHandler(h)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewRotatingWriter returns a writer for cfg.File that rotates the file when
// it exceeds cfg.MaxSizeMB, keeping at most cfg.MaxBackups old files.
func NewRotatingWriter(cfg Config) (*lumberjack.Logger, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("log file path must not be empty")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}, nil
}

// RedactingHandler is a slog.Handler that replaces the values of sensitive
// attributes before passing records to another handler.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler returns a handler that redacts and delegates to inner.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

// Enabled implements a method of slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements a method of slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redact(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

// WithAttrs implements a method of slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redact(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(out)}
}

// WithGroup implements a method of slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

// IsSensitive reports whether an attribute with the given key is redacted.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

func redact(a slog.Attr) slog.Attr {
	if IsSensitive(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		out := make([]slog.Attr, len(group))
		for i, g := range group {
			out[i] = redact(g)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}
