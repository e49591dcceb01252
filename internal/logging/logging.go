// Package logging builds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jmandel/JiraFhirUtils-sub001/internal/logctx"
	"github.com/lmittmann/tint"
)

// Format selects the slog handler.
type Format string

const (
	FormatDev  Format = "dev"
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat accepts dev, json, text and txt.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dev":
		return FormatDev, nil
	case "json":
		return FormatJSON, nil
	case "text", "txt":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown log format %q", s)
	}
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

type options struct {
	writer io.Writer
	level  slog.Level
	format Format
}

// Option configures New.
type Option func(*options)

func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

func WithLevel(l slog.Level) Option {
	return func(o *options) { o.level = l }
}

func WithFormat(f Format) Option {
	return func(o *options) { o.format = f }
}

// New returns a logger writing to stderr by default. Stdout is never used:
// the bridge reserves stdio for its child process.
func New(opts ...Option) *slog.Logger {
	o := &options{
		writer: os.Stderr,
		level:  slog.LevelInfo,
		format: FormatDev,
	}
	for _, apply := range opts {
		apply(o)
	}

	var h slog.Handler
	switch o.format {
	case FormatJSON:
		h = slog.NewJSONHandler(o.writer, &slog.HandlerOptions{Level: o.level})
	case FormatText:
		h = slog.NewTextHandler(o.writer, &slog.HandlerOptions{Level: o.level})
	default:
		h = tint.NewHandler(o.writer, &tint.Options{
			Level:      o.level,
			TimeFormat: "[15:04:05.000]",
			NoColor:    !isTerminal(o.writer),
		})
	}

	return slog.New(logctx.Handler{Handler: h})
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
