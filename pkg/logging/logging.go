package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sirupsen/logrus"
)

// Options controls the handler built by New.
type Options struct {
	Level     slog.Level
	AddSource bool
	NoColor   bool
}

// New returns a tint backed logger writing to w (stderr when nil).
func New(w io.Writer, opts Options) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.RFC3339,
		AddSource:  opts.AddSource,
		NoColor:    opts.NoColor,
	})
	return slog.New(handler)
}

// Default is the logger used when none is injected: info level, colored,
// with source locations.
func Default() *slog.Logger {
	return New(os.Stderr, Options{Level: slog.LevelInfo, AddSource: true})
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Unknown values select info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// StoreLogger returns the logrus logger handed to embedded badger databases.
// Badger chatters at info, so the store logger never goes below warn unless
// debug is requested.
func StoreLogger(w io.Writer, level slog.Level) *logrus.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	switch {
	case level <= slog.LevelDebug:
		l.SetLevel(logrus.DebugLevel)
	case level <= slog.LevelWarn:
		l.SetLevel(logrus.WarnLevel)
	default:
		l.SetLevel(logrus.ErrorLevel)
	}
	return l
}
