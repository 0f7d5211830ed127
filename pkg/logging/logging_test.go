package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewWritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Options{Level: slog.LevelInfo, NoColor: true})
	log.Debug("hidden")
	log.Info("stored evidence", "cid", "c1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "stored evidence")
	assert.Contains(t, out, "cid=c1")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestStoreLoggerLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, StoreLogger(nil, slog.LevelDebug).GetLevel())
	assert.Equal(t, logrus.WarnLevel, StoreLogger(nil, slog.LevelInfo).GetLevel())
	assert.Equal(t, logrus.ErrorLevel, StoreLogger(nil, slog.LevelError).GetLevel())
}
