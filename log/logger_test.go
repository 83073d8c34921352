package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level logrus.Level) (*Logger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	lg := logrus.New()
	lg.SetOutput(&buf)
	lg.SetLevel(level)
	lg.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})

	return New(lg, false, nil), &buf
}

func TestLoggerFields(t *testing.T) {
	t.Parallel()

	l, buf := newBufferLogger(t, logrus.DebugLevel)
	l.Debugf("SessionArbiter:acquire", "tid:%s", "T1")

	out := buf.String()
	assert.Contains(t, out, "category=\"SessionArbiter:acquire\"")
	assert.Contains(t, out, "msg=\"tid:T1\"")
	assert.Contains(t, out, "elapsed=")
	assert.Contains(t, out, "goroutine=")
}

func TestLoggerLevel(t *testing.T) {
	t.Parallel()

	l, buf := newBufferLogger(t, logrus.InfoLevel)
	l.Debugf("Mouse:move", "hidden")
	assert.Empty(t, buf.String())

	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.DebugMode())
	l.Debugf("Mouse:move", "shown")
	assert.Contains(t, buf.String(), "shown")

	assert.Error(t, l.SetLevel("loud"))
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	l, buf := newBufferLogger(t, logrus.DebugLevel)
	require.NoError(t, l.SetCategoryFilter("^Keyboard"))

	l.Debugf("Mouse:down", "mouse")
	l.Debugf("Keyboard:down", "keyboard")

	out := buf.String()
	assert.NotContains(t, out, "msg=mouse")
	assert.Contains(t, out, "msg=keyboard")

	require.NoError(t, l.SetCategoryFilter(""))
	l.Debugf("Mouse:down", "again")
	assert.Contains(t, buf.String(), "msg=again")

	assert.Error(t, l.SetCategoryFilter("("))
}

func TestNilLoggerIsNoop(t *testing.T) {
	t.Parallel()

	var l *Logger
	assert.NotPanics(t, func() { l.Errorf("x", "y") })
	assert.NotPanics(t, func() { NewNullLogger().Warnf("x", "y") })
}
