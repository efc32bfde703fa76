package log

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() (*Logger, *logrustest.Hook) {
	ll := logrus.New()
	ll.SetOutput(io.Discard)
	ll.SetLevel(logrus.DebugLevel)
	hook := logrustest.NewLocal(ll)
	return New(ll, false, nil), hook
}

func TestLoggerCategories(t *testing.T) {
	t.Parallel()

	l, hook := newTestLogger()

	l.Debugf("Connection:recvLoop", "received %d bytes", 42)
	l.Warnf("NetworkManager", "unknown resource type")

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Connection:recvLoop", entries[0].Data["category"])
	assert.Equal(t, "received 42 bytes", entries[0].Message)
	assert.Equal(t, logrus.WarnLevel, entries[1].Level)
	assert.Contains(t, entries[0].Data, "goroutine")
	assert.Contains(t, entries[0].Data, "elapsed")
}

func TestLoggerLevelGate(t *testing.T) {
	t.Parallel()

	l, hook := newTestLogger()
	require.NoError(t, l.SetLevel("info"))

	l.Debugf("Session", "should be dropped")
	l.Infof("Session", "should pass")

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "should pass", entries[0].Message)
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	l, hook := newTestLogger()
	require.NoError(t, l.SetCategoryFilter("^Frame"))

	l.Debugf("FrameManager:frameNavigated", "kept")
	l.Debugf("Connection:recvLoop", "filtered out")

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)

	assert.Error(t, l.SetCategoryFilter("(unbalanced"))
}

func TestLoggerDebugMode(t *testing.T) {
	t.Parallel()

	l, _ := newTestLogger()
	assert.True(t, l.DebugMode())

	require.NoError(t, l.SetLevel("info"))
	assert.False(t, l.DebugMode())
}

func TestNullLoggerDiscards(t *testing.T) {
	t.Parallel()

	l := NewNullLogger()
	// Should not panic or emit anywhere.
	l.Errorf("category", "err:%v", io.EOF)

	var nilLogger *Logger
	nilLogger.Debugf("category", "no-op on nil receiver")
}
