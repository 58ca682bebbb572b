package logger

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink is a minimal logr.LogSink that records every Info call, used to assert that Logger
// gates messages by component/level and forwards the rest to its sink.
type captureSink struct {
	calls []capturedCall
}

type capturedCall struct {
	level         int
	msg           string
	keysAndValues []interface{}
}

func (s *captureSink) Init(logr.RuntimeInfo)            {}
func (s *captureSink) Enabled(level int) bool            { return true }
func (s *captureSink) Error(error, string, ...interface{}) {}
func (s *captureSink) WithValues(keysAndValues ...interface{}) logr.LogSink { return s }
func (s *captureSink) WithName(name string) logr.LogSink                    { return s }

func (s *captureSink) Info(level int, msg string, keysAndValues ...interface{}) {
	s.calls = append(s.calls, capturedCall{level, msg, keysAndValues})
}

func waitForCalls(t *testing.T, sink *captureSink, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sink.calls) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Lenf(t, sink.calls, n, "timed out waiting for %d log calls", n)
}

func TestLogger_PrintGatesByComponentLevel(t *testing.T) {
	sink := &captureSink{}
	l := New(logr.New(sink), map[Component]Level{ComponentTopology: LevelInfo})
	StartPrintListener(l)
	defer l.Close()

	l.Print(ComponentTopology, LevelDebug, "should be dropped, debug not enabled")
	l.Print(ComponentCommand, LevelInfo, "should be dropped, component not configured")
	l.Print(ComponentTopology, LevelInfo, "topology description changed", "newKind", "Single")

	waitForCalls(t, sink, 1)
	assert.Equal(t, "topology description changed", sink.calls[0].msg)
	assert.Contains(t, sink.calls[0].keysAndValues, "component")
}

func TestLogger_IsReflectsConfiguredLevel(t *testing.T) {
	l := New(logr.Discard(), map[Component]Level{ComponentTopology: LevelDebug})

	assert.True(t, l.Is(LevelInfo, ComponentTopology))
	assert.True(t, l.Is(LevelDebug, ComponentTopology))
	assert.False(t, l.Is(LevelInfo, ComponentCommand))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelInfo, ParseLevel("warn"))
	assert.Equal(t, LevelOff, ParseLevel("nonsense"))
}
