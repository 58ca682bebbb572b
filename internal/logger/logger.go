package logger

import (
	"github.com/go-logr/logr"
)

const jobBufferSize = 100

// Component identifies the driver subsystem a log message originates from, mirroring the
// component-scoped verbosity model of §5's ambient logging requirement.
type Component int

const (
	ComponentCommand Component = iota
	ComponentTopology
	ComponentServerSelection
	ComponentConnection
)

func (c Component) String() string {
	switch c {
	case ComponentCommand:
		return "command"
	case ComponentTopology:
		return "topology"
	case ComponentServerSelection:
		return "serverSelection"
	case ComponentConnection:
		return "connection"
	default:
		return "unknown"
	}
}

type job struct {
	component     Component
	level         Level
	msg           string
	keysAndValues []interface{}
}

// Logger is the driver's logger. Messages are handed to a background goroutine so that logging
// never adds latency to the operation path, then forwarded to a logr.Logger sink.
type Logger struct {
	ComponentLevels map[Component]Level
	Sink            logr.Logger

	jobs chan job
}

// New constructs a Logger around sink, gating each Component at the Level given in
// componentLevels (LevelOff if the Component is absent from the map).
func New(sink logr.Logger, componentLevels map[Component]Level) *Logger {
	levels := make(map[Component]Level, len(componentLevels))
	for c, l := range componentLevels {
		levels[c] = l
	}
	return &Logger{
		ComponentLevels: levels,
		Sink:            sink,
		jobs:            make(chan job, jobBufferSize),
	}
}

// Close stops the printer goroutine started by StartPrintListener.
func (logger *Logger) Close() {
	close(logger.jobs)
}

// Is reports whether level is enabled for component.
func (logger *Logger) Is(level Level, component Component) bool {
	return logger.ComponentLevels[component] >= level
}

// Print enqueues a log message for component at level. If the job buffer is full the message is
// dropped rather than blocking the caller.
func (logger *Logger) Print(component Component, level Level, msg string, keysAndValues ...interface{}) {
	if !logger.Is(level, component) {
		return
	}
	select {
	case logger.jobs <- job{component, level, msg, keysAndValues}:
	default:
	}
}

// StartPrintListener starts the goroutine that drains logger's job queue into its Sink. Callers
// must eventually call logger.Close to stop it.
func StartPrintListener(logger *Logger) {
	go func() {
		for j := range logger.jobs {
			levelInt := int(j.level) - DiffToInfo
			kvs := append([]interface{}{"component", j.component.String()}, j.keysAndValues...)
			logger.Sink.V(levelInt).Info(j.msg, kvs...)
		}
	}()
}
