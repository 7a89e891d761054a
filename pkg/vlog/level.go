// Package vlog provides the leveled logger used throughout Velo Rift. It
// follows the same shape in every process: the daemon, the interposition
// library, and the batch-ingest tools all log through the same Logger type,
// while the interposition library records its per-call telemetry in a
// Ring rather than writing to a stream.
package vlog

import "strconv"

// Level is a log severity, ordered from most to least verbose.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	}
	return "Level(" + strconv.Itoa(int(l)) + ")"
}
