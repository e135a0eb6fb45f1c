// Package exlog is the append-only execution log: an ordered record of
// per-node outcomes for one workflow run, queryable by observability
// surfaces while the run is still in flight.
package exlog

import (
	"fmt"
	"sync"
	"time"
)

// Level classifies a log entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Entry is one record in an execution's log. Node is empty for entries
// about the run as a whole (start, terminal status).
type Entry struct {
	Time    time.Time `json:"time"`
	Node    string    `json:"node,omitempty"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// Log is an append-only, time-ordered log for a single execution.
// Safe for concurrent appends; streaming ticks and the orchestrator
// write from different goroutines.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// New creates an empty log stamped with wall-clock time.
func New() *Log {
	return &Log{now: time.Now}
}

// NewWithClock creates a log using the supplied clock. Tests inject a
// fixed clock to get stable output.
func NewWithClock(now func() time.Time) *Log {
	return &Log{now: now}
}

func (l *Log) append(node string, level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{
		Time:    l.now(),
		Node:    node,
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
}

// Infof appends an info entry attributed to a node. Pass an empty node id
// for run-level entries.
func (l *Log) Infof(node, format string, args ...any) {
	l.append(node, LevelInfo, format, args...)
}

// Warnf appends a warning entry.
func (l *Log) Warnf(node, format string, args ...any) {
	l.append(node, LevelWarning, format, args...)
}

// Errorf appends an error entry.
func (l *Log) Errorf(node, format string, args ...any) {
	l.append(node, LevelError, format, args...)
}

// Entries returns a copy of the log in append order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries appended so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
