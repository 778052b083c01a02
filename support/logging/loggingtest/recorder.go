// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package loggingtest offers a logging.L that records its entries for
// inspection in tests.
package loggingtest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mikemanookin/manookin-package/support/logging"
)

// Level is a recorded log level.
type Level string

// Recorded levels.
const (
	LevelError Level = "ERROR"
	LevelWarn  Level = "WARN"
	LevelInfo  Level = "INFO"
	LevelDebug Level = "DEBUG"
)

// Entry is a single recorded log entry.
type Entry struct {
	Level   Level
	Message string
}

func (e Entry) String() string { return fmt.Sprintf("%s: %s", e.Level, e.Message) }

// Recorder is a logging.L that records every entry. It is safe for concurrent
// use.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

var _ logging.L = (*Recorder)(nil)

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Has returns true if an entry at level contains substr.
func (r *Recorder) Has(level Level, substr string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func (r *Recorder) record(level Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: msg})
}

func (r *Recorder) Error(args ...interface{}) { r.record(LevelError, fmt.Sprint(args...)) }
func (r *Recorder) Warn(args ...interface{})  { r.record(LevelWarn, fmt.Sprint(args...)) }
func (r *Recorder) Info(args ...interface{})  { r.record(LevelInfo, fmt.Sprint(args...)) }
func (r *Recorder) Debug(args ...interface{}) { r.record(LevelDebug, fmt.Sprint(args...)) }

func (r *Recorder) Errorf(f string, args ...interface{}) { r.record(LevelError, fmt.Sprintf(f, args...)) }
func (r *Recorder) Warnf(f string, args ...interface{})  { r.record(LevelWarn, fmt.Sprintf(f, args...)) }
func (r *Recorder) Infof(f string, args ...interface{})  { r.record(LevelInfo, fmt.Sprintf(f, args...)) }
func (r *Recorder) Debugf(f string, args ...interface{}) { r.record(LevelDebug, fmt.Sprintf(f, args...)) }
