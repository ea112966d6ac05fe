// Package transitionlog buffers the detailed log of one in-flight status
// transition. While the transition runs, every step is appended to a
// per-assignment buffer. If the transition fails the buffer is replayed so
// the operator sees the whole story; if it succeeds the buffer is dropped
// and a single short line is written instead.
//
// Thread safety comes from a dedicated goroutine draining a command
// channel; there are no mutexes. Unlike its predecessor this is a
// constructed instance with a Close, not package state, so tests can run
// several side by side.
package transitionlog

import (
	"bytes"
	"log"
	"strings"
	"time"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
	actClose
)

type cmd struct {
	act          action
	assignmentID string
	message      string
	err          error
	when         time.Time
}

// Log is one buffered transition logger. The zero value is not usable;
// call New.
type Log struct {
	ch   chan cmd
	logf func(string, ...any)
}

// New starts the logger goroutine. logf may be nil to use the standard
// logger; tests inject their own sink.
func New(logf func(string, ...any)) *Log {
	if logf == nil {
		logf = log.Printf
	}
	l := &Log{
		ch:   make(chan cmd, 128), // headroom for bursts of parallel transitions
		logf: logf,
	}
	go l.run()
	return l
}

// Begin opens a buffer for the assignment's current transition.
func (l *Log) Begin(assignmentID string) {
	if l == nil {
		return
	}
	l.ch <- cmd{act: actBegin, assignmentID: assignmentID, when: time.Now()}
}

// Append adds one detail line to the transition buffer. Lines logged for an
// assignment without an open buffer go straight to the log.
func (l *Log) Append(assignmentID, msg string) {
	if l == nil {
		return
	}
	l.ch <- cmd{act: actAppend, assignmentID: assignmentID, message: msg, when: time.Now()}
}

// Success discards the buffer and writes one short confirmation line.
func (l *Log) Success(assignmentID, summary string) {
	if l == nil {
		return
	}
	l.ch <- cmd{act: actSuccess, assignmentID: assignmentID, message: summary, when: time.Now()}
}

// FlushError replays the buffered detail and then the final error.
func (l *Log) FlushError(assignmentID string, err error) {
	if l == nil {
		return
	}
	l.ch <- cmd{act: actFlushErr, assignmentID: assignmentID, err: err, when: time.Now()}
}

// Close stops the goroutine after draining queued commands.
func (l *Log) Close() {
	if l == nil {
		return
	}
	l.ch <- cmd{act: actClose}
}

func (l *Log) run() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range l.ch {
		switch c.act {
		case actBegin:
			buffers[c.assignmentID] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.assignmentID]; b != nil {
				b.WriteString(c.message + "\n")
			} else {
				l.logf("[%s][transition] %s", c.assignmentID, c.message)
			}

		case actSuccess:
			l.logf("[%s][transition] ✔ %s", c.assignmentID, c.message)
			delete(buffers, c.assignmentID)

		case actFlushErr:
			if b := buffers[c.assignmentID]; b != nil {
				for _, ln := range strings.Split(strings.TrimRight(b.String(), "\n"), "\n") {
					if ln != "" {
						l.logf("[%s][transition] %s", c.assignmentID, ln)
					}
				}
				delete(buffers, c.assignmentID)
			}
			l.logf("[%s][transition] FAILED: %v", c.assignmentID, c.err)

		case actClose:
			return
		}
	}
}
