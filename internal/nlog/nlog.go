// Package nlog is a trimmed, single-file descendant of the teacher's
// leveled logger: no file rotation, no flag wiring, no multi-file output —
// just a package-level default logger. It does no buffering: each call
// formats its line and writes it to the output synchronously while holding
// a package mutex, so the caller waits for that write.
package nlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

func (s severity) tag() byte {
	switch s {
	case sevWarn:
		return 'W'
	case sevErr:
		return 'E'
	default:
		return 'I'
	}
}

var (
	mu  sync.Mutex
	out = os.Stderr
)

// SetOutput redirects the default logger, e.g. to a test buffer.
func SetOutput(w *os.File) {
	mu.Lock()
	out = w
	mu.Unlock()
}

func log(sev severity, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	now := time.Now().Format("0102 15:04:05.000000")

	mu.Lock()
	fmt.Fprintf(out, "%c%s %s\n", sev.tag(), now, msg)
	mu.Unlock()
}

func Infof(format string, args ...any)  { log(sevInfo, format, args...) }
func Warnf(format string, args ...any)  { log(sevWarn, format, args...) }
func Errorf(format string, args ...any) { log(sevErr, format, args...) }

func Infoln(args ...any)  { log(sevInfo, fmt.Sprintln(args...)) }
func Warnln(args ...any)  { log(sevWarn, fmt.Sprintln(args...)) }
func Errorln(args ...any) { log(sevErr, fmt.Sprintln(args...)) }
