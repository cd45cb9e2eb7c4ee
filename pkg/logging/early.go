package logging

import (
	"fmt"
	"io"
	"os"
)

// EarlyLog writes to the standard streams before the configured logger exists.
type EarlyLog struct {
	out  io.Writer
	errw io.Writer
	exit func(int)
}

func NewEarlyLog() *EarlyLog {
	return &EarlyLog{out: os.Stdout, errw: os.Stderr, exit: os.Exit}
}

// Error reports a startup error without terminating the process; the cobra
// command returns the error itself.
func (l *EarlyLog) Error(msg string, args ...interface{}) {
	fmt.Fprintf(l.errw, "ERROR: "+msg+"\n", args...)
}

func (l *EarlyLog) Fatal(msg string, args ...interface{}) {
	fmt.Fprintf(l.errw, "FATAL: "+msg+"\n", args...)
	l.exit(1)
}

func (l *EarlyLog) Warn(msg string, args ...interface{}) {
	fmt.Fprintf(l.errw, "WARN: "+msg+"\n", args...)
}

func (l *EarlyLog) Info(msg string, args ...interface{}) {
	fmt.Fprintf(l.out, "INFO: "+msg+"\n", args...)
}
