// Package alloclog provides lightweight, allocation-free-path-safe logging
// for diagnostic events the allocator raises off the hot path: region
// reservation/release, abandonment, adoption, and corruption detection.
package alloclog

import (
	"fmt"
	"os"
	"time"
)

// Logger gates Info behind Verbose and Debug behind DebugMode; Warn and
// Error always print on a non-nil Logger.
type Logger struct {
	Verbose   bool
	DebugMode bool
}

// New creates a logger instance.
func New(verbose, debug bool) *Logger {
	return &Logger{Verbose: verbose, DebugMode: debug}
}

// Discard is a logger with Info and Debug off; Warn and Error through it
// still print.
var Discard = &Logger{}

func (l *Logger) Info(format string, args ...interface{}) {
	if l != nil && l.Verbose {
		fmt.Fprintf(os.Stderr, "[INFO] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l != nil && l.DebugMode {
		fmt.Fprintf(os.Stderr, "[DEBUG] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "[WARN] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "[ERROR] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
