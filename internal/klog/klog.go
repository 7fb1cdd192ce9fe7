// Package klog is the kernel's console logger.
//
// A bare-metal kernel writes status lines straight to the UART; hosted,
// the same terse, subsystem-tagged, one-line-per-event shape lands on
// stderr through the standard log package.
package klog

import (
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

// Tag returns a logger that prefixes every line with "subsystem: ".
func Tag(subsystem string) *Logger {
	return &Logger{prefix: subsystem + ": "}
}

// Logger is a subsystem-scoped console writer, the hosted analog of a
// kernel module's uartPuts helper.
type Logger struct {
	prefix string
}

func (l *Logger) Printf(format string, args ...any) {
	std.Printf(l.prefix+format, args...)
}

func (l *Logger) Print(args ...any) {
	std.Print(append([]any{l.prefix}, args...)...)
}
