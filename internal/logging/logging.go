// Package logging is a small leveled wrapper over the standard library
// logger. Components log with a bracketed prefix so grep-based debugging
// stays practical: logging.Infof("[gardener] deep tick done in %v", d).
package logging

import (
	"log"
	"os"
)

var (
	disabled = false
	logger   = log.New(os.Stdout, "", log.LstdFlags)
)

// Disable turns off all logging (used by the chat REPL for clean output)
func Disable() {
	disabled = true
}

// Enable turns logging back on
func Enable() {
	disabled = false
}

// Info logs an info message
func Info(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Error logs an error message
func Error(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Warn logs a warning message
func Warn(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}
