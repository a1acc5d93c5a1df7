// Package logger provides a simple logging interface with verbosity control.
package logger

import (
	"fmt"
	"log"
	"sort"
	"strings"
)

// Logger is a custom logger with verbosity control and optional structured
// fields carried from call to call via WithFields.
type Logger struct {
	verbose bool
	prefix  string
}

// New creates a new logger with verbosity control.
func New(verbose bool) *Logger {
	return &Logger{verbose: verbose}
}

// WithFields returns a child logger that prefixes every line with the given
// fields, sorted by key for stable output. Used to carry repo_id/scan_id/
// job_id context through the pipeline so log lines for one scan are
// greppable without a correlation ID lookup.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v ", k, fields[k])
	}

	child := &Logger{verbose: l.verbose, prefix: l.prefix + b.String()}
	return child
}

// Info logs informational messages that are always shown.
func (l *Logger) Info(format string, v ...interface{}) {
	log.Printf(l.prefix+format, v...)
}

// Debug logs debug messages only when verbose mode is enabled.
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.verbose {
		log.Printf("[DEBUG] "+l.prefix+format, v...)
	}
}

// Error logs error messages.
func (l *Logger) Error(format string, v ...interface{}) {
	log.Printf("[ERROR] "+l.prefix+format, v...)
}

// Warn logs warning messages.
func (l *Logger) Warn(format string, v ...interface{}) {
	log.Printf("[WARN] "+l.prefix+format, v...)
}

// Fatal logs an error message and then exits the program.
func (l *Logger) Fatal(format string, v ...interface{}) {
	log.Fatalf("[FATAL] "+l.prefix+format, v...)
}

// IsVerbose returns whether verbose logging is enabled.
func (l *Logger) IsVerbose() bool {
	return l.verbose
}
