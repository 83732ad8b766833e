// Package execlog wraps hclog with the error-handling policy table from the
// design: every call site names the policy it implements (fatal, degrading,
// transient, benign, reload-rejected) instead of a bare log level.
package execlog

import (
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// Logger is the logging surface used throughout execd. It embeds hclog.Logger
// so ordinary Debug/Info/Warn/Error/Trace calls still work, and adds the
// named policy helpers.
type Logger struct {
	hclog.Logger
}

// New builds a Logger at the given level, optionally with line timestamps.
func New(level string, timestamps bool) *Logger {
	opts := &hclog.LoggerOptions{
		Name:            "execd",
		Level:           hclog.LevelFromString(level),
		Output:          os.Stderr,
		IncludeLocation: false,
		DisableTime:     !timestamps,
	}
	return &Logger{Logger: hclog.New(opts)}
}

// Fatal logs a startup-fatal error. The caller is responsible for exiting.
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.Error(msg, args...)
}

// Degrading logs a startup-degrading failure: the daemon continues without
// the affected capability (e.g. the runagent listener or an ACL apply).
func (l *Logger) Degrading(msg string, args ...interface{}) {
	l.Warn(msg, args...)
}

// Transient logs a runtime-transient failure that triggers a documented
// fallback (e.g. detach failure falling back to inline execution).
func (l *Logger) Transient(msg string, args ...interface{}) {
	l.Info(msg, args...)
}

// Benign logs a runtime event that is not an error (signal-interrupted
// sleep, reap of an already-gone process).
func (l *Logger) Benign(msg string, args ...interface{}) {
	l.Debug(msg, args...)
}

// ReloadRejected logs a reload that failed validation; the previous
// configuration remains in effect.
func (l *Logger) ReloadRejected(msg string, args ...interface{}) {
	l.Info(msg, args...)
}
