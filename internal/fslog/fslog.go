// Package fslog provides the leveled logging used throughout fs123.
//
// It is a thin wrapper around logrus that gives every subsystem the same
// four verbs (Debugf/Infof/Noticef/Errorf) regardless of which package is
// doing the logging, mirroring the way the original C++ server had a
// single complaints/diag facility shared by every translation unit.
package fslog

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Logger is the shared interface used by every component. Tests can
// substitute a logrus.Logger with a buffer-backed output.
type Logger struct {
	*logrus.Logger
}

// Std is the process-wide default logger.
var Std = New()

// New creates a Logger with fs123's default formatting: text, with
// timestamps, to stderr.
func New() *Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{Logger: l}
}

type ctxKey struct{}

// WithFields returns a context carrying structured fields that will be
// attached to every log line emitted through it.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	e := entryFromContext(ctx).WithFields(fields)
	return context.WithValue(ctx, ctxKey{}, e)
}

func entryFromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if e, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok {
			return e
		}
	}
	return logrus.NewEntry(Std.Logger)
}

// Debugf logs at debug level, used for per-request wire-protocol detail.
func Debugf(ctx context.Context, format string, args ...interface{}) {
	entryFromContext(ctx).Debugf(format, args...)
}

// Infof logs at info level.
func Infof(ctx context.Context, format string, args ...interface{}) {
	entryFromContext(ctx).Infof(format, args...)
}

// Noticef logs at logrus warning level, used for things an operator
// should notice but that are not errors (rejected requests, peer
// discouragement, key rotation).
func Noticef(ctx context.Context, format string, args ...interface{}) {
	entryFromContext(ctx).Warnf(format, args...)
}

// Errorf logs at error level.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	entryFromContext(ctx).Errorf(format, args...)
}
