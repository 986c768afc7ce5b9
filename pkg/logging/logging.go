// Package logging defines the minimal structured-logging contract consumed by
// the fortify primitives, with adapters for zap and logrus and a no-op
// implementation used as the default.
package logging

import (
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Field is one structured logging binding.
type Field struct {
	Key   string
	Value interface{}
}

// F constructs a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the logging contract accepted by every primitive. With returns a
// child logger with the given bindings merged; implementations drop binding
// keys that could collide with host-object internals when logs are shipped to
// dynamic consumers ("__proto__", "constructor", "prototype").
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// unsafeKey reports whether a binding key must be dropped during merge.
func unsafeKey(key string) bool {
	switch key {
	case "__proto__", "constructor", "prototype":
		return true
	}
	return false
}

// filterFields drops unsafe binding keys. The common case has none, so the
// input slice is returned unchanged unless a drop is needed.
func filterFields(fields []Field) []Field {
	for i, f := range fields {
		if unsafeKey(f.Key) {
			out := make([]Field, 0, len(fields)-1)
			out = append(out, fields[:i]...)
			for _, g := range fields[i+1:] {
				if !unsafeKey(g.Key) {
					out = append(out, g)
				}
			}
			return out
		}
	}
	return fields
}

// nopLogger discards everything.
type nopLogger struct{}

// Nop returns a Logger that discards all output. Primitives fall back to it
// when no logger is configured.
func Nop() Logger {
	return nopLogger{}
}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}
func (n nopLogger) With(...Field) Logger { return n }

// zapLogger adapts *zap.Logger to the Logger contract.
type zapLogger struct {
	l *zap.Logger
}

// NewZap wraps a *zap.Logger. A nil logger yields the no-op implementation.
func NewZap(l *zap.Logger) Logger {
	if l == nil {
		return Nop()
	}
	return &zapLogger{l: l}
}

func (z *zapLogger) fields(fields []Field) []zap.Field {
	fields = filterFields(fields)
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func (z *zapLogger) Debug(msg string, fields ...Field) {
	defer recoverLogPanic()
	z.l.Debug(msg, z.fields(fields)...)
}

func (z *zapLogger) Info(msg string, fields ...Field) {
	defer recoverLogPanic()
	z.l.Info(msg, z.fields(fields)...)
}

func (z *zapLogger) Warn(msg string, fields ...Field) {
	defer recoverLogPanic()
	z.l.Warn(msg, z.fields(fields)...)
}

func (z *zapLogger) Error(msg string, fields ...Field) {
	defer recoverLogPanic()
	z.l.Error(msg, z.fields(fields)...)
}

func (z *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{l: z.l.With(z.fields(fields)...)}
}

// logrusLogger adapts a logrus entry to the Logger contract.
type logrusLogger struct {
	e *logrus.Entry
}

// NewLogrus wraps a *logrus.Logger. A nil logger yields the no-op
// implementation.
func NewLogrus(l *logrus.Logger) Logger {
	if l == nil {
		return Nop()
	}
	return &logrusLogger{e: logrus.NewEntry(l)}
}

func (r *logrusLogger) fields(fields []Field) logrus.Fields {
	fields = filterFields(fields)
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}

func (r *logrusLogger) Debug(msg string, fields ...Field) {
	defer recoverLogPanic()
	r.e.WithFields(r.fields(fields)).Debug(msg)
}

func (r *logrusLogger) Info(msg string, fields ...Field) {
	defer recoverLogPanic()
	r.e.WithFields(r.fields(fields)).Info(msg)
}

func (r *logrusLogger) Warn(msg string, fields ...Field) {
	defer recoverLogPanic()
	r.e.WithFields(r.fields(fields)).Warn(msg)
}

func (r *logrusLogger) Error(msg string, fields ...Field) {
	defer recoverLogPanic()
	r.e.WithFields(r.fields(fields)).Error(msg)
}

func (r *logrusLogger) With(fields ...Field) Logger {
	return &logrusLogger{e: r.e.WithFields(r.fields(fields))}
}

// recoverLogPanic swallows panics raised by logging backends. A primitive
// must never fail an operation because its logger did.
func recoverLogPanic() {
	_ = recover()
}

// OrNop returns l, or the no-op logger when l is nil. Primitives use it to
// normalize their configured logger exactly once at construction.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}
