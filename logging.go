// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"go.uber.org/zap"
)

// Field is a structured logging key-value pair.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the structured logger used throughout the server.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a logger that adds fields to every message.
	With(fields ...Field) Logger
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

// Debug discards the message.
func (l *NoOpLogger) Debug(string, ...Field) {}

// Info discards the message.
func (l *NoOpLogger) Info(string, ...Field) {}

// Warn discards the message.
func (l *NoOpLogger) Warn(string, ...Field) {}

// Error discards the message.
func (l *NoOpLogger) Error(string, ...Field) {}

// With returns l.
func (l *NoOpLogger) With(...Field) Logger {
	return l
}

// loggerOrNoOp substitutes a NoOpLogger for nil.
func loggerOrNoOp(l Logger) Logger {
	if l == nil {
		return &NoOpLogger{}
	}
	return l
}

// ZapLogger adapts a *zap.Logger to Logger.
type ZapLogger struct {
	z *zap.Logger
}

// NewZapLogger wraps z. A nil z yields a no-op zap logger.
func NewZapLogger(z *zap.Logger) *ZapLogger {
	if z == nil {
		z = zap.NewNop()
	}
	return &ZapLogger{z: z}
}

// Zap returns the underlying zap logger.
func (l *ZapLogger) Zap() *zap.Logger {
	return l.z
}

func zapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		if err, ok := f.Value.(error); ok {
			out[i] = zap.NamedError(f.Key, err)
			continue
		}
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

// Debug logs a debug-level message.
func (l *ZapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, zapFields(fields)...) }

// Info logs an info-level message.
func (l *ZapLogger) Info(msg string, fields ...Field) { l.z.Info(msg, zapFields(fields)...) }

// Warn logs a warning-level message.
func (l *ZapLogger) Warn(msg string, fields ...Field) { l.z.Warn(msg, zapFields(fields)...) }

// Error logs an error-level message.
func (l *ZapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, zapFields(fields)...) }

// With returns a child logger.
func (l *ZapLogger) With(fields ...Field) Logger {
	return &ZapLogger{z: l.z.With(zapFields(fields)...)}
}
