// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogging_NoOpLogger(t *testing.T) {
	logger := &NoOpLogger{}
	logger.Debug("debug", Field{Key: "k", Value: "v"})
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	assert.Same(t, logger, logger.With(Field{Key: "k", Value: 1}))
	assert.IsType(t, &NoOpLogger{}, loggerOrNoOp(nil))
	assert.Same(t, Logger(logger), loggerOrNoOp(logger))
}

func TestLogging_ZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Debug("debug message", Field{Key: "count", Value: 3})
	logger.Info("info message")
	logger.Warn("warn message", Field{Key: "error", Value: errors.New("boom")})
	logger.Error("error message")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, int64(3), entries[0].ContextMap()["count"])
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[2].ContextMap()["error"])
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestLogging_ZapLoggerWith(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := NewZapLogger(zap.New(core)).With(Field{Key: "client", Value: "abc"})

	logger.With(Field{Key: "host", Value: "192.0.2.1"}).Info("Viewer connected")
	logger.Debug("filtered")

	entries := logs.FilterMessage("Viewer connected").AllUntimed()
	require.Len(t, entries, 1)
	assert.Equal(t, map[string]interface{}{"client": "abc", "host": "192.0.2.1"}, entries[0].ContextMap())
	assert.Equal(t, 1, logs.Len())
}

func TestLogging_ZapLoggerNil(t *testing.T) {
	logger := NewZapLogger(nil)
	require.NotNil(t, logger.Zap())
	logger.Info("discarded")
}

func TestLogging_ServerEvents(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s, _ := newTestServer(t, nil, WithLogger(NewZapLogger(zap.New(core))))
	v := pipeViewer(t, s)
	v.connectNone(true)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("Viewer authenticated").Len() == 1
	}, ioTimeout, 10*time.Millisecond)

	entry := logs.FilterMessage("Viewer connected").AllUntimed()
	require.Len(t, entry, 1)
	assert.Equal(t, "192.0.2.10", entry[0].ContextMap()["host"])
}
