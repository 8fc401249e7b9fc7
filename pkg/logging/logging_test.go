package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContextAddsCorrelationID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := WithCorrelationID(context.Background(), "order.create:o1")
	FromContext(ctx, base).Info("handled", zap.String("order_id", "o1"))
	FromContext(context.Background(), base).Info("no id")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "order.create:o1", entries[0].ContextMap()["correlation_id"])
	assert.Equal(t, "o1", entries[0].ContextMap()["order_id"])
	_, ok := entries[1].ContextMap()["correlation_id"]
	assert.False(t, ok)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARN"))
	assert.Equal(t, INFO, ParseLevel("verbose"))
	assert.Equal(t, INFO, ParseLevel(""))
}

func TestNewLoggerLevel(t *testing.T) {
	l := NewLogger(WARN)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}
