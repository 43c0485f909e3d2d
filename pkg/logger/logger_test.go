package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTraceFields(t *testing.T) {
	ctx := context.WithValue(context.Background(), TraceIDKey, "trace-1")
	ctx = context.WithValue(ctx, SpanIDKey, "span-1")

	assert.Equal(t, "trace-1", extractTraceID(ctx))
	assert.Equal(t, "span-1", extractSpanID(ctx))

	assert.Empty(t, extractTraceID(context.Background()))
	assert.Empty(t, extractSpanID(context.Background()))
}

func TestWithContextAttachesTraceFields(t *testing.T) {
	var buf bytes.Buffer
	old := globalLogger
	globalLogger = slog.New(slog.NewJSONHandler(&buf, nil))
	defer func() { globalLogger = old }()

	ctx := context.WithValue(context.Background(), TraceIDKey, "trace-1")
	ctx = context.WithValue(ctx, SpanIDKey, "span-1")
	Info(ctx, "hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"span_id":"span-1"`)
}
