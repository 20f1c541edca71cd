package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/algomatic/screener-service/internal/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(config.TracingConfig{Enabled: false}, nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	ctx, span := StartSpan(context.Background(), "screener.validate")
	defer span.End()
	assert.Nil(t, LogAttrs(ctx))
}

func TestInitExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Init(config.TracingConfig{Enabled: true, ServiceName: "screener-test"}, &buf)
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "screener.execute", attribute.Int("rows", 3))
	attrs := LogAttrs(ctx)
	require.Len(t, attrs, 4)
	assert.Equal(t, "trace_id", attrs[0])
	Fail(span, errors.New("pool exhausted"))
	Fail(span, nil)
	span.End()

	require.NoError(t, shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "screener.execute")
	assert.Contains(t, out, "pool exhausted")
	assert.Contains(t, out, "screener-test")
}
