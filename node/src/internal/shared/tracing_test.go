package shared

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTraceRecordsErrors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewTracerFrom(tp, "test")

	require.NoError(t, tracer.Trace(context.Background(), "ok", func(context.Context) error { return nil }))
	err := tracer.Trace(context.Background(), "fails", func(context.Context) error { return errors.New("boom") })
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ok", spans[0].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNoopTracer(t *testing.T) {
	tracer := NoopTracer()
	ctx, span := tracer.StartSpan(context.Background(), "x")
	span.End()
	assert.NotNil(t, ctx)
}
