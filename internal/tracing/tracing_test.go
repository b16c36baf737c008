package tracing

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func TestInitializeDisabled(t *testing.T) {
	shutdown, err := Initialize(Config{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	// spans are safe without a provider
	_, span := StartSpan(context.Background(), "research.run")
	span.End()
}

func TestTraceparentRoundTrip(t *testing.T) {
	tp := trace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	setTracer(otel.Tracer("test"))

	ctx, span := StartHTTPSpan(context.Background(), "POST", "https://api.example.com/v1/messages")
	defer span.End()

	req := httptest.NewRequest("POST", "https://api.example.com/v1/messages", nil)
	InjectTraceparent(ctx, req)
	header := req.Header.Get("traceparent")
	require.NotEmpty(t, header)

	traceID, spanID, _, ok := ParseTraceparent(header)
	require.True(t, ok)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)
	assert.Equal(t, span.SpanContext().SpanID().String(), spanID)
}

func TestParseTraceparentRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "00-abc", "01-a-b-01", "00-a-b-zz"} {
		_, _, _, ok := ParseTraceparent(in)
		assert.False(t, ok, in)
	}
}

func TestFailMarksSpanAsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	setTracer(tp.Tracer("test"))

	_, ok := StartSpan(context.Background(), "tool.execute")
	Fail(ok, nil)
	ok.End()
	_, failed := StartSpan(context.Background(), "tool.execute")
	Fail(failed, errors.New("search backend unavailable"))
	failed.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "search backend unavailable", spans[1].Status().Description)
}

func TestSamplerHonorsRatio(t *testing.T) {
	assert.Contains(t, Config{}.sampler().Description(), "AlwaysOnSampler")
	assert.Contains(t, Config{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased{0.25}")
}
