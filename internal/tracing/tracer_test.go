package tracing

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProvider_Sampling(t *testing.T) {
	tests := []struct {
		name      string
		ratio     float64
		wantSpans int
	}{
		{name: "Always sample", ratio: 1, wantSpans: 1},
		{name: "Never sample", ratio: 0, wantSpans: 0},
		{name: "Ratio above one is clamped", ratio: 7, wantSpans: 1},
		{name: "Negative ratio is clamped", ratio: -1, wantSpans: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := tracetest.NewSpanRecorder()
			tp := newProvider("discount-engine-test", tt.ratio, sdktrace.WithSpanProcessor(recorder))
			t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

			_, span := otel.Tracer("test").Start(context.Background(), "op")
			span.End()

			assert.Len(t, recorder.Ended(), tt.wantSpans)
			assert.Same(t, tp, otel.GetTracerProvider())
		})
	}
}

func TestInitTracerProvider(t *testing.T) {
	tp, err := InitTracerProvider("discount-engine-test", "http://localhost:14268/api/traces", 1, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.Same(t, tp, otel.GetTracerProvider())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tp.Shutdown(ctx)
}

func TestDisabled(t *testing.T) {
	tp := Disabled("discount-engine-test")
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.False(t, span.SpanContext().IsSampled())
}
