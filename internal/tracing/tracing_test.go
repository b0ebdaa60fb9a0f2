package tracing

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zmcptools/zmcp/internal/config"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())

	_, span := p.Tracer().Start(context.Background(), "phase")
	require.False(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestEnabledProviderRecordsSpans(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "none", SampleRate: 1.0})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "phase")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestUnsupportedExporterRejected(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "jaeger"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "jaeger")
}

func TestIDsFollowW3CFormat(t *testing.T) {
	traceID := NewTraceID()
	spanID := NewSpanID()
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), traceID)
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), spanID)
	require.NotEqual(t, traceID, NewTraceID())
}

func TestTraceIDContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	require.Empty(t, TraceIDFrom(ctx))
	require.Empty(t, TraceIDFrom(nil))

	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	require.Equal(t, id, TraceIDFrom(ctx))

	require.Equal(t, ctx, WithTraceID(ctx, ""))
}
