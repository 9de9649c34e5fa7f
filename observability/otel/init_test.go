package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	otelglobal "go.opentelemetry.io/otel"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer abc ,broken, =skip,x-tenant=ledger")
	require.Equal(t, map[string]string{"authorization": "Bearer abc", "x-tenant": "ledger"}, headers)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector:4318 ")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "k=v")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	cfg := ConfigFromEnv("lendingd", "dev")
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
	require.Equal(t, "v", cfg.Headers["k"])
	require.Equal(t, "lendingd", cfg.ServiceName)
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "lendingd", Metrics: true, Traces: true})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{})
	require.Error(t, err)
}

type namedEvent string

func (e namedEvent) EventType() string { return string(e) }

func TestEventMeterCountsByType(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	previous := otelglobal.GetMeterProvider()
	otelglobal.SetMeterProvider(provider)
	t.Cleanup(func() { otelglobal.SetMeterProvider(previous) })

	meter, err := NewEventMeter()
	require.NoError(t, err)
	meter.Emit(namedEvent("lending.loan.funded"))
	meter.Emit(namedEvent("lending.loan.funded"))
	meter.Emit(nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	require.Equal(t, int64(2), sum.DataPoints[0].Value)
}

func TestSampleRatioBounds(t *testing.T) {
	require.Equal(t, 1.0, Config{}.sampleRatio())
	require.Equal(t, 1.0, Config{SampleRatio: 2}.sampleRatio())
	require.Equal(t, 0.25, Config{SampleRatio: 0.25}.sampleRatio())

	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.5")
	require.Equal(t, 0.5, ConfigFromEnv("lendingd", "").SampleRatio)
}
