package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/essaygraph/graph"
	"github.com/dshills/essaygraph/internal/config"
)

func TestSetup_None(t *testing.T) {
	tel, err := Setup(context.Background(), config.TelemetryConfig{Tracing: "none"}, io.Discard, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.Metrics)
	assert.Empty(t, tel.MetricsAddr())

	_, span := tel.Tracer.Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestSetup_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	tel, err := Setup(context.Background(), config.TelemetryConfig{Tracing: "stdout", ServiceName: "essaygraph-test"}, &buf, nil)
	require.NoError(t, err)

	_, span := tel.Tracer.Start(context.Background(), "node_end")
	span.End()
	require.NoError(t, tel.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name": "node_end"`)
	assert.Contains(t, buf.String(), "essaygraph-test")
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{Tracing: "zipkin"}, io.Discard, nil)
	assert.Error(t, err)
}

func TestSetup_MetricsEndpoint(t *testing.T) {
	tel, err := Setup(context.Background(), config.TelemetryConfig{Tracing: "none", MetricsAddr: "127.0.0.1:0"}, io.Discard, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	require.NotEmpty(t, tel.MetricsAddr())

	tel.Metrics.RecordRun(graph.StatusCompleted)
	tel.Metrics.RecordStepLatency("generate", 12*time.Millisecond, "success")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + tel.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `essaygraph_runs_total{status="completed"} 1`)
	assert.Contains(t, string(body), "essaygraph_step_latency_ms")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSetup_MetricsAddrInUse(t *testing.T) {
	first, err := Setup(context.Background(), config.TelemetryConfig{MetricsAddr: "127.0.0.1:0"}, io.Discard, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	_, err = Setup(context.Background(), config.TelemetryConfig{MetricsAddr: first.MetricsAddr()}, io.Discard, nil)
	assert.Error(t, err)
}
