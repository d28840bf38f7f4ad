package prometheus

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/promptforge/events"
	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/types"
)

func resetCollectors() {
	runsActive.Set(0)
	runDuration.Reset()
	stageDuration.Reset()
	stagesTotal.Reset()
	providerRequestDuration.Reset()
	providerRequestsTotal.Reset()
	providerTokensTotal.Reset()
	jobsSubmittedTotal.Reset()
	jobsTotal.Reset()
	streamClients.Reset()
}

func TestHookRunLifecycle(t *testing.T) {
	resetCollectors()
	hook := NewHook()

	hook.RunStarted()
	hook.RunStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(runsActive))

	hook.RunFinished("completed", 3*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(runsActive))

	hook.RunFinished("error", time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(runsActive))

	assert.Equal(t, 2, testutil.CollectAndCount(runDuration))
}

func TestHookStageFinished(t *testing.T) {
	resetCollectors()
	hook := NewHook()

	hook.StageFinished("analyze", 500*time.Millisecond, true)
	hook.StageFinished("analyze", 200*time.Millisecond, true)
	hook.StageFinished("optimize", time.Second, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(stagesTotal.WithLabelValues("analyze", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(stagesTotal.WithLabelValues("optimize", "error")))
}

func TestHookStreamClients(t *testing.T) {
	resetCollectors()
	hook := NewHook()

	hook.ClientConnected("sse")
	hook.ClientConnected("sse")
	hook.ClientConnected("ws")
	assert.Equal(t, 2.0, testutil.ToFloat64(streamClients.WithLabelValues("sse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(streamClients.WithLabelValues("ws")))

	hook.ClientDisconnected("sse")
	assert.Equal(t, 1.0, testutil.ToFloat64(streamClients.WithLabelValues("sse")))
}

func TestRecordProviderTokens(t *testing.T) {
	resetCollectors()

	RecordProviderTokens("anthropic", "claude-3", types.TokenUsage{
		InputTokens:          types.Int(100),
		OutputTokens:         types.Int(50),
		CacheReadInputTokens: types.Int(20),
	})
	RecordProviderTokens("anthropic", "claude-3", types.TokenUsage{
		InputTokens:  types.Int(200),
		OutputTokens: types.Int(100),
	})

	assert.Equal(t, 300.0, testutil.ToFloat64(providerTokensTotal.WithLabelValues("anthropic", "claude-3", "input")))
	assert.Equal(t, 150.0, testutil.ToFloat64(providerTokensTotal.WithLabelValues("anthropic", "claude-3", "output")))
	assert.Equal(t, 20.0, testutil.ToFloat64(providerTokensTotal.WithLabelValues("anthropic", "claude-3", "cache_read")))
}

func TestRecordProviderTokensSkipsAbsent(t *testing.T) {
	resetCollectors()

	RecordProviderTokens("mock", "mock-model", types.TokenUsage{})

	assert.Equal(t, 0.0, testutil.ToFloat64(providerTokensTotal.WithLabelValues("mock", "mock-model", "input")))
	assert.Equal(t, 0.0, testutil.ToFloat64(providerTokensTotal.WithLabelValues("mock", "mock-model", "output")))
}

func TestInstrumentProviderSuccess(t *testing.T) {
	resetCollectors()

	mock := providers.NewMockProvider("mock", "mock-model")
	p := InstrumentProvider(mock)

	resp, err := p.Complete(context.Background(), providers.Request{
		Messages: []types.Message{types.UserMessage("hello")},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, 1.0, testutil.ToFloat64(providerRequestsTotal.WithLabelValues("mock", "mock-model", "success")))
	assert.Positive(t, testutil.ToFloat64(providerTokensTotal.WithLabelValues("mock", "mock-model", "input")))
}

func TestInstrumentProviderError(t *testing.T) {
	resetCollectors()

	mock := providers.NewMockProvider("mock", "mock-model")
	mock.SetResponseFunc(func(context.Context, providers.Request) (string, error) {
		return "", errors.New("boom")
	})
	p := InstrumentProvider(mock)

	_, err := p.Complete(context.Background(), providers.Request{
		Messages: []types.Message{types.UserMessage("hello")},
	})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(providerRequestsTotal.WithLabelValues("mock", "mock-model", "error")))
}

func TestInstrumentProviderPassthrough(t *testing.T) {
	mock := providers.NewMockProvider("mock", "mock-model")
	p := InstrumentProvider(mock)

	assert.Equal(t, "mock", p.ID())
	assert.Equal(t, "mock-model", p.Model())
	assert.NoError(t, p.TestConnection(context.Background()))
	assert.NoError(t, p.Close())
}

func TestBindBusCountsJobLifecycle(t *testing.T) {
	resetCollectors()

	bus := events.NewBus()
	defer bus.Close()
	unbind := BindBus(bus)
	defer unbind()

	require.NoError(t, bus.Publish("kernel:job.submitted", map[string]any{
		"job_id": "j1", "job_type": "batch_optimize", "priority": 5,
	}, "kernel"))
	require.NoError(t, bus.Publish("kernel:job.completed", map[string]any{
		"job_id": "j1", "job_type": "batch_optimize",
	}, "kernel"))
	require.NoError(t, bus.Publish("kernel:job.failed", map[string]any{
		"job_id": "j2", "job_type": "batch_optimize", "error": "boom",
	}, "kernel"))
	require.NoError(t, bus.Publish("kernel:job.failed", map[string]any{
		"job_id": "j3", "job_type": "batch_optimize", "reason": "cancelled",
	}, "kernel"))

	// Delivery is asynchronous; poll until the counters settle.
	deadline := time.After(2 * time.Second)
	for {
		done := testutil.ToFloat64(jobsTotal.WithLabelValues("batch_optimize", "completed")) == 1 &&
			testutil.ToFloat64(jobsTotal.WithLabelValues("batch_optimize", "failed")) == 1 &&
			testutil.ToFloat64(jobsTotal.WithLabelValues("batch_optimize", "cancelled")) == 1
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job metrics")
		case <-time.After(10 * time.Millisecond):
		}
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(jobsSubmittedTotal.WithLabelValues("batch_optimize")))
}

func TestBindBusUnsubscribes(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	unbind := BindBus(bus)
	require.Len(t, bus.ListSubscriptions(), 3)

	unbind()
	assert.Empty(t, bus.ListSubscriptions())
}

func TestPayloadString(t *testing.T) {
	assert.Equal(t, "export", payloadString(map[string]any{"job_type": "export"}, "job_type"))
	assert.Equal(t, "unknown", payloadString(map[string]any{"job_type": 7}, "job_type"))
	assert.Equal(t, "unknown", payloadString(map[string]any{}, "job_type"))
}

func TestNewExporter(t *testing.T) {
	exporter := NewExporter(":9091")
	require.NotNil(t, exporter)
	assert.NotNil(t, exporter.Registry())
}

func TestExporterHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})
	reg.MustRegister(counter)
	counter.Inc()

	exporter := NewExporterWithRegistry(":9093", reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exporter.Handler().ServeHTTP(rec, req)

	resp := rec.Result()
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_counter")
}

func TestExporterRegister(t *testing.T) {
	exporter := NewExporterWithRegistry(":9094", prometheus.NewRegistry())

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "custom_counter",
		Help: "Custom counter",
	})

	require.NoError(t, exporter.Register(counter))
	assert.Error(t, exporter.Register(counter))
}

func TestExporterStartShutdown(t *testing.T) {
	exporter := NewExporterWithRegistry("127.0.0.1:0", prometheus.NewRegistry())

	errCh := make(chan error, 1)
	go func() {
		errCh <- exporter.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, exporter.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exporter to stop")
	}
}

func TestExporterDoubleStart(t *testing.T) {
	exporter := NewExporterWithRegistry("127.0.0.1:0", prometheus.NewRegistry())

	go func() {
		_ = exporter.Start()
	}()
	time.Sleep(100 * time.Millisecond)

	assert.NoError(t, exporter.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = exporter.Shutdown(ctx)
}
