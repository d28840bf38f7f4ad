package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectPayloads(t *testing.T) (Handler, func() []map[string]any) {
	t.Helper()
	var mu sync.Mutex
	var got []map[string]any
	handler := func(_ context.Context, payload map[string]any, _ string) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, payload)
		return nil, nil
	}
	snapshot := func() []map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]any(nil), got...)
	}
	return handler, snapshot
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	handler, got := collectPayloads(t)
	bus.Subscribe("test.event", handler)

	err := bus.Publish("test.event", map[string]any{"k": "v"}, "tester")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "v", got()[0]["k"])
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	assert.NoError(t, bus.Publish("nobody.listens", nil, "tester"))
}

func TestPerTypeDeliveryOrder(t *testing.T) {
	bus := NewBus(WithWorkers(4))
	defer bus.Close()

	var mu sync.Mutex
	var seen []int
	bus.Subscribe("ordered.event", func(_ context.Context, payload map[string]any, _ string) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, payload["n"].(int))
		return nil, nil
	})

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, bus.Publish("ordered.event", map[string]any{"n": i}, "tester"))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, i, seen[i])
	}
}

func TestRelayMirrorCarriesOriginalID(t *testing.T) {
	history := NewHistory(16)
	bus := NewBus(WithHistory(history))
	defer bus.Close()

	handler, got := collectPayloads(t)
	bus.Subscribe(RelayChannel, handler)

	require.NoError(t, bus.Publish("app.event", map[string]any{"x": 1}, "tester"))

	require.Eventually(t, func() bool { return len(got()) == 1 }, 2*time.Second, 10*time.Millisecond)

	wrapped := got()[0]
	assert.Equal(t, "app.event", wrapped["event_type"])
	assert.Equal(t, "tester", wrapped["source_app"])
	assert.Equal(t, 1, wrapped["x"])

	recorded := history.Recent(1)
	require.Len(t, recorded, 1)
	assert.Equal(t, recorded[0].ID, wrapped["id"])
}

func TestRelayChannelNotMirroredAgain(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	handler, got := collectPayloads(t)
	bus.Subscribe(RelayChannel, handler)

	require.NoError(t, bus.Publish(RelayChannel, map[string]any{"direct": true}, "tester"))

	require.Eventually(t, func() bool { return len(got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got(), 1, "direct relay publish must be delivered exactly once")
	assert.Equal(t, true, got()[0]["direct"])
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	handler, got := collectPayloads(t)
	subID := bus.Subscribe("test.event", handler)

	assert.True(t, bus.Unsubscribe(subID))
	assert.False(t, bus.Unsubscribe(subID), "second unsubscribe reports unknown ID")

	require.NoError(t, bus.Publish("test.event", nil, "tester"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got())
}

func TestListSubscriptions(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	noop := func(context.Context, map[string]any, string) (any, error) { return nil, nil }
	bus.Subscribe("b.event", noop)
	bus.Subscribe("a.event", noop, WithAppID("dashboard"))

	subs := bus.ListSubscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, "a.event", subs[0].EventType)
	assert.Equal(t, "dashboard", subs[0].AppID)
	assert.Equal(t, "b.event", subs[1].EventType)
	assert.NotEmpty(t, subs[0].ID)
}

func TestRequestReturnsMapReply(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Subscribe("math.add", func(_ context.Context, payload map[string]any, _ string) (any, error) {
		a := payload["a"].(int)
		b := payload["b"].(int)
		return map[string]any{"sum": a + b}, nil
	})

	reply, err := bus.Request(context.Background(), "math.add", map[string]any{"a": 2, "b": 3}, "tester", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, reply["sum"])
}

func TestRequestWrapsScalarReply(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Subscribe("ping", func(context.Context, map[string]any, string) (any, error) {
		return "pong", nil
	})

	reply, err := bus.Request(context.Background(), "ping", nil, "tester", time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "pong"}, reply)
}

func TestRequestNoHandler(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, err := bus.Request(context.Background(), "missing", nil, "tester", time.Second)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestRequestTimeout(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Subscribe("slow", func(ctx context.Context, _ map[string]any, _ string) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := bus.Request(context.Background(), "slow", nil, "tester", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRequestHandlerError(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	wantErr := errors.New("handler exploded")
	bus.Subscribe("fails", func(context.Context, map[string]any, string) (any, error) {
		return nil, wantErr
	})

	_, err := bus.Request(context.Background(), "fails", nil, "tester", time.Second)
	assert.ErrorIs(t, err, wantErr)
}

func TestPublishContractViolationDropped(t *testing.T) {
	registry := NewContractRegistry()
	require.NoError(t, registry.Register(Contract{
		EventType: "strict.event",
		PayloadSchema: objectSchema([]string{"name"}, map[string]any{
			"name": map[string]any{"type": "string"},
		}),
	}))

	bus := NewBus(WithContracts(registry))
	defer bus.Close()

	handler, got := collectPayloads(t)
	bus.Subscribe("strict.event", handler)

	err := bus.Publish("strict.event", map[string]any{"name": 42}, "tester")
	require.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got(), "invalid event must not reach subscribers")

	require.NoError(t, bus.Publish("strict.event", map[string]any{"name": "ok"}, "tester"))
	require.Eventually(t, func() bool { return len(got()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	assert.ErrorIs(t, bus.Publish("any.event", nil, "tester"), ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	bus.Close()
	bus.Close()
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(WithWorkers(1))
	defer bus.Close()

	bus.Subscribe("risky.event", func(context.Context, map[string]any, string) (any, error) {
		panic("boom")
	})
	handler, got := collectPayloads(t)
	bus.Subscribe("risky.event", handler)

	require.NoError(t, bus.Publish("risky.event", nil, "tester"))
	require.Eventually(t, func() bool { return len(got()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestQueueOverflowDropsAndCounts(t *testing.T) {
	bus := NewBus(WithWorkers(1), WithQueueSize(1))
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe("flood.event", func(context.Context, map[string]any, string) (any, error) {
		<-release
		return nil, nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish("flood.event", map[string]any{"n": i}, "tester"))
	}
	close(release)

	assert.GreaterOrEqual(t, bus.Dropped(), uint64(1))
}
