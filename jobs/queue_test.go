package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/promptforge/events"
)

// waitStatus polls the store until the job reaches want.
func waitStatus(t *testing.T, q *Queue, jobID string, want Status) *Job {
	t.Helper()
	var got *Job
	require.Eventually(t, func() bool {
		j, err := q.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, want)
	return got
}

func TestQueueExecutesJob(t *testing.T) {
	q := NewQueue(NewMemoryStore())
	t.Cleanup(func() { _ = q.Stop() })

	q.Register("echo", func(ctx context.Context, j *Job) (any, error) {
		return map[string]any{"echo": j.Payload["msg"]}, nil
	})
	q.Start()

	j, err := q.Submit(context.Background(), "app", "echo", map[string]any{"msg": "hi"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)

	done := waitStatus(t, q, j.ID, StatusCompleted)
	assert.Equal(t, 1.0, done.Progress)
	assert.Equal(t, "hi", done.Result["echo"])
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestQueueWrapsNonMapResults(t *testing.T) {
	q := NewQueue(NewMemoryStore())
	t.Cleanup(func() { _ = q.Stop() })

	q.Register("count", func(ctx context.Context, j *Job) (any, error) {
		return 7, nil
	})
	q.Start()

	j, err := q.Submit(context.Background(), "app", "count", nil, 0, 0)
	require.NoError(t, err)

	done := waitStatus(t, q, j.ID, StatusCompleted)
	assert.Equal(t, float64(7), done.Result["result"])
}

func TestQueuePriorityOrder(t *testing.T) {
	q := NewQueue(NewMemoryStore(), WithWorkers(1))
	t.Cleanup(func() { _ = q.Stop() })

	var mu sync.Mutex
	var order []string
	q.Register("ordered", func(ctx context.Context, j *Job) (any, error) {
		mu.Lock()
		order = append(order, j.Payload["tag"].(string))
		mu.Unlock()
		return nil, nil
	})

	// Submit before Start so the heap orders all of them at once.
	submit := func(tag string, priority int) *Job {
		j, err := q.Submit(context.Background(), "app", "ordered", map[string]any{"tag": tag}, priority, 0)
		require.NoError(t, err)
		return j
	}
	lowest := submit("low", 1)
	submit("high", 9)
	submit("mid-a", 5)
	submit("mid-b", 5)

	q.Start()
	// The lowest priority pops last, so its completion means all ran.
	waitStatus(t, q, lowest.ID, StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, order,
		"higher priority first, FIFO within a priority")
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	q := NewQueue(NewMemoryStore())
	t.Cleanup(func() { _ = q.Stop() })

	var mu sync.Mutex
	attempts := 0
	q.Register("flaky", func(ctx context.Context, j *Job) (any, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, fmt.Errorf("attempt %d failed", n)
		}
		return "ok", nil
	})
	q.Start()

	j, err := q.Submit(context.Background(), "app", "flaky", nil, 0, 2)
	require.NoError(t, err)

	done := waitStatus(t, q, j.ID, StatusCompleted)
	assert.Equal(t, 2, done.RetryCount)
	assert.Equal(t, "ok", done.Result["result"])
}

func TestQueueFailsAfterMaxRetries(t *testing.T) {
	q := NewQueue(NewMemoryStore())
	t.Cleanup(func() { _ = q.Stop() })

	var mu sync.Mutex
	attempts := 0
	q.Register("doomed", func(ctx context.Context, j *Job) (any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("always broken")
	})
	q.Start()

	j, err := q.Submit(context.Background(), "app", "doomed", nil, 0, 1)
	require.NoError(t, err)

	done := waitStatus(t, q, j.ID, StatusFailed)
	assert.Equal(t, 2, done.RetryCount)
	assert.Equal(t, "always broken", done.Error)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts, "initial attempt plus one retry")
}

func TestQueueNoHandlerFailsJob(t *testing.T) {
	q := NewQueue(NewMemoryStore())
	t.Cleanup(func() { _ = q.Stop() })
	q.Start()

	j, err := q.Submit(context.Background(), "app", "unregistered", nil, 0, 3)
	require.NoError(t, err)

	done := waitStatus(t, q, j.ID, StatusFailed)
	assert.Contains(t, done.Error, "no handler registered")
	assert.Equal(t, 0, done.RetryCount, "missing handlers are not retried")
}

func TestQueueRecoversFromHandlerPanic(t *testing.T) {
	q := NewQueue(NewMemoryStore())
	t.Cleanup(func() { _ = q.Stop() })

	q.Register("panicky", func(ctx context.Context, j *Job) (any, error) {
		panic("boom")
	})
	q.Start()

	j, err := q.Submit(context.Background(), "app", "panicky", nil, 0, 0)
	require.NoError(t, err)

	done := waitStatus(t, q, j.ID, StatusFailed)
	assert.Contains(t, done.Error, "job handler panicked: boom")

	// The worker survived the panic.
	q.Register("fine", func(ctx context.Context, j *Job) (any, error) { return nil, nil })
	next, err := q.Submit(context.Background(), "app", "fine", nil, 0, 0)
	require.NoError(t, err)
	waitStatus(t, q, next.ID, StatusCompleted)
}

func TestQueueProgressDebounce(t *testing.T) {
	q := NewQueue(NewMemoryStore())
	t.Cleanup(func() { _ = q.Stop() })

	started := make(chan string)
	release := make(chan struct{})
	q.Register("slow", func(ctx context.Context, j *Job) (any, error) {
		started <- j.ID
		<-release
		return nil, nil
	})
	q.Start()

	j, err := q.Submit(context.Background(), "app", "slow", nil, 0, 0)
	require.NoError(t, err)
	<-started

	ctx := context.Background()

	// Below the persistence step: bus-visible but not stored.
	require.NoError(t, q.UpdateProgress(ctx, j.ID, 0.05, ""))
	stored, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, stored.Progress)

	// Crossing the step persists.
	require.NoError(t, q.UpdateProgress(ctx, j.ID, 0.2, "working"))
	stored, err = q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.2, stored.Progress)

	// Small follow-up change stays debounced.
	require.NoError(t, q.UpdateProgress(ctx, j.ID, 0.25, ""))
	stored, err = q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.2, stored.Progress)

	// Values clamp to [0, 1] and 1.0 always persists.
	require.NoError(t, q.UpdateProgress(ctx, j.ID, 1.7, ""))
	stored, err = q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, stored.Progress)

	close(release)
	waitStatus(t, q, j.ID, StatusCompleted)

	assert.ErrorIs(t, q.UpdateProgress(ctx, j.ID, 0.5, ""), ErrNotRunning)
}

func TestQueueCancelPendingJob(t *testing.T) {
	q := NewQueue(NewMemoryStore(), WithWorkers(1))
	t.Cleanup(func() { _ = q.Stop() })

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	executed := map[string]bool{}
	q.Register("work", func(ctx context.Context, j *Job) (any, error) {
		mu.Lock()
		executed[j.ID] = true
		mu.Unlock()
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	})
	q.Start()

	blocker, err := q.Submit(context.Background(), "app", "work", nil, 9, 0)
	require.NoError(t, err)
	<-started

	victim, err := q.Submit(context.Background(), "app", "work", nil, 0, 0)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(context.Background(), victim.ID))
	cancelled, err := q.Get(context.Background(), victim.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	close(release)
	waitStatus(t, q, blocker.ID, StatusCompleted)

	// Give the worker a chance to pop and (wrongly) run the victim.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, executed[victim.ID], "cancelled pending job must never execute")

	final, err := q.Get(context.Background(), victim.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
}

func TestQueueCancelRunningJobDiscardsResult(t *testing.T) {
	q := NewQueue(NewMemoryStore())
	t.Cleanup(func() { _ = q.Stop() })

	started := make(chan struct{})
	q.Register("obedient", func(ctx context.Context, j *Job) (any, error) {
		close(started)
		<-ctx.Done()
		return map[string]any{"late": true}, nil
	})
	q.Start()

	j, err := q.Submit(context.Background(), "app", "obedient", nil, 0, 3)
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Cancel(context.Background(), j.ID))

	// The handler returns after cancellation; its result is dropped
	// and the terminal state stays cancelled with no retries.
	time.Sleep(100 * time.Millisecond)
	final, err := q.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Nil(t, final.Result)
	assert.Equal(t, 0, final.RetryCount)
}

func TestQueueCancelFinishedJob(t *testing.T) {
	q := NewQueue(NewMemoryStore())
	t.Cleanup(func() { _ = q.Stop() })

	q.Register("quick", func(ctx context.Context, j *Job) (any, error) { return nil, nil })
	q.Start()

	j, err := q.Submit(context.Background(), "app", "quick", nil, 0, 0)
	require.NoError(t, err)
	waitStatus(t, q, j.ID, StatusCompleted)

	assert.ErrorIs(t, q.Cancel(context.Background(), j.ID), ErrNotCancellable)
	assert.ErrorIs(t, q.Cancel(context.Background(), "missing"), ErrNotFound)
}

func TestQueueRecoverPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Simulate a previous process that died mid-flight.
	pendingJob := newTestJob("stale-pending", 1)
	require.NoError(t, store.Create(ctx, pendingJob))
	runningJob := newTestJob("stale-running", 2)
	runningJob.Status = StatusRunning
	require.NoError(t, store.Create(ctx, runningJob))
	doneJob := newTestJob("already-done", 0)
	doneJob.Status = StatusCompleted
	require.NoError(t, store.Create(ctx, doneJob))

	q := NewQueue(store)
	t.Cleanup(func() { _ = q.Stop() })
	q.Register("test.work", func(ctx context.Context, j *Job) (any, error) {
		return "recovered", nil
	})

	n, err := q.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	q.Start()
	waitStatus(t, q, "stale-pending", StatusCompleted)
	waitStatus(t, q, "stale-running", StatusCompleted)

	// Calling again finds nothing new.
	n, err = q.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueueStop(t *testing.T) {
	q := NewQueue(NewMemoryStore(), WithWorkers(1))

	started := make(chan struct{})
	q.Register("slowish", func(ctx context.Context, j *Job) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	})
	q.Start()

	inflight, err := q.Submit(context.Background(), "app", "slowish", nil, 9, 0)
	require.NoError(t, err)
	queued, err := q.Submit(context.Background(), "app", "slowish", nil, 0, 0)
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Stop())
	require.NoError(t, q.Stop(), "stop is idempotent")

	_, err = q.Submit(context.Background(), "app", "slowish", nil, 0, 0)
	assert.ErrorIs(t, err, ErrStopped)

	// The in-flight job finished inside the grace period; the queued
	// one stays pending for the next recovery.
	final, err := q.Get(context.Background(), inflight.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)

	parked, err := q.Get(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, parked.Status)
}

func TestQueueStopCancelsStragglers(t *testing.T) {
	q := NewQueue(NewMemoryStore(), WithWorkers(1), WithShutdownGrace(50*time.Millisecond))

	started := make(chan struct{})
	q.Register("stubborn", func(ctx context.Context, j *Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q.Start()

	_, err := q.Submit(context.Background(), "app", "stubborn", nil, 0, 0)
	require.NoError(t, err)
	<-started

	// The handler only exits via hard cancel after the grace period.
	require.NoError(t, q.Stop())
}

func TestQueuePublishesLifecycleEvents(t *testing.T) {
	bus := events.NewBus(events.WithContracts(events.DefaultContracts()))
	defer bus.Close()

	received := make(chan string, 16)
	for _, suffix := range []string{"submitted", "started", "progress", "completed"} {
		eventType := "kernel:job." + suffix
		tag := suffix
		bus.Subscribe(eventType, func(ctx context.Context, payload map[string]any, sourceApp string) (any, error) {
			received <- tag + ":" + payload["job_id"].(string)
			return nil, nil
		})
	}

	q := NewQueue(NewMemoryStore(), WithQueueBus(bus))
	t.Cleanup(func() { _ = q.Stop() })

	q.Register("observable", func(ctx context.Context, j *Job) (any, error) {
		_ = q.UpdateProgress(ctx, j.ID, 0.5, "halfway")
		return "done", nil
	})
	q.Start()

	j, err := q.Submit(context.Background(), "app", "observable", nil, 0, 0)
	require.NoError(t, err)
	waitStatus(t, q, j.ID, StatusCompleted)

	want := map[string]bool{}
	for i := 0; i < 4; i++ {
		select {
		case msg := <-received:
			want[msg] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out; saw %v", want)
		}
	}
	for _, suffix := range []string{"submitted", "started", "progress", "completed"} {
		assert.True(t, want[suffix+":"+j.ID], "missing %s event", suffix)
	}
}

func TestQueueCancelPublishesFailedWithReason(t *testing.T) {
	bus := events.NewBus(events.WithContracts(events.DefaultContracts()))
	defer bus.Close()

	reasons := make(chan string, 1)
	bus.Subscribe("kernel:job.failed", func(ctx context.Context, payload map[string]any, sourceApp string) (any, error) {
		if r, ok := payload["reason"].(string); ok {
			reasons <- r
		}
		return nil, nil
	})

	q := NewQueue(NewMemoryStore(), WithQueueBus(bus))
	t.Cleanup(func() { _ = q.Stop() })

	started := make(chan struct{})
	q.Register("cancellable", func(ctx context.Context, j *Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q.Start()

	j, err := q.Submit(context.Background(), "app", "cancellable", nil, 0, 0)
	require.NoError(t, err)
	<-started
	require.NoError(t, q.Cancel(context.Background(), j.ID))

	select {
	case reason := <-reasons:
		assert.Equal(t, "cancelled", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for kernel:job.failed")
	}
}
