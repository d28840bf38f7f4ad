package jobs

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptforge/promptforge/events"
	"github.com/promptforge/promptforge/logger"
)

var (
	// ErrStopped rejects submits after Stop.
	ErrStopped = errors.New("jobs: queue is stopped")
	// ErrNotCancellable is returned when cancelling a finished job.
	ErrNotCancellable = errors.New("jobs: job is not pending or running")
	// ErrNotRunning is returned by UpdateProgress for jobs without a
	// live handler, including jobs cancelled mid-run.
	ErrNotRunning = errors.New("jobs: job is not running")
)

const (
	defaultWorkers       = 3
	defaultShutdownGrace = 2 * time.Second

	// persistStep is the minimum progress delta between debounced
	// store writes.
	persistStep = 0.1

	busSourceApp = "kernel"
)

// Handler executes one job. The context is cancelled when the job is
// cancelled or the queue shuts down hard; handlers should return
// promptly after that. Non-map return values are stored wrapped as
// {"result": v}.
type Handler func(ctx context.Context, job *Job) (any, error)

// queueItem orders the heap by (-priority, submission order).
type queueItem struct {
	job *Job
	seq uint64
}

type jobHeap []*queueItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type runningEntry struct {
	job    *Job
	cancel context.CancelFunc
}

// Queue dispatches background jobs to a fixed pool of workers in
// priority order. Jobs persist through the store so pending work can
// be recovered after a restart.
type Queue struct {
	store Store
	bus   *events.Bus

	workers int
	grace   time.Duration

	mu            sync.Mutex
	pq            jobHeap
	seq           uint64
	handlers      map[string]Handler
	running       map[string]*runningEntry
	cancelled     map[string]struct{}
	lastPersisted map[string]float64
	draining      bool
	started       bool

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the worker pool size. Default is 3.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithShutdownGrace sets how long Stop waits for in-flight handlers
// before cancelling them. Default is 2 seconds.
func WithShutdownGrace(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.grace = d
		}
	}
}

// WithQueueBus attaches an event bus for kernel:job.* lifecycle
// events. Without a bus the queue runs silently.
func WithQueueBus(bus *events.Bus) Option {
	return func(q *Queue) { q.bus = bus }
}

func NewQueue(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:         store,
		workers:       defaultWorkers,
		grace:         defaultShutdownGrace,
		handlers:      make(map[string]Handler),
		running:       make(map[string]*runningEntry),
		cancelled:     make(map[string]struct{}),
		lastPersisted: make(map[string]float64),
		quit:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.wake = make(chan struct{}, q.workers)
	return q
}

// Register binds a handler to a job type. A later registration for
// the same type overwrites the earlier one.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.handlers[jobType]; exists {
		logger.Warn("overwriting job handler", "job_type", jobType)
	}
	q.handlers[jobType] = h
}

// Start launches the worker pool. Call after handlers are registered
// and, when recovering persisted work, after RecoverPending.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started || q.draining {
		return
	}
	q.started = true
	q.wg.Add(q.workers)
	for i := 0; i < q.workers; i++ {
		go q.worker()
	}
	logger.Info("job queue started", "workers", q.workers)
}

// Submit enqueues a new pending job and returns it.
func (q *Queue) Submit(ctx context.Context, appID, jobType string, payload map[string]any, priority, maxRetries int) (*Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("jobs: job type is required")
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	now := time.Now().UTC()
	j := &Job{
		ID:         uuid.NewString(),
		AppID:      appID,
		Type:       jobType,
		Payload:    payload,
		Priority:   priority,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	q.mu.Unlock()

	if err := q.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	q.enqueue(j.Clone())
	q.publish("kernel:job.submitted", map[string]any{
		"job_id":   j.ID,
		"job_type": j.Type,
		"priority": j.Priority,
	})
	return j, nil
}

// enqueue pushes the queue-owned copy and wakes one worker.
func (q *Queue) enqueue(j *Job) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.pq, &queueItem{job: j, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		j := q.next()
		if j == nil {
			return
		}
		q.execute(j)
	}
}

// next blocks until a job is available or the queue drains. Stale
// wakeups are harmless: the heap is re-checked before every wait.
func (q *Queue) next() *Job {
	for {
		q.mu.Lock()
		if q.draining {
			q.mu.Unlock()
			return nil
		}
		if q.pq.Len() > 0 {
			item := heap.Pop(&q.pq).(*queueItem)
			q.mu.Unlock()
			return item.job
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.quit:
			return nil
		}
	}
}

func (q *Queue) execute(j *Job) {
	q.mu.Lock()
	if _, wasCancelled := q.cancelled[j.ID]; wasCancelled {
		// Cancelled while pending; the store already says so.
		delete(q.cancelled, j.ID)
		q.mu.Unlock()
		return
	}
	handler, ok := q.handlers[j.Type]
	q.mu.Unlock()

	ctx := context.Background()

	if !ok {
		now := time.Now().UTC()
		j.Status = StatusFailed
		j.Error = fmt.Sprintf("no handler registered for job type %q", j.Type)
		j.CompletedAt = &now
		j.UpdatedAt = now
		q.persist(ctx, j)
		q.publish("kernel:job.failed", map[string]any{
			"job_id":   j.ID,
			"job_type": j.Type,
			"error":    j.Error,
		})
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	now := time.Now().UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	q.running[j.ID] = &runningEntry{job: j, cancel: cancel}
	q.lastPersisted[j.ID] = j.Progress
	snapshot := j.Clone()
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.publish("kernel:job.started", map[string]any{
		"job_id":   j.ID,
		"job_type": j.Type,
	})

	result, err := q.invoke(runCtx, handler, snapshot)

	q.mu.Lock()
	delete(q.running, j.ID)
	delete(q.lastPersisted, j.ID)
	_, wasCancelled := q.cancelled[j.ID]
	delete(q.cancelled, j.ID)
	q.mu.Unlock()

	if wasCancelled {
		// Cancel already persisted the terminal state; whatever the
		// handler returned is discarded.
		return
	}

	now = time.Now().UTC()
	j.UpdatedAt = now

	if err != nil {
		j.RetryCount++
		if j.RetryCount <= j.MaxRetries {
			logger.Warn("job failed, re-enqueueing",
				"job_id", j.ID, "job_type", j.Type,
				"attempt", j.RetryCount, "max_retries", j.MaxRetries,
				"error", err)
			j.Status = StatusPending
			j.StartedAt = nil
			q.persist(ctx, j)
			q.enqueue(j)
			return
		}
		j.Status = StatusFailed
		j.Error = err.Error()
		j.CompletedAt = &now
		q.persist(ctx, j)
		q.publish("kernel:job.failed", map[string]any{
			"job_id":   j.ID,
			"job_type": j.Type,
			"error":    j.Error,
		})
		return
	}

	j.Status = StatusCompleted
	j.Progress = 1.0
	j.Result = wrapResult(result)
	j.CompletedAt = &now
	q.persist(ctx, j)
	q.publish("kernel:job.completed", map[string]any{
		"job_id":   j.ID,
		"job_type": j.Type,
		"result":   j.Result,
	})
}

// invoke runs the handler with panic recovery so one bad job cannot
// take a worker down.
func (q *Queue) invoke(ctx context.Context, handler Handler, j *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, j)
}

// UpdateProgress reports handler progress. The value is clamped to
// [0, 1] and published on the bus every call, but persisted only when
// it moved at least 0.1 since the last write or reached 1.0.
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, progress float64, message string) error {
	progress = clampProgress(progress)

	q.mu.Lock()
	entry, ok := q.running[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrNotRunning
	}
	if _, isCancelled := q.cancelled[jobID]; isCancelled {
		q.mu.Unlock()
		return ErrNotRunning
	}
	entry.job.Progress = progress
	last := q.lastPersisted[jobID]
	shouldPersist := math.Abs(progress-last) >= persistStep || progress >= 1.0
	var snapshot *Job
	if shouldPersist {
		q.lastPersisted[jobID] = progress
		snapshot = entry.job.Clone()
	}
	q.mu.Unlock()

	payload := map[string]any{
		"job_id":   jobID,
		"progress": progress,
	}
	if message != "" {
		payload["message"] = message
	}
	q.publish("kernel:job.progress", payload)

	if snapshot != nil {
		q.persist(ctx, snapshot)
	}
	return nil
}

// Cancel transitions a pending or running job to cancelled. Running
// handlers see their context cancelled and their eventual return value
// discarded.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	if entry, ok := q.running[jobID]; ok {
		snapshot := q.cancelRunningLocked(jobID, entry)
		q.mu.Unlock()
		q.finishCancel(ctx, snapshot)
		return nil
	}
	q.mu.Unlock()

	j, err := q.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != StatusPending {
		return ErrNotCancellable
	}

	q.mu.Lock()
	if entry, ok := q.running[jobID]; ok {
		// A worker picked it up between the store read and now.
		snapshot := q.cancelRunningLocked(jobID, entry)
		q.mu.Unlock()
		q.finishCancel(ctx, snapshot)
		return nil
	}
	q.cancelled[jobID] = struct{}{}
	q.mu.Unlock()

	now := time.Now().UTC()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	q.finishCancel(ctx, j)
	return nil
}

// cancelRunningLocked marks a live entry cancelled and stops its
// handler. Callers hold the lock and persist the returned snapshot.
func (q *Queue) cancelRunningLocked(jobID string, entry *runningEntry) *Job {
	q.cancelled[jobID] = struct{}{}
	now := time.Now().UTC()
	entry.job.Status = StatusCancelled
	entry.job.CompletedAt = &now
	entry.job.UpdatedAt = now
	entry.cancel()
	return entry.job.Clone()
}

func (q *Queue) finishCancel(ctx context.Context, j *Job) {
	q.persist(ctx, j)
	q.publish("kernel:job.failed", map[string]any{
		"job_id":   j.ID,
		"job_type": j.Type,
		"reason":   "cancelled",
	})
}

// RecoverPending reloads persisted pending and running jobs, demotes
// running back to pending, and re-enqueues everything in submission
// order. Call once at startup before Start; this is what makes
// execution at-least-once across restarts.
func (q *Queue) RecoverPending(ctx context.Context) (int, error) {
	stale, err := q.store.List(ctx, ListOptions{Status: StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("listing running jobs: %w", err)
	}
	for _, j := range stale {
		j.Status = StatusPending
		j.StartedAt = nil
		j.UpdatedAt = time.Now().UTC()
		if err := q.store.Update(ctx, j); err != nil {
			return 0, fmt.Errorf("demoting job %s: %w", j.ID, err)
		}
	}

	pending, err := q.store.List(ctx, ListOptions{Status: StatusPending})
	if err != nil {
		return 0, fmt.Errorf("listing pending jobs: %w", err)
	}

	recovered := 0
	for _, j := range pending {
		if q.alreadyTracked(j.ID) {
			continue
		}
		q.enqueue(j)
		recovered++
	}
	if recovered > 0 {
		logger.Info("recovered persisted jobs", "count", recovered)
	}
	return recovered, nil
}

func (q *Queue) alreadyTracked(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.running[jobID]; ok {
		return true
	}
	for _, item := range q.pq {
		if item.job.ID == jobID {
			return true
		}
	}
	return false
}

// Get returns the stored view of a job.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	return q.store.Get(ctx, jobID)
}

// List returns stored jobs, oldest first.
func (q *Queue) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	return q.store.List(ctx, opts)
}

// Stop disables dispatch, waits up to the grace period for in-flight
// handlers, then cancels whatever is still running and waits one more
// grace period for workers to exit. Queued jobs stay pending in the
// store for the next RecoverPending. Idempotent.
func (q *Queue) Stop() error {
	var err error
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.draining = true
		q.mu.Unlock()
		close(q.quit)

		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("job queue stopped")
			return
		case <-time.After(q.grace):
		}

		q.mu.Lock()
		for id, entry := range q.running {
			logger.Warn("cancelling in-flight job at shutdown", "job_id", id)
			entry.cancel()
		}
		q.mu.Unlock()

		select {
		case <-done:
			logger.Info("job queue stopped after cancelling stragglers")
		case <-time.After(q.grace):
			err = fmt.Errorf("jobs: workers did not exit within %v", 2*q.grace)
		}
	})
	return err
}

func (q *Queue) persist(ctx context.Context, j *Job) {
	if err := q.store.Update(ctx, j); err != nil {
		logger.Error("persisting job state failed",
			"job_id", j.ID, "status", string(j.Status), "error", err)
	}
}

func (q *Queue) publish(eventType string, payload map[string]any) {
	if q.bus == nil {
		return
	}
	if err := q.bus.Publish(eventType, payload, busSourceApp); err != nil {
		logger.Debug("job event publish failed", "event_type", eventType, "error", err)
	}
}
