package events

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/promptforge/promptforge/logger"
)

var (
	// ErrNoHandler is returned by Request when no subscriber covers the
	// event type.
	ErrNoHandler = errors.New("events: no handler registered for event type")
	// ErrTimeout is returned by Request when the handler does not reply
	// within the deadline.
	ErrTimeout = errors.New("events: request timed out")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("events: bus is closed")
)

// defaultRequestTimeout bounds Request when the caller passes zero.
const defaultRequestTimeout = 5 * time.Second

// Handler processes one event delivery. The return value only matters
// for Request round-trips; plain subscribers may return (nil, nil).
type Handler func(ctx context.Context, payload map[string]any, sourceApp string) (any, error)

// SubscriptionInfo describes one live subscription for introspection.
type SubscriptionInfo struct {
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	AppID     string    `json:"app_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type subscription struct {
	id        string
	eventType string
	appID     string
	createdAt time.Time
	handler   Handler
}

type delivery struct {
	event Event
	subs  []*subscription
}

// Bus is a worker-pool pub/sub bus. Deliveries for the same event type
// always land on the same worker, so subscribers observe per-type FIFO
// order; different types may interleave freely. Handlers run off the
// publisher's goroutine and a slow handler can never block Publish:
// when a worker queue fills, the delivery is dropped and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	byID   map[string]*subscription
	closed bool

	contracts *ContractRegistry
	history   *History

	workers []chan delivery
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// Option adjusts bus construction.
type Option func(*busConfig)

type busConfig struct {
	workers   int
	queueSize int
	contracts *ContractRegistry
	history   *History
}

// WithWorkers sets the delivery worker count. Values below 1 are
// ignored.
func WithWorkers(n int) Option {
	return func(c *busConfig) {
		if n >= 1 {
			c.workers = n
		}
	}
}

// WithQueueSize sets each worker's queue depth. Values below 1 are
// ignored.
func WithQueueSize(n int) Option {
	return func(c *busConfig) {
		if n >= 1 {
			c.queueSize = n
		}
	}
}

// WithContracts attaches a schema registry; publishes to a declared
// type are validated and dropped on violation.
func WithContracts(r *ContractRegistry) Option {
	return func(c *busConfig) { c.contracts = r }
}

// WithHistory attaches a replay buffer fed by every non-relay publish.
func WithHistory(h *History) Option {
	return func(c *busConfig) { c.history = h }
}

// NewBus constructs a bus and starts its workers. Callers must Close it
// to release them.
func NewBus(opts ...Option) *Bus {
	cfg := busConfig{workers: 4, queueSize: 256}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Bus{
		subs:      make(map[string][]*subscription),
		byID:      make(map[string]*subscription),
		contracts: cfg.contracts,
		history:   cfg.history,
		workers:   make([]chan delivery, cfg.workers),
	}
	for i := range b.workers {
		ch := make(chan delivery, cfg.queueSize)
		b.workers[i] = ch
		b.wg.Add(1)
		go b.runWorker(ch)
	}
	return b
}

func (b *Bus) runWorker(ch <-chan delivery) {
	defer b.wg.Done()
	for d := range ch {
		for _, sub := range d.subs {
			b.invoke(sub, d.event)
		}
	}
}

// invoke shields the worker from handler panics.
func (b *Bus) invoke(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				"event_type", e.Type, "subscription", sub.id, "panic", r)
		}
	}()
	_, err := sub.handler(context.Background(), e.Payload, e.SourceApp)
	if err != nil {
		logger.Warn("event handler returned error",
			"event_type", e.Type, "subscription", sub.id, "error", err)
	}
}

// SubscribeOption adjusts one subscription.
type SubscribeOption func(*subscription)

// WithAppID tags the subscription with the owning application, surfaced
// through ListSubscriptions.
func WithAppID(appID string) SubscribeOption {
	return func(s *subscription) { s.appID = appID }
}

// Subscribe registers a handler for an event type and returns the
// subscription ID used to unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler, opts ...SubscribeOption) string {
	sub := &subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		createdAt: time.Now().UTC(),
		handler:   handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.byID[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. It reports whether the ID was
// known.
func (b *Bus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[subscriptionID]
	if !ok {
		return false
	}
	delete(b.byID, subscriptionID)

	list := b.subs[sub.eventType]
	for i, s := range list {
		if s.id == subscriptionID {
			b.subs[sub.eventType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.eventType]) == 0 {
		delete(b.subs, sub.eventType)
	}
	return true
}

// ListSubscriptions returns every live subscription sorted by event
// type, then creation time.
func (b *Bus) ListSubscriptions() []SubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]SubscriptionInfo, 0, len(b.byID))
	for _, sub := range b.byID {
		out = append(out, SubscriptionInfo{
			ID:        sub.id,
			EventType: sub.eventType,
			AppID:     sub.appID,
			CreatedAt: sub.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventType != out[j].EventType {
			return out[i].EventType < out[j].EventType
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Publish validates, records, and dispatches one event. The returned
// error reports contract violations and closure; delivery itself is
// asynchronous and never blocks the caller.
func (b *Bus) Publish(eventType string, payload map[string]any, sourceApp string) error {
	if b.contracts != nil {
		if err := b.contracts.Validate(eventType, payload); err != nil {
			logger.Warn("dropping event failing contract validation",
				"event_type", eventType, "source_app", sourceApp, "error", err)
			return err
		}
	}

	event := newEvent(eventType, payload, sourceApp)

	// The read lock is held through the enqueues so Close cannot shut
	// the worker channels under an in-flight dispatch. enqueue never
	// blocks, so the hold is short.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	if b.history != nil && eventType != RelayChannel {
		b.history.Append(event)
	}

	if subs := b.subs[eventType]; len(subs) > 0 {
		b.enqueue(eventType, delivery{event: event, subs: append([]*subscription(nil), subs...)})
	}

	// Mirror onto the relay channel with the original ID so replay
	// cursors stay consistent. Relay publishes themselves are not
	// mirrored again.
	if eventType != RelayChannel {
		if relaySubs := b.subs[RelayChannel]; len(relaySubs) > 0 {
			relayed := Event{
				ID:        event.ID,
				Type:      RelayChannel,
				Payload:   relayPayload(event),
				SourceApp: event.SourceApp,
				Timestamp: event.Timestamp,
			}
			b.enqueue(RelayChannel, delivery{event: relayed, subs: append([]*subscription(nil), relaySubs...)})
		}
	}
	return nil
}

func (b *Bus) enqueue(eventType string, d delivery) {
	h := fnv.New32a()
	h.Write([]byte(eventType))
	worker := b.workers[h.Sum32()%uint32(len(b.workers))]

	select {
	case worker <- d:
	default:
		b.dropped.Add(1)
		logger.Warn("event delivery dropped, worker queue full",
			"event_type", eventType, "queue_depth", cap(worker))
	}
}

// Dropped reports how many deliveries were discarded because a worker
// queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Request publishes to the first handler registered for the type and
// waits for its reply. Non-map replies are wrapped as {"result": v} so
// callers always receive a JSON object. A zero timeout uses the
// default.
func (b *Bus) Request(ctx context.Context, eventType string, payload map[string]any, sourceApp string, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	b.mu.RLock()
	var target *subscription
	if list := b.subs[eventType]; len(list) > 0 {
		target = list[0]
	}
	b.mu.RUnlock()
	if target == nil {
		return nil, ErrNoHandler
	}

	if payload == nil {
		payload = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		value any
		err   error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: errors.New("events: request handler panicked")}
			}
		}()
		v, err := target.handler(ctx, payload, sourceApp)
		done <- reply{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if m, ok := r.value.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{"result": r.value}, nil
	}
}

// History returns the replay buffer, or nil when none was attached.
func (b *Bus) History() *History {
	return b.history
}

// Contracts returns the schema registry, or nil when none was attached.
func (b *Bus) Contracts() *ContractRegistry {
	return b.contracts
}

// Close stops the workers after draining queued deliveries. Publish
// calls racing Close may be dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	for _, ch := range b.workers {
		close(ch)
	}
	b.wg.Wait()
}
