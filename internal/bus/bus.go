package bus

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// historySize bounds the diagnostic ring buffer of dispatched events.
	historySize = 256
	// deadLetterCap bounds the dead-letter list; oldest entries are dropped.
	deadLetterCap = 256
	// queuePollInterval is the bounded wait used by the dispatch loop so it
	// can periodically re-check the shutdown flag.
	queuePollInterval = 100 * time.Millisecond
	// drainPollInterval is how often Stop re-checks the queue length.
	drainPollInterval = 10 * time.Millisecond
)

// Handler processes one event. Errors (and panics, which are converted to
// errors) are recorded in the dead-letter list and never propagate to the
// dispatch loop or to sibling handlers.
type Handler func(ctx context.Context, ev Event) error

// Filter decides whether a subscription wants an event. A filter that
// panics is treated as "no match".
type Filter func(ev Event) bool

// Subscription ties a handler to an event type for the process lifetime.
type Subscription struct {
	Type         EventType
	SubscriberID string
	Priority     int
	handler      Handler
	filter       Filter
}

// DeadLetter records a failed handler invocation for offline inspection.
type DeadLetter struct {
	Event        Event
	SubscriberID string
	Err          error
	Timestamp    time.Time
}

// Stats is a point-in-time snapshot of the bus counters.
type Stats struct {
	EventsPublished  int64
	EventsProcessed  int64
	EventsFailed     int64
	HandlersExecuted int64
	HandlersFailed   int64
}

// Bus is an in-process publish/subscribe broker with a FIFO dispatch
// queue. Handlers for one event run concurrently; the dispatch loop does
// not wait for them before dequeuing the next event.
type Bus struct {
	logger *log.Logger

	mu   sync.Mutex
	subs map[EventType][]*Subscription

	queueMu sync.Mutex
	queue   []Event
	notify  chan struct{}

	running  atomic.Bool
	loopDone chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup // per-event supervisors + handler goroutines

	histMu  sync.Mutex
	history []Event
	histPos int

	deadMu sync.Mutex
	dead   []DeadLetter

	eventsPublished  atomic.Int64
	eventsProcessed  atomic.Int64
	eventsFailed     atomic.Int64
	handlersExecuted atomic.Int64
	handlersFailed   atomic.Int64
}

// New creates a bus. The logger may be nil.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[BUS] ", log.LstdFlags)
	}
	return &Bus{
		logger:   logger,
		subs:     make(map[EventType][]*Subscription),
		notify:   make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		history:  make([]Event, 0, historySize),
	}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithFilter attaches a filter predicate to the subscription.
func WithFilter(f Filter) SubscribeOption {
	return func(s *Subscription) { s.filter = f }
}

// WithPriority sets the subscription priority. Higher-priority handlers
// are spawned first for each event; completion order is undefined.
func WithPriority(p int) SubscribeOption {
	return func(s *Subscription) { s.Priority = p }
}

// Subscribe registers a handler for an event type. The subscription list
// for the type is kept sorted by priority descending.
func (b *Bus) Subscribe(t EventType, subscriberID string, h Handler, opts ...SubscribeOption) (*Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("bus: subscribe %s/%s: handler must not be nil", t, subscriberID)
	}
	sub := &Subscription{Type: t, SubscriberID: subscriberID, handler: h}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], sub)
	sort.SliceStable(b.subs[t], func(i, j int) bool {
		return b.subs[t][i].Priority > b.subs[t][j].Priority
	})
	return sub, nil
}

// PublishOption configures an event envelope.
type PublishOption func(*Event)

// WithSource sets the publishing component's identifier.
func WithSource(source string) PublishOption {
	return func(ev *Event) { ev.Source = source }
}

// WithCorrelationID tags the event for tracing related events.
func WithCorrelationID(id string) PublishOption {
	return func(ev *Event) { ev.CorrelationID = id }
}

// WithEventPriority overrides the default NORMAL priority tag.
func WithEventPriority(p Priority) PublishOption {
	return func(ev *Event) { ev.Priority = p }
}

// Publish constructs an immutable Event from the payload, enqueues it on
// the unbounded FIFO queue and returns immediately. The event type is the
// payload's Kind.
func (b *Bus) Publish(payload Payload, opts ...PublishOption) Event {
	ev := Event{
		ID:        uuid.New().String(),
		Type:      payload.Kind(),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
	}
	for _, opt := range opts {
		opt(&ev)
	}

	b.queueMu.Lock()
	b.queue = append(b.queue, ev)
	b.queueMu.Unlock()
	b.eventsPublished.Add(1)

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return ev
}

// Start launches the dispatch loop as a background goroutine.
func (b *Bus) Start(ctx context.Context) {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.run(loopCtx)
}

// Stop flips the running flag, waits for the queue to drain, cancels the
// dispatch loop, then waits for already-spawned handler goroutines.
func (b *Bus) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	for b.queueLen() > 0 {
		time.Sleep(drainPollInterval)
	}
	if b.cancel != nil {
		b.cancel()
	}
	<-b.loopDone
	b.wg.Wait()
}

func (b *Bus) queueLen() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

func (b *Bus) pop() (Event, bool) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if len(b.queue) == 0 {
		return Event{}, false
	}
	ev := b.queue[0]
	b.queue = b.queue[1:]
	return ev, true
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.loopDone)
	for {
		ev, ok := b.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.notify:
			case <-time.After(queuePollInterval):
			}
			continue
		}
		b.dispatch(ctx, ev)
	}
}

// dispatch fans one event out to its matching subscriptions. A supervisor
// goroutine waits for this event's handlers so the loop can keep
// dequeuing; failures are recorded, never propagated.
func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.recordHistory(ev)

	b.mu.Lock()
	snapshot := make([]*Subscription, len(b.subs[ev.Type]))
	copy(snapshot, b.subs[ev.Type])
	b.mu.Unlock()

	matched := snapshot[:0:0]
	for _, sub := range snapshot {
		if b.matches(sub, ev) {
			matched = append(matched, sub)
		}
	}

	if len(matched) == 0 {
		b.logger.Printf("event %s (%s) had no matching subscribers", ev.Type, ev.ID)
		b.eventsProcessed.Add(1)
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		var handlerWG sync.WaitGroup
		var anyFailed atomic.Bool

		// Spawn order follows subscription priority; completion order
		// is undefined.
		for _, sub := range matched {
			handlerWG.Add(1)
			b.wg.Add(1)
			go func(sub *Subscription) {
				defer handlerWG.Done()
				defer b.wg.Done()
				b.handlersExecuted.Add(1)
				if err := b.invoke(ctx, sub, ev); err != nil {
					anyFailed.Store(true)
					b.handlersFailed.Add(1)
					b.recordDeadLetter(ev, sub, err)
					b.logger.Printf("handler %s failed for event %s (%s): %v",
						sub.SubscriberID, ev.Type, ev.ID, err)
				}
			}(sub)
		}

		handlerWG.Wait()
		if anyFailed.Load() {
			b.eventsFailed.Add(1)
		}
		b.eventsProcessed.Add(1)
	}()
}

// matches evaluates a subscription's filter synchronously. A panicking
// filter counts as no match.
func (b *Bus) matches(sub *Subscription, ev Event) (ok bool) {
	if sub.filter == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("filter panic for %s on event %s: %v", sub.SubscriberID, ev.Type, r)
			ok = false
		}
	}()
	return sub.filter(ev)
}

// invoke runs a handler with a panic guard so no failure can escape a
// spawned goroutine silently.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, ev)
}

func (b *Bus) recordHistory(ev Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if len(b.history) < historySize {
		b.history = append(b.history, ev)
		return
	}
	b.history[b.histPos] = ev
	b.histPos = (b.histPos + 1) % historySize
}

func (b *Bus) recordDeadLetter(ev Event, sub *Subscription, err error) {
	b.deadMu.Lock()
	defer b.deadMu.Unlock()
	b.dead = append(b.dead, DeadLetter{
		Event:        ev,
		SubscriberID: sub.SubscriberID,
		Err:          err,
		Timestamp:    time.Now().UTC(),
	})
	if len(b.dead) > deadLetterCap {
		b.dead = b.dead[len(b.dead)-deadLetterCap:]
	}
}

// DeadLetters returns a copy of the dead-letter list.
func (b *Bus) DeadLetters() []DeadLetter {
	b.deadMu.Lock()
	defer b.deadMu.Unlock()
	out := make([]DeadLetter, len(b.dead))
	copy(out, b.dead)
	return out
}

// History returns a copy of the recent-event ring buffer, oldest first.
func (b *Bus) History() []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	out := make([]Event, 0, len(b.history))
	out = append(out, b.history[b.histPos:]...)
	out = append(out, b.history[:b.histPos]...)
	return out
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		EventsPublished:  b.eventsPublished.Load(),
		EventsProcessed:  b.eventsProcessed.Load(),
		EventsFailed:     b.eventsFailed.Load(),
		HandlersExecuted: b.handlersExecuted.Load(),
		HandlersFailed:   b.handlersFailed.Load(),
	}
}
