package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedBus(t *testing.T) *Bus {
	t.Helper()
	b := New(nil)
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	return b
}

func waitProcessed(t *testing.T, b *Bus, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.Stats().EventsProcessed >= n
	}, 2*time.Second, 5*time.Millisecond, "bus did not process %d events", n)
}

func TestFanOut(t *testing.T) {
	const events = 5
	const handlers = 4

	b := startedBus(t)
	var invocations atomic.Int64
	for i := 0; i < handlers; i++ {
		_, err := b.Subscribe(EventSignalGenerated, "sub", func(_ context.Context, _ Event) error {
			invocations.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < events; i++ {
		b.Publish(SignalGeneratedPayload{SignalID: "s"})
	}

	waitProcessed(t, b, events)
	require.Eventually(t, func() bool {
		return invocations.Load() == events*handlers
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, events*handlers, b.Stats().HandlersExecuted)
}

func TestFailingHandlerDoesNotStarveSiblings(t *testing.T) {
	const events = 3

	b := startedBus(t)
	var healthy atomic.Int64
	_, err := b.Subscribe(EventSignalGenerated, "broken", func(_ context.Context, _ Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := b.Subscribe(EventSignalGenerated, "healthy", func(_ context.Context, _ Event) error {
			healthy.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < events; i++ {
		b.Publish(SignalGeneratedPayload{SignalID: "s"})
	}

	waitProcessed(t, b, events)
	require.Eventually(t, func() bool {
		return healthy.Load() == 2*events
	}, 2*time.Second, 5*time.Millisecond)

	stats := b.Stats()
	assert.EqualValues(t, events, stats.EventsFailed)
	assert.EqualValues(t, events, stats.HandlersFailed)
	assert.Len(t, b.DeadLetters(), events)
	assert.Equal(t, "broken", b.DeadLetters()[0].SubscriberID)
}

func TestPanickingHandlerBecomesDeadLetter(t *testing.T) {
	b := startedBus(t)
	_, err := b.Subscribe(EventPositionOpened, "panicky", func(_ context.Context, _ Event) error {
		panic("handler exploded")
	})
	require.NoError(t, err)

	b.Publish(PositionOpenedPayload{PositionID: "p1"})
	waitProcessed(t, b, 1)

	dead := b.DeadLetters()
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Err.Error(), "handler exploded")
}

func TestDispatchOrderIsFIFO(t *testing.T) {
	b := startedBus(t)
	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe(EventSignalActivated, "recorder", func(_ context.Context, ev Event) error {
		p := ev.Payload.(SignalActivatedPayload)
		mu.Lock()
		got = append(got, p.SignalID)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	// One handler per event: with a single subscriber, dispatch order is
	// observable as invocation order.
	want := []string{"a", "b", "c", "d", "e"}
	for _, id := range want {
		b.Publish(SignalActivatedPayload{SignalID: id})
	}

	waitProcessed(t, b, int64(len(want)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestFilterAndFilterPanic(t *testing.T) {
	b := startedBus(t)
	var matched, unfiltered atomic.Int64

	_, err := b.Subscribe(EventSignalGenerated, "filtered", func(_ context.Context, _ Event) error {
		matched.Add(1)
		return nil
	}, WithFilter(func(ev Event) bool {
		return ev.Payload.(SignalGeneratedPayload).Symbol == "BANKNIFTY"
	}))
	require.NoError(t, err)

	_, err = b.Subscribe(EventSignalGenerated, "panicky-filter", func(_ context.Context, _ Event) error {
		t.Error("handler behind panicking filter must not run")
		return nil
	}, WithFilter(func(Event) bool { panic("filter exploded") }))
	require.NoError(t, err)

	_, err = b.Subscribe(EventSignalGenerated, "all", func(_ context.Context, _ Event) error {
		unfiltered.Add(1)
		return nil
	})
	require.NoError(t, err)

	b.Publish(SignalGeneratedPayload{SignalID: "1", Symbol: "BANKNIFTY"})
	b.Publish(SignalGeneratedPayload{SignalID: "2", Symbol: "NIFTY"})

	waitProcessed(t, b, 2)
	require.Eventually(t, func() bool { return unfiltered.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, matched.Load())
}

func TestStopDrainsQueue(t *testing.T) {
	b := New(nil)
	var handled atomic.Int64
	_, err := b.Subscribe(EventSignalGenerated, "slowish", func(_ context.Context, _ Event) error {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)

	b.Start(context.Background())
	const events = 10
	for i := 0; i < events; i++ {
		b.Publish(SignalGeneratedPayload{SignalID: "s"})
	}
	b.Stop()

	assert.EqualValues(t, events, handled.Load())
	assert.EqualValues(t, events, b.Stats().EventsProcessed)
}

func TestPublishDerivesTypeAndEnvelope(t *testing.T) {
	b := New(nil)
	ev := b.Publish(PositionClosedPayload{PositionID: "p1"},
		WithSource("position-manager"), WithCorrelationID("sig-1"),
		WithEventPriority(PriorityCritical))

	assert.Equal(t, EventPositionClosed, ev.Type)
	assert.Equal(t, "position-manager", ev.Source)
	assert.Equal(t, "sig-1", ev.CorrelationID)
	assert.Equal(t, PriorityCritical, ev.Priority)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestHistoryRing(t *testing.T) {
	b := startedBus(t)
	_, err := b.Subscribe(EventSignalGenerated, "noop", func(_ context.Context, _ Event) error {
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < historySize+10; i++ {
		b.Publish(SignalGeneratedPayload{SignalID: "s"})
	}
	waitProcessed(t, b, historySize+10)
	assert.Len(t, b.History(), historySize)
}
