package positions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmehra/optionflow/internal/broker"
	"github.com/rmehra/optionflow/internal/bus"
	"github.com/rmehra/optionflow/internal/models"
	"github.com/rmehra/optionflow/internal/storage"
)

const optSymbol = "BANKNIFTY25SEP50000CE"

type fixture struct {
	mgr   *Manager
	sim   *broker.SimBroker
	bus   *bus.Bus
	store *storage.MockStorage
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	sim := broker.NewSimBroker(map[string]int{"BANKNIFTY": 25}, 100)
	router, err := broker.NewOrderRouter(broker.ModePaper, sim, nil)
	require.NoError(t, err)
	store := storage.NewMockStorage()
	b := bus.New(nil)
	return &fixture{
		mgr:   NewManager(cfg, b, sim, router, store, nil),
		sim:   sim,
		bus:   b,
		store: store,
	}
}

func (f *fixture) register(t *testing.T, qty int) *models.Position {
	t.Helper()
	pos := models.NewPosition("pos-1", "sig-1", "BANKNIFTY", optSymbol,
		50000, models.OptionCall, time.Now().UTC().Add(7*24*time.Hour),
		qty, 25, 100, 70, 150)
	require.NoError(t, f.mgr.Register(context.Background(), pos))
	return pos
}

func (f *fixture) tick(t *testing.T, premium float64) {
	t.Helper()
	f.sim.SetOptionPrice(optSymbol, premium)
	f.mgr.CheckOnce(context.Background(), "pos-1")
}

func TestStopLossTakesPrecedence(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 100)

	f.tick(t, 69)

	got := f.mgr.Get("pos-1")
	require.NotNil(t, got)
	assert.Equal(t, models.PositionClosed, got.Status)
	assert.Equal(t, models.ExitStopLoss, got.ExitReason)
	assert.Equal(t, 0, got.RemainingQuantity)
	assert.InDelta(t, (69.0-100.0)*100, got.RealizedPnL, 1e-9)
	assert.Equal(t, 0, f.mgr.ActiveCount())
}

func TestTargetExit(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 100)

	f.tick(t, 151)

	got := f.mgr.Get("pos-1")
	require.NotNil(t, got)
	assert.Equal(t, models.PositionClosed, got.Status)
	assert.Equal(t, models.ExitTarget, got.ExitReason)
	assert.InDelta(t, (151.0-100.0)*100, got.RealizedPnL, 1e-9)
}

func TestBoundaryPremiumsTriggerExits(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 100)
	f.tick(t, 70) // exactly at the stop
	require.Equal(t, models.ExitStopLoss, f.mgr.Get("pos-1").ExitReason)

	f2 := newFixture(t, Config{})
	f2.register(t, 100)
	f2.tick(t, 150) // exactly at the target
	require.Equal(t, models.ExitTarget, f2.mgr.Get("pos-1").ExitReason)
}

func TestNoExitInsideRange(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 100)

	f.tick(t, 110)

	got := f.mgr.Get("pos-1")
	require.NotNil(t, got)
	assert.Equal(t, models.PositionActive, got.Status)
	assert.Equal(t, 100, got.RemainingQuantity)
	assert.InDelta(t, 1000, got.UnrealizedPnL, 1e-9)
}

func TestPartialBooking(t *testing.T) {
	f := newFixture(t, Config{
		PartialBooking: PartialBookingConfig{Enabled: true, AtProfitPct: 20, SizePct: 50},
	})
	f.register(t, 100)

	f.tick(t, 125)

	got := f.mgr.Get("pos-1")
	require.NotNil(t, got)
	assert.Equal(t, models.PositionPartial, got.Status)
	assert.Equal(t, 50, got.RemainingQuantity)
	require.Len(t, got.PartialExits, 1)
	assert.Equal(t, models.ExitPartialBooking, got.PartialExits[0].Reason)
	assert.Equal(t, 50, got.PartialExits[0].Quantity)

	// Partial booking only fires from ACTIVE: a second profitable tick
	// books nothing more.
	f.tick(t, 130)
	got = f.mgr.Get("pos-1")
	assert.Equal(t, 50, got.RemainingQuantity)
	assert.Len(t, got.PartialExits, 1)
}

func TestPartialBookingRoundsToLotMultiple(t *testing.T) {
	f := newFixture(t, Config{
		PartialBooking: PartialBookingConfig{Enabled: true, AtProfitPct: 20, SizePct: 30},
	})
	f.register(t, 100)

	// 30% of 100 is 30, floored to the 25-lot multiple.
	f.tick(t, 125)

	got := f.mgr.Get("pos-1")
	require.Len(t, got.PartialExits, 1)
	assert.Equal(t, 25, got.PartialExits[0].Quantity)
	assert.Equal(t, 75, got.RemainingQuantity)
}

func TestTrailingStopRatchets(t *testing.T) {
	f := newFixture(t, Config{
		TrailStop: TrailStopConfig{Enabled: true, TrailAfterProfitPct: 10, TrailPercentage: 50},
	})
	f.register(t, 100)

	var lastStop float64
	for _, premium := range []float64{112, 120, 130, 126} {
		f.tick(t, premium)
		got := f.mgr.Get("pos-1")
		require.NotNil(t, got)
		require.Equal(t, models.PositionActive, got.Status, "premium %v", premium)
		assert.GreaterOrEqual(t, got.StopLossPremium, lastStop, "premium %v", premium)
		lastStop = got.StopLossPremium
	}
	// 130 peak: stop = 100 + 30*0.5.
	assert.InDelta(t, 115, lastStop, 1e-9)

	// Falling back to the ratcheted stop exits with the locked-in profit.
	f.tick(t, 115)
	got := f.mgr.Get("pos-1")
	assert.Equal(t, models.PositionClosed, got.Status)
	assert.Equal(t, models.ExitStopLoss, got.ExitReason)
	assert.Positive(t, got.RealizedPnL)
}

func TestTimeExit(t *testing.T) {
	f := newFixture(t, Config{MaxHoldHours: 1})
	pos := f.register(t, 100)
	pos.EntryTime = time.Now().UTC().Add(-2 * time.Hour)

	f.tick(t, 105)

	got := f.mgr.Get("pos-1")
	require.NotNil(t, got)
	assert.Equal(t, models.PositionClosed, got.Status)
	assert.Equal(t, models.ExitTimeLimit, got.ExitReason)
}

func TestQuoteFailureSkipsTick(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 100)

	f.sim.FailQuotes(true)
	f.sim.SetOptionPrice(optSymbol, 10) // would stop out if quoted
	f.mgr.CheckOnce(context.Background(), "pos-1")

	got := f.mgr.Get("pos-1")
	assert.Equal(t, models.PositionActive, got.Status)
	assert.Equal(t, 100, got.RemainingQuantity)
}

func TestRejectedExitOrderLeavesPositionUntouched(t *testing.T) {
	sim := broker.NewSimBroker(map[string]int{"BANKNIFTY": 25}, 100)
	router, err := broker.NewOrderRouter(broker.ModeLive, sim, nil)
	require.NoError(t, err)
	mgr := NewManager(Config{}, bus.New(nil), sim, router, storage.NewMockStorage(), nil)

	pos := models.NewPosition("pos-1", "sig-1", "BANKNIFTY", optSymbol,
		50000, models.OptionCall, time.Now().UTC().Add(7*24*time.Hour),
		100, 25, 100, 70, 150)
	require.NoError(t, mgr.Register(context.Background(), pos))

	sim.FailOrders(true)
	sim.SetOptionPrice(optSymbol, 69)
	mgr.CheckOnce(context.Background(), "pos-1")

	got := mgr.Get("pos-1")
	assert.Equal(t, models.PositionActive, got.Status)
	assert.Equal(t, 100, got.RemainingQuantity)

	// Next tick retries and succeeds.
	sim.FailOrders(false)
	mgr.CheckOnce(context.Background(), "pos-1")
	got = mgr.Get("pos-1")
	assert.Equal(t, models.PositionClosed, got.Status)
}

func TestGetPositionBySignal(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 100)

	require.NotNil(t, f.mgr.GetPositionBySignal("sig-1"))
	assert.Nil(t, f.mgr.GetPositionBySignal("sig-unknown"))

	// Closed positions still answer the idempotency query.
	f.tick(t, 151)
	require.NotNil(t, f.mgr.GetPositionBySignal("sig-1"))
	assert.Equal(t, 0, f.mgr.ActiveCount())
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 100)

	dup := models.NewPosition("pos-1", "sig-2", "BANKNIFTY", optSymbol,
		50000, models.OptionCall, time.Now().UTC().Add(7*24*time.Hour),
		100, 25, 100, 70, 150)
	assert.Error(t, f.mgr.Register(context.Background(), dup))
}

func TestClosePublishesTerminalEvents(t *testing.T) {
	f := newFixture(t, Config{})
	f.bus.Start(context.Background())
	defer f.bus.Stop()

	var gotClosed, gotStopped bool
	done := make(chan struct{}, 2)
	_, err := f.bus.Subscribe(bus.EventPositionClosed, "t", func(_ context.Context, ev bus.Event) error {
		p := ev.Payload.(bus.PositionClosedPayload)
		gotClosed = p.ExitReason == models.ExitStopLoss && p.RealizedPnL < 0
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	_, err = f.bus.Subscribe(bus.EventSignalStopped, "t", func(_ context.Context, ev bus.Event) error {
		p := ev.Payload.(bus.SignalStoppedPayload)
		gotStopped = p.SignalID == "sig-1" && p.ProfitLoss < 0
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	f.register(t, 100)
	f.tick(t, 69)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for terminal events")
		}
	}
	assert.True(t, gotClosed, "POSITION_CLOSED payload mismatch")
	assert.True(t, gotStopped, "SIGNAL_STOPPED payload mismatch")
}
