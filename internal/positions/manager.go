// Package positions owns Position entities and the exit-rule state
// machine. A recurring monitor loop evaluates every open position each
// tick; the manager is also the canonical idempotency oracle for "is
// this signal already traded".
package positions

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rmehra/optionflow/internal/broker"
	"github.com/rmehra/optionflow/internal/bus"
	"github.com/rmehra/optionflow/internal/models"
	"github.com/rmehra/optionflow/internal/storage"
)

const storeTimeout = 5 * time.Second

// TrailStopConfig controls the trailing-stop exit rule.
type TrailStopConfig struct {
	Enabled             bool    `yaml:"enabled"`
	TrailAfterProfitPct float64 `yaml:"trail_after_profit_pct"`
	TrailPercentage     float64 `yaml:"trail_percentage"`
}

// PartialBookingConfig controls the partial profit-booking exit rule.
type PartialBookingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	AtProfitPct float64 `yaml:"at_profit_pct"`
	SizePct     float64 `yaml:"size_pct"`
}

// Config controls the monitor loop and exit rules.
type Config struct {
	MonitorInterval time.Duration        `yaml:"monitor_interval"`
	QuoteTimeout    time.Duration        `yaml:"quote_timeout"`
	MaxHoldHours    float64              `yaml:"max_hold_hours"`
	TrailStop       TrailStopConfig      `yaml:"trail_stop"`
	PartialBooking  PartialBookingConfig `yaml:"partial_booking"`
}

// Manager tracks open and closed positions and runs the monitor loop.
// Positions are mutated only inside per-position evaluations, which are
// serialized by the in-flight guard; the mutex protects the maps and
// the readers.
type Manager struct {
	cfg    Config
	bus    *bus.Bus
	quotes broker.Broker
	router *broker.OrderRouter
	store  storage.Interface
	logger *log.Logger
	now    func() time.Time

	mu       sync.RWMutex
	active   map[string]*models.Position
	closed   []*models.Position
	inflight map[string]struct{}

	checkWG sync.WaitGroup
}

// NewManager creates a position manager. The logger may be nil.
func NewManager(cfg Config, b *bus.Bus, quotes broker.Broker,
	router *broker.OrderRouter, store storage.Interface, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[POSITIONS] ", log.LstdFlags)
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 5 * time.Second
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 3 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		bus:      b,
		quotes:   quotes,
		router:   router,
		store:    store,
		logger:   logger,
		now:      time.Now,
		active:   make(map[string]*models.Position),
		inflight: make(map[string]struct{}),
	}
}

// Register takes ownership of a newly opened position, persists it and
// publishes POSITION_OPENED.
func (m *Manager) Register(ctx context.Context, pos *models.Position) error {
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("positions: register: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.active[pos.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("positions: %s already registered", pos.ID)
	}
	m.active[pos.ID] = pos
	m.mu.Unlock()

	if err := m.persist(ctx, pos); err != nil {
		m.logger.Printf("persisting new position %s failed: %v", pos.ID, err)
	}

	m.bus.Publish(bus.PositionOpenedPayload{
		PositionID:      pos.ID,
		SignalID:        pos.SignalID,
		Symbol:          pos.Symbol,
		OptionSymbol:    pos.OptionSymbol,
		Strike:          pos.Strike,
		OptionType:      pos.OptionType,
		Quantity:        pos.TotalQuantity,
		EntryPremium:    pos.EntryPremium,
		StopLossPremium: pos.StopLossPremium,
		TargetPremium:   pos.TargetPremium,
	}, bus.WithSource("position-manager"), bus.WithCorrelationID(pos.SignalID))

	m.logger.Printf("registered %s: %d x %s @ %.2f (stop %.2f, target %.2f)",
		pos.ID, pos.TotalQuantity, pos.OptionSymbol,
		pos.EntryPremium, pos.StopLossPremium, pos.TargetPremium)
	return nil
}

// GetPositionBySignal scans active then closed positions for one opened
// from the given signal. This is the idempotency oracle for the
// executor; there is deliberately no separate processed set.
func (m *Manager) GetPositionBySignal(signalID string) *models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pos := range m.active {
		if pos.SignalID == signalID {
			cp := *pos
			return &cp
		}
	}
	for _, pos := range m.closed {
		if pos.SignalID == signalID {
			cp := *pos
			return &cp
		}
	}
	return nil
}

// Get returns a copy of the position with the given id, or nil.
func (m *Manager) Get(positionID string) *models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pos, ok := m.active[positionID]; ok {
		cp := *pos
		return &cp
	}
	for _, pos := range m.closed {
		if pos.ID == positionID {
			cp := *pos
			return &cp
		}
	}
	return nil
}

// ActiveCount returns the number of open positions. The executor's
// concurrent-position risk check queries this.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Snapshot returns copies of all positions, open first.
func (m *Manager) Snapshot() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Position, 0, len(m.active)+len(m.closed))
	for _, pos := range m.active {
		out = append(out, *pos)
	}
	for _, pos := range m.closed {
		out = append(out, *pos)
	}
	return out
}

// StartMonitoring runs the monitor loop until ctx is cancelled, then
// waits for in-flight per-position checks to finish. Blocking; run it
// on its own goroutine.
func (m *Manager) StartMonitoring(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	m.logger.Printf("monitor loop started (interval %s)", m.cfg.MonitorInterval)

	for {
		select {
		case <-ctx.Done():
			m.logger.Printf("monitor loop stopping")
			m.checkWG.Wait()
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep snapshots the open positions and evaluates each on its own
// goroutine. The in-flight guard ensures at most one concurrent
// evaluation per position even when a check outlives the tick interval.
func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		if _, busy := m.inflight[id]; busy {
			continue
		}
		m.inflight[id] = struct{}{}
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.checkWG.Add(1)
		go func(id string) {
			defer m.checkWG.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Printf("check panic for position %s: %v", id, r)
				}
				m.mu.Lock()
				delete(m.inflight, id)
				m.mu.Unlock()
			}()
			m.evaluate(ctx, id)
		}(id)
	}
}

type exitDecision struct {
	qty    int
	reason models.ExitReason
}

// evaluate runs one tick's exit-rule pass for one position. A quote
// failure skips this position for this tick only.
func (m *Manager) evaluate(ctx context.Context, positionID string) {
	m.mu.RLock()
	pos, ok := m.active[positionID]
	if !ok || !pos.IsOpen() {
		m.mu.RUnlock()
		return
	}
	optionSymbol := pos.OptionSymbol
	m.mu.RUnlock()

	qctx, cancel := context.WithTimeout(ctx, m.cfg.QuoteTimeout)
	quotes, err := m.quotes.GetQuote(qctx, []string{optionSymbol})
	cancel()
	if err != nil {
		m.logger.Printf("quote fetch failed for %s, skipping tick: %v", optionSymbol, err)
		return
	}
	quote, ok := quotes[optionSymbol]
	if !ok {
		m.logger.Printf("no quote for %s, skipping tick", optionSymbol)
		return
	}
	premium := quote.LastPrice

	m.mu.Lock()
	pos, ok = m.active[positionID]
	if !ok || !pos.IsOpen() {
		m.mu.Unlock()
		return
	}
	pos.MarkToMarket(premium)
	decision := m.decide(pos, premium)
	m.mu.Unlock()

	if decision == nil {
		return
	}
	m.exit(ctx, positionID, decision.qty, premium, decision.reason)
}

// decide applies the exit rules in strict precedence and returns the
// exit to take, or nil. Trailing activation mutates the stop but never
// exits by itself. Caller holds the write lock.
func (m *Manager) decide(pos *models.Position, premium float64) *exitDecision {
	if premium <= pos.StopLossPremium {
		return &exitDecision{qty: pos.RemainingQuantity, reason: models.ExitStopLoss}
	}
	if premium >= pos.TargetPremium {
		return &exitDecision{qty: pos.RemainingQuantity, reason: models.ExitTarget}
	}

	profitPct := pos.ProfitPct(premium)

	if m.cfg.PartialBooking.Enabled && pos.Status == models.PositionActive &&
		profitPct >= m.cfg.PartialBooking.AtProfitPct {
		qty := pos.RemainingQuantity * int(m.cfg.PartialBooking.SizePct) / 100
		if pos.LotSize > 1 {
			qty = qty / pos.LotSize * pos.LotSize
		}
		if qty > 0 {
			return &exitDecision{qty: qty, reason: models.ExitPartialBooking}
		}
	}

	if m.cfg.TrailStop.Enabled && profitPct >= m.cfg.TrailStop.TrailAfterProfitPct {
		profit := premium - pos.EntryPremium
		newStop := pos.EntryPremium + profit*(100-m.cfg.TrailStop.TrailPercentage)/100
		if pos.RaiseStop(newStop) {
			m.logger.Printf("trailing stop for %s raised to %.2f (premium %.2f)",
				pos.ID, pos.StopLossPremium, premium)
		}
	}

	if m.cfg.MaxHoldHours > 0 &&
		pos.HoldingDuration(m.now()).Hours() >= m.cfg.MaxHoldHours {
		return &exitDecision{qty: pos.RemainingQuantity, reason: models.ExitTimeLimit}
	}
	return nil
}

// exit places the exit order and, only on success, books the slice. A
// rejected order leaves the position untouched; the next tick retries.
func (m *Manager) exit(ctx context.Context, positionID string, qty int,
	premium float64, reason models.ExitReason) {
	m.mu.RLock()
	pos, ok := m.active[positionID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	req := broker.OrderRequest{
		Symbol:          pos.OptionSymbol,
		Exchange:        "NFO",
		TransactionType: "SELL",
		Quantity:        qty,
		OrderType:       "MARKET",
		Price:           premium,
		Product:         "NRML",
	}
	m.mu.RUnlock()

	if _, err := m.router.Place(ctx, req); err != nil {
		m.logger.Printf("exit order for %s failed (%s): %v", positionID, reason, err)
		return
	}

	m.mu.Lock()
	pos, ok = m.active[positionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	pe, err := pos.ApplyExit(qty, premium, reason, m.now().UTC())
	if err != nil {
		m.mu.Unlock()
		m.logger.Printf("booking exit for %s failed: %v", positionID, err)
		return
	}
	closedNow := pos.Status == models.PositionClosed
	if closedNow {
		delete(m.active, positionID)
		m.closed = append(m.closed, pos)
	}
	cp := *pos
	m.mu.Unlock()

	m.logger.Printf("exit %s: %d x %s @ %.2f (%s, slice pnl %.2f)",
		positionID, pe.Quantity, cp.OptionSymbol, premium, reason, pe.PnL)

	if err := m.persist(ctx, &cp); err != nil {
		m.logger.Printf("persisting exit for %s failed: %v", positionID, err)
	}

	if closedNow {
		m.publishClosed(&cp)
	}
}

// publishClosed emits POSITION_CLOSED plus the terminal signal event.
// The signal completes when the trade made money or hit its target;
// every other terminal exit counts as stopped.
func (m *Manager) publishClosed(pos *models.Position) {
	holding := pos.ExitTime.Sub(pos.EntryTime)
	m.bus.Publish(bus.PositionClosedPayload{
		PositionID:             pos.ID,
		ExitPremium:            pos.ExitPremium,
		ExitReason:             pos.ExitReason,
		RealizedPnL:            pos.RealizedPnL,
		RealizedPnLPct:         pos.RealizedPnLPct(),
		HoldingDurationSeconds: holding.Seconds(),
	}, bus.WithSource("position-manager"), bus.WithCorrelationID(pos.SignalID))

	profitable := pos.RealizedPnL > 0 || pos.ExitReason == models.ExitTarget
	if profitable {
		m.bus.Publish(bus.SignalCompletedPayload{
			SignalID:      pos.SignalID,
			ExitPrice:     pos.ExitPremium,
			ProfitLoss:    pos.RealizedPnL,
			ProfitLossPct: pos.RealizedPnLPct(),
			ExitReason:    string(pos.ExitReason),
		}, bus.WithSource("position-manager"), bus.WithCorrelationID(pos.SignalID))
	} else {
		m.bus.Publish(bus.SignalStoppedPayload{
			SignalID:      pos.SignalID,
			ExitPrice:     pos.ExitPremium,
			ProfitLoss:    pos.RealizedPnL,
			ProfitLossPct: pos.RealizedPnLPct(),
			ExitReason:    string(pos.ExitReason),
		}, bus.WithSource("position-manager"), bus.WithCorrelationID(pos.SignalID))
	}

	m.logger.Printf("closed %s: reason %s, realized pnl %.2f (%.1f%%), held %s",
		pos.ID, pos.ExitReason, pos.RealizedPnL, pos.RealizedPnLPct(), holding.Round(time.Second))
}

// CheckOnce evaluates one position immediately, outside the monitor
// loop. Used by tests to drive ticks deterministically.
func (m *Manager) CheckOnce(ctx context.Context, positionID string) {
	m.evaluate(ctx, positionID)
}

func (m *Manager) persist(ctx context.Context, pos *models.Position) error {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return m.store.StoreOptionsPosition(sctx, pos)
}
