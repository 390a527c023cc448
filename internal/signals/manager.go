// Package signals owns Signal entities: generation with deduplication,
// persistence, and lifecycle updates driven by bus events.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rmehra/optionflow/internal/bus"
	"github.com/rmehra/optionflow/internal/models"
	"github.com/rmehra/optionflow/internal/storage"
)

const storeTimeout = 5 * time.Second

// Dedup decision reasons returned by ShouldGenerate.
const (
	ReasonFirstOfSession = "first signal of session"
	ReasonReversal       = "reversal"
	ReasonDuplicate      = "duplicate, price still in range"
	ReasonInvalidated    = "previous signal invalidated"
	ReasonDedupUnavail   = "dedup unavailable, generating"
)

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Generated int64
	Skipped   int64
	Failed    int64
	Active    int
}

// Manager owns the signal lifecycle. The persisted store is canonical
// for dedup; the active map is a cache for lifecycle handlers.
type Manager struct {
	bus          *bus.Bus
	store        storage.Interface
	logger       *log.Logger
	fallbackPath string

	// sessionStart maps a wall-clock instant to the start of its trading
	// session. Overridable in tests.
	sessionStart func(time.Time) time.Time

	mu     sync.RWMutex
	active map[string]*models.Signal

	generated atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// NewManager creates a signal manager. fallbackPath is the durable JSONL
// file used when the store rejects a write; empty disables the fallback.
func NewManager(b *bus.Bus, store storage.Interface, fallbackPath string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[SIGNALS] ", log.LstdFlags)
	}
	return &Manager{
		bus:          b,
		store:        store,
		logger:       logger,
		fallbackPath: fallbackPath,
		sessionStart: func(now time.Time) time.Time {
			y, m, d := now.UTC().Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		},
		active: make(map[string]*models.Signal),
	}
}

// SetSessionStartFunc overrides the session boundary computation.
func (m *Manager) SetSessionStartFunc(f func(time.Time) time.Time) {
	if f != nil {
		m.sessionStart = f
	}
}

// Register subscribes the lifecycle handlers on the bus. Call once at
// startup, before the bus starts dispatching.
func (m *Manager) Register() error {
	for _, t := range []bus.EventType{
		bus.EventSignalActivated,
		bus.EventSignalCompleted,
		bus.EventSignalStopped,
	} {
		if _, err := m.bus.Subscribe(t, "signal-manager", m.handleLifecycle); err != nil {
			return fmt.Errorf("signals: subscribing to %s: %w", t, err)
		}
	}
	return nil
}

// ShouldGenerate runs the dedup algorithm for (symbol, strategy, action)
// at the given price and returns the decision with a human-readable
// reason. A store failure is treated as "generate": missing a trade
// costs more than an occasional duplicate, which the executor's
// idempotency check absorbs.
func (m *Manager) ShouldGenerate(ctx context.Context, symbol, strategy string,
	action models.SignalAction, currentPrice float64) (bool, string) {
	since := m.sessionStart(time.Now())
	last, err := m.store.GetLastSignal(ctx, symbol, strategy, since)
	if err != nil {
		m.logger.Printf("dedup lookup failed for %s/%s: %v", symbol, strategy, err)
		return true, ReasonDedupUnavail
	}
	if last == nil {
		return true, ReasonFirstOfSession
	}
	if last.Action != action {
		return true, ReasonReversal
	}

	var stillActive bool
	switch action {
	case models.ActionBuy:
		stillActive = last.StopLoss < currentPrice && currentPrice < last.Target
	case models.ActionSell:
		stillActive = last.Target < currentPrice && currentPrice < last.StopLoss
	}
	if stillActive {
		return false, ReasonDuplicate
	}
	return true, ReasonInvalidated
}

// EmitParams are the inputs to Emit.
type EmitParams struct {
	Symbol          string
	Strategy        string
	Action          models.SignalAction
	EntryPrice      float64
	StopLoss        float64
	Target          float64
	Strength        float64
	ExpectedMovePct float64
	Timeframe       string
	Metadata        map[string]string
}

// Emit runs dedup and, when the signal passes, persists it and publishes
// SIGNAL_GENERATED. Returns (nil, nil) when the signal is deduplicated.
func (m *Manager) Emit(ctx context.Context, p EmitParams) (*models.Signal, error) {
	ok, reason := m.ShouldGenerate(ctx, p.Symbol, p.Strategy, p.Action, p.EntryPrice)
	if !ok {
		m.skipped.Add(1)
		m.logger.Printf("skipped %s %s on %s: %s", p.Action, p.Strategy, p.Symbol, reason)
		return nil, nil
	}

	sig := &models.Signal{
		ID:              uuid.New().String(),
		Symbol:          p.Symbol,
		Strategy:        p.Strategy,
		Action:          p.Action,
		EntryPrice:      p.EntryPrice,
		StopLoss:        p.StopLoss,
		Target:          p.Target,
		Strength:        p.Strength,
		ExpectedMovePct: p.ExpectedMovePct,
		Timeframe:       p.Timeframe,
		Status:          models.SignalNew,
		CreatedAt:       time.Now().UTC(),
		Metadata:        p.Metadata,
	}
	if err := sig.Validate(); err != nil {
		m.failed.Add(1)
		return nil, fmt.Errorf("signals: emit: %w", err)
	}

	if err := m.persist(ctx, sig); err != nil {
		m.logger.Printf("store write failed for signal %s: %v", sig.ID, err)
		if fbErr := m.appendFallback(sig); fbErr != nil {
			m.failed.Add(1)
			return nil, fmt.Errorf("signals: store failed (%v) and fallback failed: %w", err, fbErr)
		}
		m.logger.Printf("signal %s written to fallback file %s", sig.ID, m.fallbackPath)
	}

	m.mu.Lock()
	m.active[sig.ID] = sig
	m.mu.Unlock()
	m.generated.Add(1)

	m.bus.Publish(bus.SignalGeneratedPayload{
		SignalID:        sig.ID,
		Symbol:          sig.Symbol,
		Strategy:        sig.Strategy,
		Action:          sig.Action,
		EntryPrice:      sig.EntryPrice,
		StopLoss:        sig.StopLoss,
		Target:          sig.Target,
		SignalStrength:  sig.Strength,
		ExpectedMovePct: sig.ExpectedMovePct,
		Timeframe:       sig.Timeframe,
		Metadata:        sig.Metadata,
	}, bus.WithSource("signal-manager"), bus.WithCorrelationID(sig.ID),
		bus.WithEventPriority(bus.PriorityHigh))

	m.logger.Printf("generated %s %s on %s @ %.2f (stop %.2f, target %.2f): %s",
		sig.Action, sig.Strategy, sig.Symbol, sig.EntryPrice, sig.StopLoss, sig.Target, reason)
	return sig, nil
}

func (m *Manager) persist(ctx context.Context, sig *models.Signal) error {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return m.store.StoreSignal(sctx, sig)
}

// appendFallback appends the signal as one JSON line to the durable
// fallback file so no generated signal is silently lost.
func (m *Manager) appendFallback(sig *models.Signal) error {
	if m.fallbackPath == "" {
		return fmt.Errorf("no fallback path configured")
	}
	raw, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(m.fallbackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// handleLifecycle applies ACTIVATED/COMPLETED/STOPPED transitions to the
// owned signal and persists the result. Terminal transitions evict the
// signal from the active map; the persisted record remains queryable.
func (m *Manager) handleLifecycle(ctx context.Context, ev bus.Event) error {
	switch p := ev.Payload.(type) {
	case bus.SignalActivatedPayload:
		return m.transition(ctx, p.SignalID, func(sig *models.Signal) {
			sig.Status = models.SignalActive
			sig.OrderID = p.OrderID
		})
	case bus.SignalCompletedPayload:
		return m.transition(ctx, p.SignalID, func(sig *models.Signal) {
			sig.Status = models.SignalCompleted
			sig.ExitPrice = p.ExitPrice
			sig.ExitTime = ev.Timestamp
			sig.RealizedPnL = p.ProfitLoss
			sig.ExitReason = p.ExitReason
		})
	case bus.SignalStoppedPayload:
		return m.transition(ctx, p.SignalID, func(sig *models.Signal) {
			sig.Status = models.SignalStopped
			sig.ExitPrice = p.ExitPrice
			sig.ExitTime = ev.Timestamp
			sig.RealizedPnL = p.ProfitLoss
			sig.ExitReason = p.ExitReason
		})
	default:
		return fmt.Errorf("signals: unexpected payload %T for event %s", ev.Payload, ev.Type)
	}
}

func (m *Manager) transition(ctx context.Context, signalID string, apply func(*models.Signal)) error {
	m.mu.Lock()
	sig, ok := m.active[signalID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("signals: unknown signal %s", signalID)
	}
	apply(sig)
	terminal := sig.Status.IsTerminal()
	cp := *sig
	if terminal {
		delete(m.active, signalID)
	}
	m.mu.Unlock()

	if err := m.persist(ctx, &cp); err != nil {
		m.logger.Printf("persisting lifecycle update for %s failed: %v", signalID, err)
		return err
	}
	m.logger.Printf("signal %s -> %s", signalID, cp.Status)
	return nil
}

// Get returns the active signal with the given id, or nil.
func (m *Manager) Get(signalID string) *models.Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.active[signalID]
	if !ok {
		return nil
	}
	cp := *sig
	return &cp
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := len(m.active)
	m.mu.RUnlock()
	return Stats{
		Generated: m.generated.Load(),
		Skipped:   m.skipped.Load(),
		Failed:    m.failed.Load(),
		Active:    active,
	}
}
