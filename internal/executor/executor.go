// Package executor turns generated signals into option positions. It
// subscribes to SIGNAL_GENERATED and orchestrates validation, risk
// checks, strike selection, order placement and registration with the
// position manager.
package executor

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rmehra/optionflow/internal/broker"
	"github.com/rmehra/optionflow/internal/bus"
	"github.com/rmehra/optionflow/internal/greeks"
	"github.com/rmehra/optionflow/internal/models"
	"github.com/rmehra/optionflow/internal/positions"
	"github.com/rmehra/optionflow/internal/selector"
	"github.com/rmehra/optionflow/internal/util"
)

// subscribePriority puts the executor ahead of bookkeeping subscribers
// in each event's fan-out spawn order.
const subscribePriority = 100

const premiumTick = 0.05

// Config controls signal validation, risk limits and premium offsets.
type Config struct {
	Enabled                bool    `yaml:"enabled"`
	MinSignalStrength      float64 `yaml:"min_signal_strength"`
	MinExpectedMovePct     float64 `yaml:"min_expected_move_pct"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MaxLotsPerTrade        int     `yaml:"max_lots_per_trade"`
	StopLossPct            float64 `yaml:"stop_loss_pct"`
	TargetPct              float64 `yaml:"target_pct"`
}

// Stats is a snapshot of the executor's counters.
type Stats struct {
	Processed int64
	Rejected  int64
	Opened    int64
	Failed    int64
}

// Executor opens option positions for signals that clear every check.
type Executor struct {
	cfg       Config
	bus       *bus.Bus
	positions *positions.Manager
	selector  *selector.Selector
	greeks    *greeks.Calculator
	router    *broker.OrderRouter
	logger    *log.Logger

	processed atomic.Int64
	rejected  atomic.Int64
	opened    atomic.Int64
	failed    atomic.Int64
}

// New creates an options executor. The logger may be nil.
func New(cfg Config, b *bus.Bus, pm *positions.Manager, sel *selector.Selector,
	gc *greeks.Calculator, router *broker.OrderRouter, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(os.Stderr, "[EXECUTOR] ", log.LstdFlags)
	}
	return &Executor{
		cfg:       cfg,
		bus:       b,
		positions: pm,
		selector:  sel,
		greeks:    gc,
		router:    router,
		logger:    logger,
	}
}

// Register subscribes the executor to SIGNAL_GENERATED with high
// priority. Call once at startup.
func (e *Executor) Register() error {
	if !e.cfg.Enabled {
		e.logger.Printf("executor disabled, not subscribing")
		return nil
	}
	_, err := e.bus.Subscribe(bus.EventSignalGenerated, "options-executor",
		e.handleSignal, bus.WithPriority(subscribePriority))
	if err != nil {
		return fmt.Errorf("executor: subscribing: %w", err)
	}
	return nil
}

// handleSignal processes one SIGNAL_GENERATED event end to end. Every
// drop path logs its reason and increments a counter; only unexpected
// failures return an error (and land in the dead-letter list).
func (e *Executor) handleSignal(ctx context.Context, ev bus.Event) error {
	sig, ok := ev.Payload.(bus.SignalGeneratedPayload)
	if !ok {
		return fmt.Errorf("executor: unexpected payload %T", ev.Payload)
	}
	e.processed.Add(1)

	// Duplicate delivery or restart replay: the position manager is the
	// only source of truth for "already traded".
	if existing := e.positions.GetPositionBySignal(sig.SignalID); existing != nil {
		e.logger.Printf("signal %s already has position %s, skipping", sig.SignalID, existing.ID)
		return nil
	}

	if err := e.validate(sig); err != nil {
		e.rejected.Add(1)
		e.logger.Printf("signal %s rejected: %v", sig.SignalID, err)
		return nil
	}

	if active := e.positions.ActiveCount(); active >= e.cfg.MaxConcurrentPositions {
		e.rejected.Add(1)
		e.logger.Printf("signal %s dropped: %d active positions at limit %d",
			sig.SignalID, active, e.cfg.MaxConcurrentPositions)
		return nil
	}

	contract, err := e.selector.SelectBestStrike(ctx, sig.Symbol, sig.EntryPrice,
		sig.Action, sig.ExpectedMovePct, sig.SignalStrength)
	if err != nil {
		e.rejected.Add(1)
		e.logger.Printf("signal %s dropped: %v", sig.SignalID, err)
		return nil
	}

	entryPremium := contract.LastPrice
	stopPremium := util.RoundToTick(entryPremium*(1-e.cfg.StopLossPct/100), premiumTick)
	targetPremium := util.RoundToTick(entryPremium*(1+e.cfg.TargetPct/100), premiumTick)
	quantity := contract.LotSize * e.cfg.MaxLotsPerTrade

	e.logEntryGreeks(sig, contract, entryPremium)

	orderID, err := e.router.Place(ctx, broker.OrderRequest{
		Symbol:          contract.Symbol,
		Exchange:        contract.Exchange,
		TransactionType: "BUY",
		Quantity:        quantity,
		OrderType:       "MARKET",
		Price:           entryPremium,
		Product:         "NRML",
	})
	if err != nil {
		e.failed.Add(1)
		e.logger.Printf("entry order for signal %s failed: %v", sig.SignalID, err)
		return nil
	}

	pos := models.NewPosition(uuid.New().String(), sig.SignalID, sig.Symbol,
		contract.Symbol, contract.Strike, contract.OptionType, contract.Expiry,
		quantity, contract.LotSize, entryPremium, stopPremium, targetPremium)
	pos.EntryOrderID = orderID

	if err := e.positions.Register(ctx, pos); err != nil {
		e.failed.Add(1)
		return fmt.Errorf("executor: registering position for signal %s: %w", sig.SignalID, err)
	}
	e.opened.Add(1)

	e.bus.Publish(bus.SignalActivatedPayload{
		SignalID: sig.SignalID,
		OrderID:  orderID,
		Symbol:   sig.Symbol,
		Action:   sig.Action,
		Price:    entryPremium,
		Quantity: quantity,
	}, bus.WithSource("options-executor"), bus.WithCorrelationID(sig.SignalID))

	e.logger.Printf("opened %s for signal %s: %d x %s @ %.2f via order %s",
		pos.ID, sig.SignalID, quantity, contract.Symbol, entryPremium, orderID)
	return nil
}

func (e *Executor) validate(sig bus.SignalGeneratedPayload) error {
	if sig.SignalStrength < e.cfg.MinSignalStrength {
		return fmt.Errorf("strength %.1f below minimum %.1f", sig.SignalStrength, e.cfg.MinSignalStrength)
	}
	if sig.ExpectedMovePct < e.cfg.MinExpectedMovePct {
		return fmt.Errorf("expected move %.2f%% below minimum %.2f%%",
			sig.ExpectedMovePct, e.cfg.MinExpectedMovePct)
	}
	return nil
}

// logEntryGreeks records the contract's sensitivities and probability
// of profit at entry time for the trade journal.
func (e *Executor) logEntryGreeks(sig bus.SignalGeneratedPayload,
	contract *broker.OptionContract, entryPremium float64) {
	dte := float64(contract.DaysToExpiry(time.Now()))
	iv := contract.ImpliedVol
	if iv <= 0 {
		iv = 0.18
	}
	g := e.greeks.AllGreeks(sig.EntryPrice, contract.Strike, dte, iv, contract.OptionType)
	pop := e.greeks.ProbabilityOfProfit(sig.EntryPrice, contract.Strike,
		entryPremium, dte, iv, contract.OptionType)
	e.logger.Printf("entry greeks for %s: delta %.2f gamma %.4f theta %.2f/day pop %.0f%% (%s)",
		contract.Symbol, g.Delta, g.Gamma, g.Theta, pop*100,
		greeks.Classify(sig.EntryPrice, contract.Strike, contract.OptionType))
}

// Stats returns a snapshot of the executor's counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Processed: e.processed.Load(),
		Rejected:  e.rejected.Load(),
		Opened:    e.opened.Load(),
		Failed:    e.failed.Load(),
	}
}
