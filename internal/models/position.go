package models

import (
	"fmt"
	"math"
	"time"
)

// OptionType represents the type of option contract.
type OptionType string

const (
	// OptionCall represents a call option contract.
	OptionCall OptionType = "CALL"
	// OptionPut represents a put option contract.
	OptionPut OptionType = "PUT"
)

// Valid returns true if the option type is one of the defined constants.
func (t OptionType) Valid() bool {
	return t == OptionCall || t == OptionPut
}

// PositionStatus tracks the lifecycle of an options position.
type PositionStatus string

const (
	// PositionActive means the full quantity is still open.
	PositionActive PositionStatus = "ACTIVE"
	// PositionPartial means some quantity has been booked; may recur.
	PositionPartial PositionStatus = "PARTIAL"
	// PositionClosed is terminal: remaining quantity is zero.
	PositionClosed PositionStatus = "CLOSED"
)

// ExitReason labels why a position (or a slice of it) was exited.
type ExitReason string

const (
	// ExitStopLoss fires when premium drops to the stop-loss level.
	ExitStopLoss ExitReason = "STOP_LOSS"
	// ExitTarget fires when premium reaches the target level.
	ExitTarget ExitReason = "TARGET"
	// ExitPartialBooking books part of the quantity at a profit threshold.
	ExitPartialBooking ExitReason = "PARTIAL_BOOKING"
	// ExitTimeLimit fires when the holding duration limit is reached.
	ExitTimeLimit ExitReason = "TIME_LIMIT"
)

// PartialExit records one booked slice of a position.
type PartialExit struct {
	Quantity  int        `json:"quantity"`
	Premium   float64    `json:"premium"`
	PnL       float64    `json:"pnl"`
	Reason    ExitReason `json:"reason"`
	Timestamp time.Time  `json:"timestamp"`
}

// Position is an open options contract held as the execution of a signal.
// It is mutated exclusively by the position manager during monitor ticks.
//
// Invariants maintained by ApplyExit and RaiseStop:
//
//	sum(PartialExits.Quantity) + RemainingQuantity == TotalQuantity
//	RealizedPnL == sum(PartialExits.PnL)
//	StopLossPremium never decreases once trailing is active
type Position struct {
	ID                string         `json:"id"`
	SignalID          string         `json:"signal_id"`
	Symbol            string         `json:"symbol"` // underlying
	OptionSymbol      string         `json:"option_symbol"`
	Strike            float64        `json:"strike"`
	OptionType        OptionType     `json:"option_type"`
	Expiry            time.Time      `json:"expiry"`
	TotalQuantity     int            `json:"total_quantity"`
	LotSize           int            `json:"lot_size"`
	EntryPremium      float64        `json:"entry_premium"`
	StopLossPremium   float64        `json:"stop_loss_premium"`
	TargetPremium     float64        `json:"target_premium"`
	Status            PositionStatus `json:"status"`
	RemainingQuantity int            `json:"remaining_quantity"`
	RealizedPnL       float64        `json:"realized_pnl"`
	UnrealizedPnL     float64        `json:"unrealized_pnl"`
	PeakProfit        float64        `json:"peak_profit"`
	TrailingActive    bool           `json:"trailing_active"`
	PartialExits      []PartialExit  `json:"partial_exits"`
	EntryOrderID      string         `json:"entry_order_id,omitempty"`
	EntryTime         time.Time      `json:"entry_time"`
	ExitTime          time.Time      `json:"exit_time,omitempty"`
	ExitPremium       float64        `json:"exit_premium,omitempty"`
	ExitReason        ExitReason     `json:"exit_reason,omitempty"`
}

// NewPosition creates an ACTIVE position with the full quantity open.
func NewPosition(id, signalID, symbol, optionSymbol string, strike float64,
	optionType OptionType, expiry time.Time, quantity, lotSize int,
	entryPremium, stopLossPremium, targetPremium float64) *Position {
	return &Position{
		ID:                id,
		SignalID:          signalID,
		Symbol:            symbol,
		OptionSymbol:      optionSymbol,
		Strike:            strike,
		OptionType:        optionType,
		Expiry:            expiry,
		TotalQuantity:     quantity,
		LotSize:           lotSize,
		EntryPremium:      entryPremium,
		StopLossPremium:   stopLossPremium,
		TargetPremium:     targetPremium,
		Status:            PositionActive,
		RemainingQuantity: quantity,
		PartialExits:      make([]PartialExit, 0),
		EntryTime:         time.Now().UTC(),
	}
}

// IsOpen returns true while any quantity remains.
func (p *Position) IsOpen() bool {
	return p.Status != PositionClosed && p.RemainingQuantity > 0
}

// ProfitPct returns the premium move from entry as a percentage.
func (p *Position) ProfitPct(currentPremium float64) float64 {
	if p.EntryPremium == 0 {
		return 0
	}
	return (currentPremium - p.EntryPremium) / p.EntryPremium * 100
}

// HoldingDuration returns how long the position has been open.
func (p *Position) HoldingDuration(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// MarkToMarket recomputes unrealized P&L for the remaining quantity and
// advances the peak-profit watermark.
func (p *Position) MarkToMarket(currentPremium float64) {
	p.UnrealizedPnL = (currentPremium - p.EntryPremium) * float64(p.RemainingQuantity)
	if p.UnrealizedPnL > p.PeakProfit {
		p.PeakProfit = p.UnrealizedPnL
	}
}

// RaiseStop ratchets the stop-loss premium up to newStop, never down.
// Returns true if the stop actually moved.
func (p *Position) RaiseStop(newStop float64) bool {
	p.TrailingActive = true
	if newStop <= p.StopLossPremium {
		return false
	}
	p.StopLossPremium = newStop
	return true
}

// ApplyExit books an exit of qty at premium with the given reason. The
// quantity is clamped to what remains. When remaining quantity reaches
// zero the position transitions to CLOSED and exit fields are stamped.
func (p *Position) ApplyExit(qty int, premium float64, reason ExitReason, now time.Time) (PartialExit, error) {
	if !p.IsOpen() {
		return PartialExit{}, fmt.Errorf("position %s: already closed", p.ID)
	}
	if qty <= 0 {
		return PartialExit{}, fmt.Errorf("position %s: exit quantity must be positive (got %d)", p.ID, qty)
	}
	if qty > p.RemainingQuantity {
		qty = p.RemainingQuantity
	}

	pe := PartialExit{
		Quantity:  qty,
		Premium:   premium,
		PnL:       (premium - p.EntryPremium) * float64(qty),
		Reason:    reason,
		Timestamp: now,
	}
	p.PartialExits = append(p.PartialExits, pe)
	p.RemainingQuantity -= qty
	p.RealizedPnL += pe.PnL

	if p.RemainingQuantity == 0 {
		p.Status = PositionClosed
		p.ExitTime = now
		p.ExitPremium = premium
		p.ExitReason = reason
		p.UnrealizedPnL = 0
	} else {
		p.Status = PositionPartial
		p.MarkToMarket(premium)
	}
	return pe, nil
}

// RealizedPnLPct returns realized P&L relative to the total entry value.
func (p *Position) RealizedPnLPct() float64 {
	denom := p.EntryPremium * float64(p.TotalQuantity)
	if denom == 0 {
		return 0
	}
	return p.RealizedPnL / denom * 100
}

// Validate checks the quantity-conservation and P&L invariants.
func (p *Position) Validate() error {
	exited := 0
	pnl := 0.0
	for _, pe := range p.PartialExits {
		exited += pe.Quantity
		pnl += pe.PnL
	}
	if exited+p.RemainingQuantity != p.TotalQuantity {
		return fmt.Errorf("position %s: quantity mismatch: exited %d + remaining %d != total %d",
			p.ID, exited, p.RemainingQuantity, p.TotalQuantity)
	}
	if math.Abs(pnl-p.RealizedPnL) > 1e-6 {
		return fmt.Errorf("position %s: realized pnl %.4f does not match exit history sum %.4f",
			p.ID, p.RealizedPnL, pnl)
	}
	if p.RemainingQuantity < 0 {
		return fmt.Errorf("position %s: negative remaining quantity %d", p.ID, p.RemainingQuantity)
	}
	if p.Status == PositionClosed && p.RemainingQuantity != 0 {
		return fmt.Errorf("position %s: closed with remaining quantity %d", p.ID, p.RemainingQuantity)
	}
	if p.Status != PositionClosed && p.RemainingQuantity == 0 {
		return fmt.Errorf("position %s: zero remaining quantity in state %s", p.ID, p.Status)
	}
	return nil
}
