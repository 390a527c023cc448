// Package models provides the Signal and Position entities shared across
// the trading engine.
package models

import (
	"fmt"
	"time"
)

// SignalAction is the trade direction of a signal.
type SignalAction string

const (
	// ActionBuy is a long (bullish) signal, executed with call options.
	ActionBuy SignalAction = "BUY"
	// ActionSell is a short (bearish) signal, executed with put options.
	ActionSell SignalAction = "SELL"
)

// Valid returns true if the action is one of the defined constants.
func (a SignalAction) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// SignalStatus tracks the lifecycle of a signal.
type SignalStatus string

const (
	// SignalNew means the signal has been generated but not yet traded.
	SignalNew SignalStatus = "NEW"
	// SignalActive means an options position has been opened for the signal.
	SignalActive SignalStatus = "ACTIVE"
	// SignalCompleted means the position closed at a profit or target.
	SignalCompleted SignalStatus = "COMPLETED"
	// SignalStopped means the position closed at a loss or stop.
	SignalStopped SignalStatus = "STOPPED"
)

// IsTerminal returns true for statuses that end the signal lifecycle.
func (s SignalStatus) IsTerminal() bool {
	return s == SignalCompleted || s == SignalStopped
}

// Signal is a directional trade idea produced by a strategy. It is owned
// exclusively by the signal manager; other components receive copies or
// event payloads derived from it.
type Signal struct {
	ID              string            `json:"id"`
	Symbol          string            `json:"symbol"`
	Strategy        string            `json:"strategy"`
	Action          SignalAction      `json:"action"`
	EntryPrice      float64           `json:"entry_price"`
	StopLoss        float64           `json:"stop_loss"`
	Target          float64           `json:"target"`
	Strength        float64           `json:"strength"`          // 0-10
	ExpectedMovePct float64           `json:"expected_move_pct"` // expected underlying move, percent
	Timeframe       string            `json:"timeframe"`
	Status          SignalStatus      `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	OrderID         string            `json:"order_id,omitempty"`
	ExitPrice       float64           `json:"exit_price,omitempty"`
	ExitTime        time.Time         `json:"exit_time,omitempty"`
	RealizedPnL     float64           `json:"realized_pnl,omitempty"`
	ExitReason      string            `json:"exit_reason,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate checks the structural invariants of a freshly generated signal.
func (s *Signal) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("signal: id is required")
	}
	if s.Symbol == "" {
		return fmt.Errorf("signal %s: symbol is required", s.ID)
	}
	if s.Strategy == "" {
		return fmt.Errorf("signal %s: strategy is required", s.ID)
	}
	if !s.Action.Valid() {
		return fmt.Errorf("signal %s: invalid action %q", s.ID, s.Action)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("signal %s: entry price must be positive (got %.2f)", s.ID, s.EntryPrice)
	}
	if s.Strength < 0 || s.Strength > 10 {
		return fmt.Errorf("signal %s: strength must be within [0,10] (got %.1f)", s.ID, s.Strength)
	}
	switch s.Action {
	case ActionBuy:
		if !(s.StopLoss < s.EntryPrice && s.EntryPrice < s.Target) {
			return fmt.Errorf("signal %s: BUY requires stop < entry < target (%.2f/%.2f/%.2f)",
				s.ID, s.StopLoss, s.EntryPrice, s.Target)
		}
	case ActionSell:
		if !(s.Target < s.EntryPrice && s.EntryPrice < s.StopLoss) {
			return fmt.Errorf("signal %s: SELL requires target < entry < stop (%.2f/%.2f/%.2f)",
				s.ID, s.Target, s.EntryPrice, s.StopLoss)
		}
	}
	return nil
}
