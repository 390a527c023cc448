// Package storage provides persistence for signals and option positions.
// The persistent store is the single source of truth for deduplication
// and idempotency; in-memory maps elsewhere in the engine are caches.
package storage

import (
	"context"
	"time"

	"github.com/rmehra/optionflow/internal/models"
)

// SignalFilter narrows GetSignals queries. Zero values mean "any".
type SignalFilter struct {
	Symbol   string
	Strategy string
	Status   models.SignalStatus
	Since    time.Time
	Limit    int
}

// Interface is the data-layer contract.
//
// Implementations must be safe for concurrent use: the signal manager,
// the position manager and the dashboard all call into the store from
// their own goroutines.
type Interface interface {
	// GetLastSignal returns the most recent signal for (symbol, strategy)
	// created at or after since, or nil when none exists.
	GetLastSignal(ctx context.Context, symbol, strategy string, since time.Time) (*models.Signal, error)

	// StoreSignal inserts or updates a signal by id.
	StoreSignal(ctx context.Context, sig *models.Signal) error

	// GetSignals returns signals matching the filter, newest first.
	GetSignals(ctx context.Context, filter SignalFilter) ([]models.Signal, error)

	// StoreOptionsPosition inserts or updates a position by id.
	StoreOptionsPosition(ctx context.Context, pos *models.Position) error

	// GetOptionsPositions returns all persisted positions, newest first.
	GetOptionsPositions(ctx context.Context) ([]models.Position, error)

	// GetStatistics returns aggregate trade statistics.
	GetStatistics(ctx context.Context) (*Statistics, error)

	// HealthCheck reports whether the store is usable.
	HealthCheck(ctx context.Context) error
}

// Statistics aggregates closed-trade outcomes.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	CurrentStreak int     `json:"current_streak"`
}

// NewStorage creates the default storage implementation (JSON-file based).
func NewStorage(path string) (Interface, error) {
	return NewJSONStorage(path)
}

// Ensure implementations satisfy the interface at compile time.
var (
	_ Interface = (*JSONStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
