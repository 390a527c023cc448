package broker

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
)

// TradeMode selects how orders leave the engine.
type TradeMode string

const (
	// ModeLogging constructs and logs orders without any fill, real or
	// simulated. Safe default for dry runs.
	ModeLogging TradeMode = "logging"
	// ModePaper synthesizes an immediate fill at the requested price.
	ModePaper TradeMode = "paper"
	// ModeLive submits orders to the real broker.
	ModeLive TradeMode = "live"
)

// Valid returns true if the mode is one of the defined constants.
func (m TradeMode) Valid() bool {
	return m == ModeLogging || m == ModePaper || m == ModeLive
}

// OrderRouter applies the configured trade mode to every order the
// engine places. Entry and exit orders go through the same router so
// the mode policy cannot diverge between the two paths.
type OrderRouter struct {
	mode   TradeMode
	broker Broker
	logger *log.Logger
}

// NewOrderRouter creates a router. The logger may be nil.
func NewOrderRouter(mode TradeMode, b Broker, logger *log.Logger) (*OrderRouter, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("broker: invalid trade mode %q", mode)
	}
	if mode == ModeLive && b == nil {
		return nil, fmt.Errorf("broker: live mode requires a broker client")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[ORDERS] ", log.LstdFlags)
	}
	return &OrderRouter{mode: mode, broker: b, logger: logger}, nil
}

// Mode returns the configured trade mode.
func (r *OrderRouter) Mode() TradeMode { return r.mode }

// Place routes one order according to the trade mode and returns the
// order id. Logging and paper modes never touch the broker.
func (r *OrderRouter) Place(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch r.mode {
	case ModeLogging:
		id := "LOG-" + uuid.New().String()[:8]
		r.logger.Printf("[LOGGING-ONLY] %s %d x %s @ %.2f (%s) -> %s",
			req.TransactionType, req.Quantity, req.Symbol, req.Price, req.OrderType, id)
		return id, nil
	case ModePaper:
		id := "PAPER-" + uuid.New().String()[:8]
		r.logger.Printf("[PAPER] filled %s %d x %s @ %.2f -> %s",
			req.TransactionType, req.Quantity, req.Symbol, req.Price, id)
		return id, nil
	default:
		id, err := r.broker.PlaceOrder(ctx, req)
		if err != nil {
			return "", fmt.Errorf("placing live order for %s: %w", req.Symbol, err)
		}
		r.logger.Printf("[LIVE] %s %d x %s @ %.2f -> %s",
			req.TransactionType, req.Quantity, req.Symbol, req.Price, id)
		return id, nil
	}
}
