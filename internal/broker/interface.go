// Package broker defines the quote/order client used by the engine and
// resilience wrappers around it. Real broker transports live behind the
// Broker interface; the engine only ever talks to the interface.
package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rmehra/optionflow/internal/models"
)

// ErrQuoteUnavailable is returned when a quote cannot be produced for a
// symbol. Callers skip the affected check and try again next tick.
var ErrQuoteUnavailable = errors.New("broker: quote unavailable")

// ErrOrderRejected is returned when the venue refuses an order.
var ErrOrderRejected = errors.New("broker: order rejected")

// Quote is a point-in-time price snapshot for one symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// OptionContract is one tradeable option in a chain.
type OptionContract struct {
	Symbol       string            `json:"symbol"` // e.g. BANKNIFTY25SEP51000CE
	Underlying   string            `json:"underlying"`
	Exchange     string            `json:"exchange"`
	Strike       float64           `json:"strike"`
	OptionType   models.OptionType `json:"option_type"`
	Expiry       time.Time         `json:"expiry"`
	LastPrice    float64           `json:"last_price"` // premium
	Bid          float64           `json:"bid"`
	Ask          float64           `json:"ask"`
	OpenInterest int64             `json:"open_interest"`
	Volume       int64             `json:"volume"`
	ImpliedVol   float64           `json:"implied_vol"`
	LotSize      int               `json:"lot_size"`
}

// DaysToExpiry returns whole calendar days until the contract expires.
func (c OptionContract) DaysToExpiry(now time.Time) int {
	d := int(c.Expiry.UTC().Truncate(24*time.Hour).Sub(now.UTC().Truncate(24*time.Hour)).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// OrderRequest describes one order to be placed.
type OrderRequest struct {
	Symbol          string  `json:"symbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"` // BUY | SELL
	Quantity        int     `json:"quantity"`
	OrderType       string  `json:"order_type"` // MARKET | LIMIT
	Price           float64 `json:"price"`      // limit price; 0 for market
	Product         string  `json:"product"`    // e.g. NRML, MIS
}

// Broker is the external quote/order collaborator. All calls are
// network-bound and must respect the context deadline.
type Broker interface {
	// GetQuote returns quotes keyed by symbol. Symbols without a quote
	// are simply absent from the map.
	GetQuote(ctx context.Context, symbols []string) (map[string]Quote, error)

	// GetOptionChain returns the live contract chain for an underlying.
	GetOptionChain(ctx context.Context, underlying string) ([]OptionContract, error)

	// PlaceOrder submits an order and returns the broker order id. It
	// returns ErrOrderRejected (possibly wrapped) on rejection.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
}

// CircuitBreakerSettings configures the breaker around a Broker.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // max requests when half-open
	Interval     time.Duration // reset counts interval
	Timeout      time.Duration // open circuit duration
	MinRequests  uint32        // min requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
// so a flapping quote feed fails fast instead of stalling monitor ticks.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// NewCircuitBreakerBroker wraps broker with sensible defaults.
func NewCircuitBreakerBroker(b Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}
	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetQuote wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbols []string) (map[string]Quote, error) {
	return execBreaker(c.breaker, func() (map[string]Quote, error) {
		return c.broker.GetQuote(ctx, symbols)
	})
}

// GetOptionChain wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, underlying string) ([]OptionContract, error) {
	return execBreaker(c.breaker, func() ([]OptionContract, error) {
		return c.broker.GetOptionChain(ctx, underlying)
	})
}

// PlaceOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	return execBreaker(c.breaker, func() (string, error) {
		return c.broker.PlaceOrder(ctx, req)
	})
}
