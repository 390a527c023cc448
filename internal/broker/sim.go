package broker

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rmehra/optionflow/internal/models"
)

// SimBroker is an in-memory broker used for paper and logging-only runs
// and for tests. It generates synthetic option chains around a settable
// underlying price and fills every order it is asked to place.
type SimBroker struct {
	mu            sync.RWMutex
	prices        map[string]float64 // underlying -> spot
	optionPrices  map[string]float64 // option symbol -> premium override
	lotSizes      map[string]int
	impliedVol    float64
	strikeStep    float64
	weeklyExpiry  time.Time
	monthlyExpiry time.Time
	failQuotes    bool
	failOrders    bool
	placedOrders  []OrderRequest
}

// Ensure SimBroker implements Broker at compile time.
var _ Broker = (*SimBroker)(nil)

// NewSimBroker creates a simulated broker. lotSizes maps underlyings to
// their contract lot size; unknown symbols default to lot size 1.
func NewSimBroker(lotSizes map[string]int, strikeStep float64) *SimBroker {
	if strikeStep <= 0 {
		strikeStep = 100
	}
	now := time.Now().UTC()
	return &SimBroker{
		prices:        make(map[string]float64),
		optionPrices:  make(map[string]float64),
		lotSizes:      lotSizes,
		impliedVol:    0.18,
		strikeStep:    strikeStep,
		weeklyExpiry:  nextWeekday(now, time.Thursday, 7),
		monthlyExpiry: nextWeekday(now, time.Thursday, 28),
	}
}

// SetPrice sets the spot price for an underlying.
func (s *SimBroker) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// SetOptionPrice pins the premium quoted for a specific option symbol,
// overriding the synthetic price. Used to drive exit rules in tests.
func (s *SimBroker) SetOptionPrice(optionSymbol string, premium float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optionPrices[optionSymbol] = premium
}

// SetImpliedVol sets the volatility used for synthetic premiums.
func (s *SimBroker) SetImpliedVol(iv float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.impliedVol = iv
}

// FailQuotes makes GetQuote return ErrQuoteUnavailable until reset.
func (s *SimBroker) FailQuotes(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failQuotes = fail
}

// FailOrders makes PlaceOrder return ErrOrderRejected until reset.
func (s *SimBroker) FailOrders(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOrders = fail
}

// PlacedOrders returns a copy of every order placed so far.
func (s *SimBroker) PlacedOrders() []OrderRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OrderRequest, len(s.placedOrders))
	copy(out, s.placedOrders)
	return out
}

// GetQuote implements Broker. Option symbols generated by this broker
// and plain underlyings are both quotable.
func (s *SimBroker) GetQuote(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failQuotes {
		return nil, ErrQuoteUnavailable
	}

	out := make(map[string]Quote, len(symbols))
	now := time.Now().UTC()
	for _, sym := range symbols {
		var last float64
		if px, ok := s.optionPrices[sym]; ok {
			last = px
		} else if px, ok := s.prices[sym]; ok {
			last = px
		} else {
			continue
		}
		spread := math.Max(0.05, last*0.001)
		out[sym] = Quote{
			Symbol:    sym,
			LastPrice: last,
			Bid:       last - spread/2,
			Ask:       last + spread/2,
			Volume:    secureInt63n(1_000_000),
			Timestamp: now,
		}
	}
	return out, nil
}

// GetOptionChain implements Broker. Strikes are generated on the strike
// step around the spot, for the next weekly and monthly expiries, with
// premiums approximated from intrinsic value plus decaying time value.
func (s *SimBroker) GetOptionChain(ctx context.Context, underlying string) ([]OptionContract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQuotes {
		return nil, ErrQuoteUnavailable
	}

	spot, ok := s.prices[underlying]
	if !ok || spot <= 0 {
		return nil, fmt.Errorf("%w: no price for %s", ErrQuoteUnavailable, underlying)
	}

	lotSize := s.lotSizes[underlying]
	if lotSize <= 0 {
		lotSize = 1
	}

	var chain []OptionContract
	atm := math.Round(spot/s.strikeStep) * s.strikeStep
	for _, expiry := range []time.Time{s.weeklyExpiry, s.monthlyExpiry} {
		dte := math.Max(1, expiry.Sub(time.Now().UTC()).Hours()/24)
		for i := -10; i <= 10; i++ {
			strike := atm + float64(i)*s.strikeStep
			for _, optType := range []models.OptionType{models.OptionCall, models.OptionPut} {
				sym := optionSymbol(underlying, expiry, strike, optType)
				premium, okOverride := s.optionPrices[sym]
				if !okOverride {
					premium = s.syntheticPremium(spot, strike, dte, optType)
				}
				distance := math.Abs(strike-spot) / spot
				liquidity := math.Exp(-distance * 20)
				chain = append(chain, OptionContract{
					Symbol:       sym,
					Underlying:   underlying,
					Exchange:     "NFO",
					Strike:       strike,
					OptionType:   optType,
					Expiry:       expiry,
					LastPrice:    premium,
					Bid:          premium * 0.995,
					Ask:          premium * 1.005,
					OpenInterest: int64(5000 + 200000*liquidity),
					Volume:       int64(1000 + 80000*liquidity),
					ImpliedVol:   s.impliedVol,
					LotSize:      lotSize,
				})
			}
		}
	}
	return chain, nil
}

// PlaceOrder implements Broker; every accepted order fills immediately.
func (s *SimBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOrders {
		return "", ErrOrderRejected
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: non-positive quantity %d", ErrOrderRejected, req.Quantity)
	}
	s.placedOrders = append(s.placedOrders, req)
	return "SIM-" + uuid.New().String()[:8], nil
}

// syntheticPremium approximates an option premium as intrinsic value plus
// time value that decays with distance from the money.
func (s *SimBroker) syntheticPremium(spot, strike, dte float64, optType models.OptionType) float64 {
	var intrinsic float64
	if optType == models.OptionCall {
		intrinsic = math.Max(0, spot-strike)
	} else {
		intrinsic = math.Max(0, strike-spot)
	}
	distance := math.Abs(strike-spot) / spot
	timeValue := spot * s.impliedVol * math.Sqrt(dte/365) * math.Exp(-distance*12) * 0.4
	return math.Max(0.05, intrinsic+timeValue)
}

// optionSymbol builds an exchange-style option symbol, e.g.
// BANKNIFTY25SEP51000CE.
func optionSymbol(underlying string, expiry time.Time, strike float64, optType models.OptionType) string {
	suffix := "CE"
	if optType == models.OptionPut {
		suffix = "PE"
	}
	return fmt.Sprintf("%s%s%d%s", underlying,
		strings.ToUpper(expiry.Format("06Jan")), int(strike), suffix)
}

func nextWeekday(from time.Time, day time.Weekday, minDays int) time.Time {
	t := from.AddDate(0, 0, minDays)
	for t.Weekday() != day {
		t = t.AddDate(0, 0, 1)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 10, 0, 0, 0, time.UTC)
}

func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return r.Int64()
}
