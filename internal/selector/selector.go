// Package selector picks the option contract to trade for a signal: a
// target strike is derived from configuration, the live chain is
// filtered for liquidity and expiry fit, and survivors are scored.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/rmehra/optionflow/internal/broker"
	"github.com/rmehra/optionflow/internal/models"
)

// ErrNoCandidate is returned when no contract survives filtering.
var ErrNoCandidate = errors.New("selector: no candidate contract")

// strikeBandPct is the window around the target strike, as a fraction of
// the underlying price, inside which candidates are considered.
const strikeBandPct = 0.05

// Preference picks where the target strike sits relative to the spot.
type Preference string

const (
	// PreferITM targets strikes with intrinsic value.
	PreferITM Preference = "ITM"
	// PreferATM targets the spot itself.
	PreferATM Preference = "ATM"
	// PreferOTM targets strikes beyond the spot.
	PreferOTM Preference = "OTM"
)

// DynamicRule widens the OTM offset when the expected move is large
// enough. Rules are evaluated highest threshold first.
type DynamicRule struct {
	MinExpectedMovePct float64 `yaml:"min_expected_move_pct"`
	OffsetPct          float64 `yaml:"offset_pct"`
}

// Filters are the liquidity and expiry constraints on candidates.
type Filters struct {
	MinOpenInterest int64   `yaml:"min_open_interest"`
	MinVolume       int64   `yaml:"min_volume"`
	MinPremium      float64 `yaml:"min_premium"`
	MaxPremium      float64 `yaml:"max_premium"`
	MinDaysToExpiry int     `yaml:"min_days_to_expiry"`
	MaxDaysToExpiry int     `yaml:"max_days_to_expiry"`
}

// Config controls target-strike computation and scoring.
type Config struct {
	Preference     Preference    `yaml:"preference"`
	OffsetPct      float64       `yaml:"offset_pct"`
	DynamicRules   []DynamicRule `yaml:"dynamic_rules"`
	Filters        Filters       `yaml:"filters"`
	MinDelta       float64       `yaml:"min_delta"`
	StrikeInterval float64       `yaml:"strike_interval"`
}

// Selector scores option chains fetched from the broker.
type Selector struct {
	cfg    Config
	broker broker.Broker
	logger *log.Logger
	now    func() time.Time
}

// New creates a strike selector. The logger may be nil.
func New(cfg Config, b broker.Broker, logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.New(os.Stderr, "[SELECTOR] ", log.LstdFlags)
	}
	return &Selector{cfg: cfg, broker: b, logger: logger, now: time.Now}
}

// SelectBestStrike maps the signal action to an option type, computes
// the target strike, filters the live chain, and returns the highest
// scoring contract. Ties go to the candidate encountered first.
func (s *Selector) SelectBestStrike(ctx context.Context, underlying string,
	currentPrice float64, action models.SignalAction,
	expectedMovePct, signalStrength float64) (*broker.OptionContract, error) {
	if currentPrice <= 0 {
		return nil, fmt.Errorf("selector: non-positive price %.2f for %s", currentPrice, underlying)
	}

	optType := models.OptionCall
	if action == models.ActionSell {
		optType = models.OptionPut
	}
	target := s.targetStrike(currentPrice, optType, expectedMovePct)

	chain, err := s.broker.GetOptionChain(ctx, underlying)
	if err != nil {
		return nil, fmt.Errorf("selector: fetching chain for %s: %w", underlying, err)
	}

	now := s.now()
	band := currentPrice * strikeBandPct
	var (
		best      *broker.OptionContract
		bestScore float64 = -1
	)
	for i := range chain {
		c := &chain[i]
		if !s.passesFilters(c, optType, target, band, now) {
			continue
		}
		score := s.score(c, currentPrice, target, band, now)
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s %s around strike %.0f", ErrNoCandidate, underlying, optType, target)
	}

	cp := *best
	s.logger.Printf("selected %s (strike %.0f, dte %d, premium %.2f, score %.1f) for %s strength %.1f",
		cp.Symbol, cp.Strike, cp.DaysToExpiry(now), cp.LastPrice, bestScore, action, signalStrength)
	return &cp, nil
}

// targetStrike applies the configured preference. ITM means below spot
// for calls and above spot for puts; OTM is the mirror. Dynamic rules
// widen the OTM offset for large expected moves.
func (s *Selector) targetStrike(spot float64, optType models.OptionType, expectedMovePct float64) float64 {
	offset := s.cfg.OffsetPct
	if s.cfg.Preference == PreferOTM {
		for _, rule := range s.dynamicRulesDesc() {
			if expectedMovePct >= rule.MinExpectedMovePct {
				offset = rule.OffsetPct
				break
			}
		}
	}

	var signedPct float64
	switch s.cfg.Preference {
	case PreferITM:
		signedPct = -offset
	case PreferOTM:
		signedPct = offset
	default:
		return spot
	}
	if optType == models.OptionPut {
		signedPct = -signedPct
	}
	return spot * (1 + signedPct/100)
}

func (s *Selector) dynamicRulesDesc() []DynamicRule {
	out := make([]DynamicRule, len(s.cfg.DynamicRules))
	copy(out, s.cfg.DynamicRules)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].MinExpectedMovePct > out[j-1].MinExpectedMovePct; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (s *Selector) passesFilters(c *broker.OptionContract, optType models.OptionType,
	target, band float64, now time.Time) bool {
	if c.OptionType != optType {
		return false
	}
	dte := c.DaysToExpiry(now)
	if dte < s.cfg.Filters.MinDaysToExpiry || dte > s.cfg.Filters.MaxDaysToExpiry {
		return false
	}
	if math.Abs(c.Strike-target) > band {
		return false
	}
	if c.OpenInterest < s.cfg.Filters.MinOpenInterest {
		return false
	}
	if c.Volume < s.cfg.Filters.MinVolume {
		return false
	}
	if c.LastPrice < s.cfg.Filters.MinPremium || c.LastPrice > s.cfg.Filters.MaxPremium {
		return false
	}
	return true
}

// score is the sum of four components: proximity to the target strike
// (0-40), delta appropriateness (0-30), days-to-expiry fit (0-20), and a
// standard-interval bonus (+10).
func (s *Selector) score(c *broker.OptionContract, spot, target, band float64, now time.Time) float64 {
	total := s.proximityScore(c.Strike, target, band)
	total += s.deltaScore(c, spot)
	total += s.dteScore(c.DaysToExpiry(now))
	if s.cfg.StrikeInterval > 0 && math.Mod(c.Strike, s.cfg.StrikeInterval) == 0 {
		total += 10
	}
	return total
}

// proximityScore falls off linearly from 40 at the target to 0 at the
// edge of the band.
func (s *Selector) proximityScore(strike, target, band float64) float64 {
	if band <= 0 {
		return 0
	}
	dist := math.Abs(strike - target)
	if dist >= band {
		return 0
	}
	return 40 * (1 - dist/band)
}

// deltaScore uses a moneyness-bucket delta estimate rather than a full
// pricing pass over the chain. Zero below the configured minimum delta;
// peaks near 0.6.
func (s *Selector) deltaScore(c *broker.OptionContract, spot float64) float64 {
	est := estimateDelta(spot, c.Strike, c.OptionType)
	if est < s.cfg.MinDelta {
		return 0
	}
	fit := 1 - math.Abs(est-0.6)/0.6
	if fit < 0 {
		fit = 0
	}
	return 30 * fit
}

// dteScore peaks at 7 days and falls off toward both the same-day and
// far-dated ends.
func (s *Selector) dteScore(dte int) float64 {
	d := float64(dte)
	switch {
	case d <= 0:
		return 0
	case d <= 7:
		return 20 * d / 7
	default:
		fit := 1 - (d-7)/23
		if fit < 0 {
			fit = 0
		}
		return 20 * fit
	}
}

// estimateDelta buckets absolute delta by distance from the money. Good
// enough for ranking; exact Greeks are computed later for the one
// contract actually traded.
func estimateDelta(spot, strike float64, optType models.OptionType) float64 {
	if spot <= 0 {
		return 0
	}
	distPct := (strike - spot) / spot * 100
	if optType == models.OptionPut {
		distPct = -distPct
	}
	// distPct > 0 means OTM from here on.
	switch {
	case distPct <= -4:
		return 0.85
	case distPct <= -1.5:
		return 0.7
	case distPct <= 1.5:
		return 0.5
	case distPct <= 4:
		return 0.35
	default:
		return 0.2
	}
}
