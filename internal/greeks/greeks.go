// Package greeks implements closed-form Black-Scholes pricing for the
// sizing and probability checks made at entry time. All rates and
// volatilities are annualized decimals (0.18 = 18%).
package greeks

import (
	"math"

	"github.com/rmehra/optionflow/internal/models"
)

const (
	daysPerYear = 365.0
	// atmProximityPct is the band around the strike treated as at-the-money.
	atmProximityPct = 0.5
)

// Moneyness classifies a strike against the underlying price.
type Moneyness string

const (
	// ITM means the option has intrinsic value.
	ITM Moneyness = "ITM"
	// ATM means the strike is within the proximity band of the spot.
	ATM Moneyness = "ATM"
	// OTM means the option is all time value.
	OTM Moneyness = "OTM"
)

// Result holds the full set of sensitivities for one contract. Theta is
// per calendar day; vega and rho are per 1% change.
type Result struct {
	Delta              float64 `json:"delta"`
	Gamma              float64 `json:"gamma"`
	Theta              float64 `json:"theta"`
	Vega               float64 `json:"vega"`
	Rho                float64 `json:"rho"`
	IntrinsicValue     float64 `json:"intrinsic_value"`
	TimeValue          float64 `json:"time_value"`
	TheoreticalPremium float64 `json:"theoretical_premium"`
}

// Calculator computes Black-Scholes Greeks with a fixed annual risk-free
// rate. It is pure and safe for concurrent use.
type Calculator struct {
	riskFreeRate float64
}

// NewCalculator creates a calculator with the given annual risk-free rate.
func NewCalculator(riskFreeRate float64) *Calculator {
	return &Calculator{riskFreeRate: riskFreeRate}
}

// AllGreeks computes the full Result for one contract. At or past expiry
// (daysToExpiry <= 0) the value collapses to intrinsic: delta is +1 for
// calls and -1 for puts, all other sensitivities are zero.
func (c *Calculator) AllGreeks(underlying, strike, daysToExpiry, volatility float64,
	optionType models.OptionType) Result {
	intrinsic := intrinsicValue(underlying, strike, optionType)

	if daysToExpiry <= 0 || volatility <= 0 || underlying <= 0 || strike <= 0 {
		delta := 1.0
		if optionType == models.OptionPut {
			delta = -1.0
		}
		return Result{
			Delta:              delta,
			IntrinsicValue:     intrinsic,
			TheoreticalPremium: intrinsic,
		}
	}

	t := daysToExpiry / daysPerYear
	r := c.riskFreeRate
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(underlying/strike) + (r+volatility*volatility/2)*t) / (volatility * sqrtT)
	d2 := d1 - volatility*sqrtT

	discount := math.Exp(-r * t)
	pdfD1 := normPDF(d1)

	var delta, theta, rho, premium float64
	switch optionType {
	case models.OptionPut:
		delta = normCDF(d1) - 1
		theta = (-underlying*pdfD1*volatility/(2*sqrtT) + r*strike*discount*normCDF(-d2)) / daysPerYear
		rho = -strike * t * discount * normCDF(-d2) / 100
		premium = strike*discount*normCDF(-d2) - underlying*normCDF(-d1)
	default:
		delta = normCDF(d1)
		theta = (-underlying*pdfD1*volatility/(2*sqrtT) - r*strike*discount*normCDF(d2)) / daysPerYear
		rho = strike * t * discount * normCDF(d2) / 100
		premium = underlying*normCDF(d1) - strike*discount*normCDF(d2)
	}

	return Result{
		Delta:              delta,
		Gamma:              pdfD1 / (underlying * volatility * sqrtT),
		Theta:              theta,
		Vega:               underlying * pdfD1 * sqrtT / 100,
		Rho:                rho,
		IntrinsicValue:     intrinsic,
		TimeValue:          math.Max(0, premium-intrinsic),
		TheoreticalPremium: premium,
	}
}

// EstimateMove projects the premium after an underlying move of
// underlyingMove points over the given number of days, using a
// second-order Taylor expansion plus linear theta decay. The estimate is
// floored at zero since a long option cannot be worth less.
func (c *Calculator) EstimateMove(currentPremium, underlyingMove, delta, gamma,
	thetaPerDay, days float64) float64 {
	change := delta*underlyingMove +
		0.5*gamma*underlyingMove*underlyingMove +
		thetaPerDay*days
	return math.Max(0, currentPremium+change)
}

// ProbabilityOfProfit estimates the chance the underlying finishes beyond
// the buyer's breakeven (strike plus premium for calls, strike minus
// premium for puts) using N(d2) evaluated at the breakeven strike.
func (c *Calculator) ProbabilityOfProfit(underlying, strike, entryPremium,
	daysToExpiry, volatility float64, optionType models.OptionType) float64 {
	var breakeven float64
	switch optionType {
	case models.OptionPut:
		breakeven = strike - entryPremium
	default:
		breakeven = strike + entryPremium
	}
	if breakeven <= 0 || underlying <= 0 {
		return 0
	}

	if daysToExpiry <= 0 || volatility <= 0 {
		if optionType == models.OptionPut {
			if underlying < breakeven {
				return 1
			}
			return 0
		}
		if underlying > breakeven {
			return 1
		}
		return 0
	}

	t := daysToExpiry / daysPerYear
	r := c.riskFreeRate
	d2 := (math.Log(underlying/breakeven) + (r-volatility*volatility/2)*t) /
		(volatility * math.Sqrt(t))
	if optionType == models.OptionPut {
		return normCDF(-d2)
	}
	return normCDF(d2)
}

// Classify reports whether a strike is in, at, or out of the money. A
// strike within atmProximityPct of the spot is ATM.
func Classify(underlying, strike float64, optionType models.OptionType) Moneyness {
	if underlying <= 0 {
		return OTM
	}
	distPct := math.Abs(underlying-strike) / underlying * 100
	if distPct <= atmProximityPct {
		return ATM
	}
	if optionType == models.OptionPut {
		if strike > underlying {
			return ITM
		}
		return OTM
	}
	if strike < underlying {
		return ITM
	}
	return OTM
}

func intrinsicValue(underlying, strike float64, optionType models.OptionType) float64 {
	if optionType == models.OptionPut {
		return math.Max(0, strike-underlying)
	}
	return math.Max(0, underlying-strike)
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// normPDF is the standard normal density.
func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}
