package greeks

import (
	"math"
	"testing"

	"github.com/rmehra/optionflow/internal/models"
)

const tol = 1e-6

func TestAllGreeksAtExpiry(t *testing.T) {
	c := NewCalculator(0.065)

	tests := []struct {
		name       string
		underlying float64
		strike     float64
		optType    models.OptionType
		wantDelta  float64
		wantValue  float64
	}{
		{"ITM call collapses to intrinsic", 110, 100, models.OptionCall, 1, 10},
		{"OTM call is worthless", 90, 100, models.OptionCall, 1, 0},
		{"ITM put collapses to intrinsic", 90, 100, models.OptionPut, -1, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := c.AllGreeks(tt.underlying, tt.strike, 0, 0.2, tt.optType)
			if g.Delta != tt.wantDelta {
				t.Errorf("Delta = %v, want %v", g.Delta, tt.wantDelta)
			}
			if g.Gamma != 0 || g.Theta != 0 || g.Vega != 0 || g.Rho != 0 {
				t.Errorf("expected zero gamma/theta/vega/rho, got %+v", g)
			}
			if math.Abs(g.IntrinsicValue-tt.wantValue) > tol {
				t.Errorf("IntrinsicValue = %v, want %v", g.IntrinsicValue, tt.wantValue)
			}
			if math.Abs(g.TheoreticalPremium-tt.wantValue) > tol {
				t.Errorf("TheoreticalPremium = %v, want %v", g.TheoreticalPremium, tt.wantValue)
			}
		})
	}
}

func TestAllGreeksATMCall(t *testing.T) {
	c := NewCalculator(0.065)
	g := c.AllGreeks(100, 100, 30, 0.2, models.OptionCall)

	// ATM call delta sits slightly above 0.5 with a positive rate.
	if g.Delta < 0.5 || g.Delta > 0.6 {
		t.Errorf("ATM call delta = %v, want in [0.5, 0.6]", g.Delta)
	}
	if g.Gamma <= 0 {
		t.Errorf("Gamma = %v, want > 0", g.Gamma)
	}
	if g.Theta >= 0 {
		t.Errorf("Theta = %v, want < 0 for a long option", g.Theta)
	}
	if g.Vega <= 0 {
		t.Errorf("Vega = %v, want > 0", g.Vega)
	}
	if g.TheoreticalPremium <= 0 {
		t.Errorf("TheoreticalPremium = %v, want > 0", g.TheoreticalPremium)
	}
	if g.IntrinsicValue != 0 {
		t.Errorf("IntrinsicValue = %v, want 0 for ATM", g.IntrinsicValue)
	}
	if math.Abs(g.TimeValue-g.TheoreticalPremium) > tol {
		t.Errorf("ATM premium should be pure time value: time %v premium %v",
			g.TimeValue, g.TheoreticalPremium)
	}
}

func TestPutCallDeltaRelation(t *testing.T) {
	c := NewCalculator(0.065)
	call := c.AllGreeks(100, 100, 30, 0.2, models.OptionCall)
	put := c.AllGreeks(100, 100, 30, 0.2, models.OptionPut)

	// Same strike and expiry: deltaCall - deltaPut == 1, shared gamma/vega.
	if math.Abs(call.Delta-put.Delta-1) > tol {
		t.Errorf("delta parity violated: call %v put %v", call.Delta, put.Delta)
	}
	if math.Abs(call.Gamma-put.Gamma) > tol {
		t.Errorf("gamma differs: call %v put %v", call.Gamma, put.Gamma)
	}
	if math.Abs(call.Vega-put.Vega) > tol {
		t.Errorf("vega differs: call %v put %v", call.Vega, put.Vega)
	}
}

func TestEstimateMove(t *testing.T) {
	c := NewCalculator(0.065)

	tests := []struct {
		name           string
		premium        float64
		underlyingMove float64
		delta, gamma   float64
		theta, days    float64
		want           float64
	}{
		{"pure delta move", 100, 50, 0.5, 0, 0, 0, 125},
		{"gamma convexity adds", 100, 100, 0.5, 0.001, 0, 0, 155},
		{"theta decay subtracts", 100, 0, 0.5, 0, -2, 3, 94},
		{"floored at zero", 10, -100, 0.5, 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.EstimateMove(tt.premium, tt.underlyingMove, tt.delta, tt.gamma, tt.theta, tt.days)
			if math.Abs(got-tt.want) > tol {
				t.Errorf("EstimateMove() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProbabilityOfProfit(t *testing.T) {
	c := NewCalculator(0.065)

	// Deep ITM call with a tiny premium: breakeven far below spot.
	high := c.ProbabilityOfProfit(120, 100, 1, 30, 0.2, models.OptionCall)
	if high < 0.9 {
		t.Errorf("deep ITM pop = %v, want >= 0.9", high)
	}

	// Far OTM call: essentially no chance.
	low := c.ProbabilityOfProfit(100, 140, 2, 7, 0.2, models.OptionCall)
	if low > 0.1 {
		t.Errorf("far OTM pop = %v, want <= 0.1", low)
	}

	// At expiry it degenerates to an indicator on the breakeven.
	if got := c.ProbabilityOfProfit(110, 100, 5, 0, 0.2, models.OptionCall); got != 1 {
		t.Errorf("expired ITM-past-breakeven pop = %v, want 1", got)
	}
	if got := c.ProbabilityOfProfit(104, 100, 5, 0, 0.2, models.OptionCall); got != 0 {
		t.Errorf("expired below-breakeven pop = %v, want 0", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		underlying float64
		strike     float64
		optType    models.OptionType
		want       Moneyness
	}{
		{"call below spot is ITM", 50000, 49000, models.OptionCall, ITM},
		{"call above spot is OTM", 50000, 51000, models.OptionCall, OTM},
		{"put above spot is ITM", 50000, 51000, models.OptionPut, ITM},
		{"put below spot is OTM", 50000, 49000, models.OptionPut, OTM},
		{"within half percent is ATM", 50000, 50200, models.OptionCall, ATM},
		{"exactly at spot is ATM", 50000, 50000, models.OptionPut, ATM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.underlying, tt.strike, tt.optType); got != tt.want {
				t.Errorf("Classify(%v, %v, %s) = %s, want %s",
					tt.underlying, tt.strike, tt.optType, got, tt.want)
			}
		})
	}
}
