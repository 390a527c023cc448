// Package util holds small price arithmetic helpers shared across the
// engine.
package util

import "math"

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

// FloorToTick rounds price down to a multiple of tick.
func FloorToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Floor(price/tick) * tick
}

// CeilToTick rounds price up to a multiple of tick.
func CeilToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Ceil(price/tick) * tick
}
