// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.05, 11.47 becomes 11.45 and 11.475 becomes 11.50.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}

// StepToward moves price one increment toward target without passing it.
func StepToward(price, target, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() || price.Equal(target) {
		return target
	}
	if price.LessThan(target) {
		return decimal.Min(price.Add(increment), target)
	}
	return decimal.Max(price.Sub(increment), target)
}

// StepsBetween returns how many limit prices a walk from a to b visits,
// counting both ends: ceil(|b-a|/increment)+1.
func StepsBetween(a, b, increment decimal.Decimal) int {
	if !increment.IsPositive() {
		return 1
	}
	return int(b.Sub(a).Abs().Div(increment).Ceil().IntPart()) + 1
}
