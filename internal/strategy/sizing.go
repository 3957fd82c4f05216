package strategy

import "github.com/shopspring/decimal"

// DefaultMaxContracts caps position size regardless of capital.
const DefaultMaxContracts = 10

// defaultRiskPerContract is used when the spread width is unknown.
var defaultRiskPerContract = decimal.NewFromInt(5000)

// ContractsForCapital sizes a condor so that the worst-case loss of one
// wing, width × multiplier per contract, stays within maxCapital.
func ContractsForCapital(maxCapital, width decimal.Decimal, multiplier, maxContracts int) int {
	if maxContracts <= 0 {
		maxContracts = DefaultMaxContracts
	}
	if multiplier <= 0 {
		multiplier = 100
	}
	risk := width.Mul(decimal.NewFromInt(int64(multiplier)))
	if !risk.IsPositive() {
		risk = defaultRiskPerContract
	}
	if !maxCapital.IsPositive() {
		return 0
	}
	n := int(maxCapital.Div(risk).Floor().IntPart())
	if n > maxContracts {
		return maxContracts
	}
	return n
}

// RiskWidth is the wider of the two wings of legs.
func RiskWidth(callWidth, putWidth decimal.Decimal) decimal.Decimal {
	return decimal.Max(callWidth, putWidth)
}
