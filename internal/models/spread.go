package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SpreadLegs are the four strikes of an iron condor.
type SpreadLegs struct {
	ShortCall decimal.Decimal `json:"short_call"`
	LongCall  decimal.Decimal `json:"long_call"`
	ShortPut  decimal.Decimal `json:"short_put"`
	LongPut   decimal.Decimal `json:"long_put"`
}

// IsZero reports whether no strike has been chosen yet.
func (l SpreadLegs) IsZero() bool {
	return l.ShortCall.IsZero() && l.LongCall.IsZero() && l.ShortPut.IsZero() && l.LongPut.IsZero()
}

// Validate enforces distinct strikes with each wing farther out of the money
// than its short leg.
func (l SpreadLegs) Validate() error {
	strikes := []decimal.Decimal{l.ShortCall, l.LongCall, l.ShortPut, l.LongPut}
	for i := range strikes {
		if !strikes[i].IsPositive() {
			return fmt.Errorf("strike %s must be > 0", strikes[i])
		}
		for j := i + 1; j < len(strikes); j++ {
			if strikes[i].Equal(strikes[j]) {
				return fmt.Errorf("duplicate strike %s", strikes[i])
			}
		}
	}
	if !l.ShortCall.LessThan(l.LongCall) {
		return fmt.Errorf("short call %s must be below long call %s", l.ShortCall, l.LongCall)
	}
	if !l.ShortPut.GreaterThan(l.LongPut) {
		return fmt.Errorf("short put %s must be above long put %s", l.ShortPut, l.LongPut)
	}
	return nil
}

// CallWidth returns the distance between the call strikes.
func (l SpreadLegs) CallWidth() decimal.Decimal {
	return l.LongCall.Sub(l.ShortCall)
}

// PutWidth returns the distance between the put strikes.
func (l SpreadLegs) PutWidth() decimal.Decimal {
	return l.ShortPut.Sub(l.LongPut)
}

// String formats the legs for log lines.
func (l SpreadLegs) String() string {
	return fmt.Sprintf("%sP/%sP/%sC/%sC", l.LongPut, l.ShortPut, l.ShortCall, l.LongCall)
}
