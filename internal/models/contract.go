package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Right is the option right of a contract.
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// SecType identifies the kind of instrument a Contract describes.
type SecType string

const (
	SecTypeIndex  SecType = "IND"
	SecTypeStock  SecType = "STK"
	SecTypeOption SecType = "OPT"
	SecTypeCombo  SecType = "BAG"
)

// Contract identifies one tradable instrument at the venue. Combo contracts
// carry their legs in ComboLegs.
type Contract struct {
	ConID        int64           `json:"con_id"`
	Symbol       string          `json:"symbol"`
	SecType      SecType         `json:"sec_type"`
	Exchange     string          `json:"exchange"`
	Currency     string          `json:"currency"`
	Expiry       string          `json:"expiry,omitempty"` // YYYYMMDD
	Strike       decimal.Decimal `json:"strike"`
	Right        Right           `json:"right,omitempty"`
	Multiplier   int             `json:"multiplier,omitempty"`
	TradingClass string          `json:"trading_class,omitempty"`
	LocalSymbol  string          `json:"local_symbol,omitempty"`
	ComboLegs    []ComboLeg      `json:"combo_legs,omitempty"`
}

// IsCombo reports whether the contract is a multi-leg combo.
func (c Contract) IsCombo() bool {
	return c.SecType == SecTypeCombo
}

// String returns a short human-readable description used in log lines.
func (c Contract) String() string {
	switch c.SecType {
	case SecTypeOption:
		return fmt.Sprintf("%s %s %s%s", c.Symbol, c.Expiry, c.Strike.String(), c.Right)
	case SecTypeCombo:
		return fmt.Sprintf("%s combo(%d legs)", c.Symbol, len(c.ComboLegs))
	default:
		return fmt.Sprintf("%s %s", c.Symbol, c.SecType)
	}
}

// OptionContract builds an option contract on the given underlying settings.
func OptionContract(symbol, exchange, currency, tradingClass, expiry string,
	multiplier int, strike decimal.Decimal, right Right) Contract {
	return Contract{
		Symbol:       symbol,
		SecType:      SecTypeOption,
		Exchange:     exchange,
		Currency:     currency,
		Expiry:       expiry,
		Strike:       strike,
		Right:        right,
		Multiplier:   multiplier,
		TradingClass: tradingClass,
	}
}

// OptionChain is a snapshot of the expirations and strikes listed for an
// underlying at one exchange and trading class. It is not mutated after fetch.
type OptionChain struct {
	Exchange     string            `json:"exchange"`
	TradingClass string            `json:"trading_class"`
	Multiplier   int               `json:"multiplier"`
	Expirations  []string          `json:"expirations"`
	Strikes      []decimal.Decimal `json:"strikes"`
}

// SortedStrikes returns a sorted copy of the chain strikes.
func (c *OptionChain) SortedStrikes() []decimal.Decimal {
	out := make([]decimal.Decimal, len(c.Strikes))
	copy(out, c.Strikes)
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}

// NextExpiry returns the first listed expiration on or after the given day.
func (c *OptionChain) NextExpiry(now time.Time) (string, bool) {
	today := now.Format("20060102")
	exps := make([]string, len(c.Expirations))
	copy(exps, c.Expirations)
	sort.Strings(exps)
	for _, e := range exps {
		if e >= today {
			return e, true
		}
	}
	return "", false
}

// HasExpiry reports whether the chain lists the given expiration.
func (c *OptionChain) HasExpiry(expiry string) bool {
	for _, e := range c.Expirations {
		if e == expiry {
			return true
		}
	}
	return false
}

// StrikeCandidate is one strike/right pair considered during selection.
type StrikeCandidate struct {
	Strike decimal.Decimal
	Right  Right
}

// GreekReading holds the venue-computed delta for one candidate. A nil Delta
// means the venue has not produced a model value yet.
type GreekReading struct {
	Strike decimal.Decimal
	Right  Right
	Delta  *float64
}

// HasDelta reports whether a model delta has arrived.
func (g GreekReading) HasDelta() bool {
	return g.Delta != nil
}

// Quote is a top-of-book snapshot. Missing sides are left invalid.
type Quote struct {
	Bid   decimal.NullDecimal `json:"bid"`
	Ask   decimal.NullDecimal `json:"ask"`
	Last  decimal.NullDecimal `json:"last"`
	Close decimal.NullDecimal `json:"close"`
	Mark  decimal.NullDecimal `json:"mark"` // venue-computed price, when offered
	Time  time.Time           `json:"time"`
}

// HasBidAsk reports whether both sides are present and not crossed.
func (q Quote) HasBidAsk() bool {
	return q.Bid.Valid && q.Ask.Valid && q.Bid.Decimal.LessThanOrEqual(q.Ask.Decimal)
}

// Mid returns the bid/ask midpoint when both sides are present.
func (q Quote) Mid() (decimal.Decimal, bool) {
	if !q.HasBidAsk() {
		return decimal.Zero, false
	}
	return q.Bid.Decimal.Add(q.Ask.Decimal).Div(decimal.NewFromInt(2)), true
}

// Merge overlays the valid fields of other onto q.
func (q Quote) Merge(other Quote) Quote {
	if other.Bid.Valid {
		q.Bid = other.Bid
	}
	if other.Ask.Valid {
		q.Ask = other.Ask
	}
	if other.Last.Valid {
		q.Last = other.Last
	}
	if other.Close.Valid {
		q.Close = other.Close
	}
	if other.Mark.Valid {
		q.Mark = other.Mark
	}
	if !other.Time.IsZero() {
		q.Time = other.Time
	}
	return q
}

// Price wraps a decimal into a valid NullDecimal.
func Price(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
