package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LMT"
	OrderTypeMarket OrderType = "MKT"
	OrderTypeStop   OrderType = "STP"
)

// OrderStatus is the lifecycle status of an order at the venue.
type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "Submitted"
	OrderStatusWorking   OrderStatus = "Working"
	OrderStatusFilled    OrderStatus = "Filled"
	OrderStatusCancelled OrderStatus = "Cancelled"
	OrderStatusRejected  OrderStatus = "Rejected"
)

// IsTerminal reports whether no further status change can happen.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderRequest is one order submission.
type OrderRequest struct {
	Contract   Contract
	Side       Side
	Type       OrderType
	Quantity   int
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Tag        string
	Closing    bool // reduces an existing position
}

// Validate checks the request before it is sent.
func (r OrderRequest) Validate() error {
	if r.Quantity <= 0 {
		return fmt.Errorf("invalid quantity %d (must be > 0)", r.Quantity)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !r.LimitPrice.IsPositive() {
			return fmt.Errorf("limit order requires a positive price, got %s", r.LimitPrice)
		}
	case OrderTypeStop:
		if !r.StopPrice.IsPositive() {
			return fmt.Errorf("stop order requires a positive stop price")
		}
	default:
		return fmt.Errorf("invalid order type %q", r.Type)
	}
	return nil
}

// RequestedPrice returns the price the order was submitted at, if any.
func (r OrderRequest) RequestedPrice() decimal.Decimal {
	switch r.Type {
	case OrderTypeLimit:
		return r.LimitPrice
	case OrderTypeStop:
		return r.StopPrice
	default:
		return decimal.Zero
	}
}

// OrderState is the last known state of one order.
type OrderState struct {
	ID             int                 `json:"id"`
	RequestedPrice decimal.Decimal     `json:"requested_price"`
	Side           Side                `json:"side"`
	Quantity       int                 `json:"quantity"`
	FilledQuantity int                 `json:"filled_quantity"`
	Status         OrderStatus         `json:"status"`
	AvgFillPrice   decimal.NullDecimal `json:"avg_fill_price"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// IsFilled reports whether the full quantity filled.
func (o *OrderState) IsFilled() bool {
	return o != nil && o.Status == OrderStatusFilled
}

// ComboLeg is one leg of a multi-leg order. Action is the leg side when the
// combo itself is bought.
type ComboLeg struct {
	ConID       int64           `json:"con_id"`
	LocalSymbol string          `json:"local_symbol,omitempty"`
	Strike      decimal.Decimal `json:"strike"`
	Right       Right           `json:"right"`
	Ratio       int             `json:"ratio"`
	Action      Side            `json:"action"`
}

// ComboOrderSpec is the ordered leg list submitted as one combo order.
type ComboOrderSpec struct {
	Symbol   string
	Exchange string
	Currency string
	Legs     []ComboLeg
}

// Contract returns the combo as a BAG contract.
func (s ComboOrderSpec) Contract() Contract {
	legs := make([]ComboLeg, len(s.Legs))
	copy(legs, s.Legs)
	return Contract{
		Symbol:    s.Symbol,
		SecType:   SecTypeCombo,
		Exchange:  s.Exchange,
		Currency:  s.Currency,
		ComboLegs: legs,
	}
}

// NewIronCondorCombo builds the combo for qualified legs. Buying the combo
// buys the short strikes back and sells the wings, so the condor is opened by
// selling it for a credit and closed by buying it back.
func NewIronCondorCombo(symbol, exchange, currency string, shortCall, longCall, shortPut, longPut Contract) ComboOrderSpec {
	leg := func(c Contract, action Side) ComboLeg {
		return ComboLeg{
			ConID:       c.ConID,
			LocalSymbol: c.LocalSymbol,
			Strike:      c.Strike,
			Right:       c.Right,
			Ratio:       1,
			Action:      action,
		}
	}
	return ComboOrderSpec{
		Symbol:   symbol,
		Exchange: exchange,
		Currency: currency,
		Legs: []ComboLeg{
			leg(shortCall, SideBuy),
			leg(longCall, SideSell),
			leg(shortPut, SideBuy),
			leg(longPut, SideSell),
		},
	}
}

// FillResult describes a completed execution.
type FillResult struct {
	OrderID       int
	Price         decimal.Decimal
	Quantity      int
	LimitAttempts int
	Market        bool
}
