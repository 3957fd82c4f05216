package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the result label of a trade record.
type Outcome string

const (
	OutcomeWin        Outcome = "WIN"
	OutcomeLoss       Outcome = "LOSS"
	OutcomeIncomplete Outcome = "INCOMPLETE"
	OutcomeNoFill     Outcome = "NO_FILL"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeWin, OutcomeLoss, OutcomeIncomplete, OutcomeNoFill:
		return true
	}
	return false
}

// OutcomeForPnL labels a closed trade by the sign of its realized PnL.
func OutcomeForPnL(pnl decimal.Decimal) Outcome {
	if pnl.IsNegative() {
		return OutcomeLoss
	}
	return OutcomeWin
}

// Position is one iron condor from the first entry attempt until it is
// recorded.
type Position struct {
	OpenedAt       time.Time           `json:"opened_at"`
	StateMachine   *StateMachine       `json:"-"`
	ID             string              `json:"id"`
	Strategy       string              `json:"strategy"`
	Symbol         string              `json:"symbol"`
	Expiry         string              `json:"expiry"`
	Legs           SpreadLegs          `json:"legs"`
	EntryPrice     decimal.Decimal     `json:"entry_price"`
	ProfitPrice    decimal.Decimal     `json:"profit_price"`
	StopPrice      decimal.Decimal     `json:"stop_price"`
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
	EntryOrderID   int                 `json:"entry_order_id"`
	ProfitOrderID  int                 `json:"profit_order_id"`
	StopOrderID    int                 `json:"stop_order_id"`
	Quantity       int                 `json:"quantity"`
	Multiplier     int                 `json:"multiplier"`
	EntryAttempts  int                 `json:"entry_attempts"`
}

// NewPosition creates a position waiting for its entry fill.
func NewPosition(id, strategy, symbol, expiry string, legs SpreadLegs, quantity, multiplier int) *Position {
	return &Position{
		ID:           id,
		Strategy:     strategy,
		Symbol:       symbol,
		Expiry:       expiry,
		Legs:         legs,
		Quantity:     quantity,
		Multiplier:   multiplier,
		StateMachine: NewStateMachine(),
	}
}

// TransitionState moves the position through its state machine.
func (p *Position) TransitionState(to PositionState, condition string) error {
	sm := p.ensureMachine()
	if err := sm.Transition(to, condition); err != nil {
		return fmt.Errorf("position %s: %w", p.ID, err)
	}
	if to == StateOpen {
		p.OpenedAt = time.Now().UTC()
	}
	return nil
}

// GetCurrentState returns the current state of the position.
func (p *Position) GetCurrentState() PositionState {
	return p.ensureMachine().GetCurrentState()
}

func (p *Position) ensureMachine() *StateMachine {
	if p.StateMachine == nil {
		p.StateMachine = NewStateMachine()
	}
	return p.StateMachine
}

// RealizedPnL is (entry - exit) * quantity * multiplier for a credit entry.
func (p *Position) RealizedPnL(exit decimal.Decimal) decimal.Decimal {
	return p.EntryPrice.Sub(exit).Mul(decimal.NewFromInt(int64(p.Quantity * p.Multiplier)))
}

// Credit is the total premium collected at entry.
func (p *Position) Credit() decimal.Decimal {
	return p.EntryPrice.Mul(decimal.NewFromInt(int64(p.Quantity * p.Multiplier)))
}

// ClosedRecord builds the record for a filled exit.
func (p *Position) ClosedRecord(exit decimal.Decimal, at time.Time) TradeRecord {
	pnl := p.RealizedPnL(exit)
	return p.record(at, Price(p.EntryPrice), Price(exit), pnl, OutcomeForPnL(pnl))
}

// IncompleteRecord builds the record for an opened position whose exits
// never filled.
func (p *Position) IncompleteRecord(at time.Time) TradeRecord {
	return p.record(at, Price(p.EntryPrice), decimal.NullDecimal{}, decimal.Zero, OutcomeIncomplete)
}

// NoFillRecord builds the record for an entry that never filled.
func (p *Position) NoFillRecord(at time.Time) TradeRecord {
	return p.record(at, decimal.NullDecimal{}, decimal.NullDecimal{}, decimal.Zero, OutcomeNoFill)
}

func (p *Position) record(at time.Time, entry, exit decimal.NullDecimal, pnl decimal.Decimal, outcome Outcome) TradeRecord {
	var legs *SpreadLegs
	if !p.Legs.IsZero() {
		l := p.Legs
		legs = &l
	}
	return TradeRecord{
		Timestamp:      at,
		Symbol:         p.Symbol,
		Expiry:         p.Expiry,
		Strategy:       p.Strategy,
		EntryPrice:     entry,
		ExitPrice:      exit,
		PnL:            pnl,
		Outcome:        outcome,
		Legs:           legs,
		ReferencePrice: p.ReferencePrice,
	}
}

// TradeRecord is one immutable journal row.
type TradeRecord struct {
	Timestamp      time.Time           `json:"timestamp"`
	Legs           *SpreadLegs         `json:"legs,omitempty"`
	Symbol         string              `json:"symbol"`
	Expiry         string              `json:"expiry"`
	Strategy       string              `json:"strategy"`
	Outcome        Outcome             `json:"outcome"`
	EntryPrice     decimal.NullDecimal `json:"entry_price"`
	ExitPrice      decimal.NullDecimal `json:"exit_price"`
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
	PnL            decimal.Decimal     `json:"pnl"`
}

// NotAvailable is written for optional fields that have no value.
const NotAvailable = "N/A"

// FormatNullable renders an optional price for the journal.
func FormatNullable(d decimal.NullDecimal) string {
	if !d.Valid {
		return NotAvailable
	}
	return d.Decimal.StringFixed(2)
}

// Validate checks the fields every record must carry.
func (r TradeRecord) Validate() error {
	if r.Strategy == "" {
		return fmt.Errorf("trade record missing strategy")
	}
	if r.Symbol == "" {
		return fmt.Errorf("trade record missing symbol")
	}
	if !r.Outcome.Valid() {
		return fmt.Errorf("trade record has invalid outcome %q", r.Outcome)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("trade record missing timestamp")
	}
	return nil
}
