package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testLegs() SpreadLegs {
	return SpreadLegs{
		ShortCall: d("5850"),
		LongCall:  d("5860"),
		ShortPut:  d("5750"),
		LongPut:   d("5740"),
	}
}

func TestSpreadLegs_Validate(t *testing.T) {
	tests := []struct {
		name    string
		legs    SpreadLegs
		wantErr bool
	}{
		{"valid condor", testLegs(), false},
		{"call wing inside", SpreadLegs{ShortCall: d("5860"), LongCall: d("5850"), ShortPut: d("5750"), LongPut: d("5740")}, true},
		{"put wing inside", SpreadLegs{ShortCall: d("5850"), LongCall: d("5860"), ShortPut: d("5740"), LongPut: d("5750")}, true},
		{"duplicate strike", SpreadLegs{ShortCall: d("5850"), LongCall: d("5860"), ShortPut: d("5850"), LongPut: d("5740")}, true},
		{"zero strike", SpreadLegs{ShortCall: d("5850"), LongCall: d("5860"), ShortPut: d("5750")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.legs.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPosition_RealizedPnLAndOutcome(t *testing.T) {
	p := NewPosition("p1", "ic_spx", "SPX", "20251017", testLegs(), 2, 100)
	p.EntryPrice = d("10.00")

	assert.True(t, p.RealizedPnL(d("8.00")).Equal(d("400")))
	assert.True(t, p.RealizedPnL(d("11.50")).Equal(d("-300")))
	assert.True(t, p.Credit().Equal(d("2000")))

	now := time.Now()
	win := p.ClosedRecord(d("8.00"), now)
	assert.Equal(t, OutcomeWin, win.Outcome)
	assert.Equal(t, "8.00", FormatNullable(win.ExitPrice))

	loss := p.ClosedRecord(d("11.50"), now)
	assert.Equal(t, OutcomeLoss, loss.Outcome)
	require.NoError(t, loss.Validate())
}

func TestPosition_RecordsWithoutExit(t *testing.T) {
	p := NewPosition("p1", "ic_spx", "SPX", "20251017", testLegs(), 1, 100)
	p.EntryPrice = d("4.20")
	p.ReferencePrice = Price(d("5801.25"))

	inc := p.IncompleteRecord(time.Now())
	assert.Equal(t, OutcomeIncomplete, inc.Outcome)
	assert.Equal(t, NotAvailable, FormatNullable(inc.ExitPrice))
	assert.Equal(t, "4.20", FormatNullable(inc.EntryPrice))
	assert.True(t, inc.PnL.IsZero())

	nf := p.NoFillRecord(time.Now())
	assert.Equal(t, OutcomeNoFill, nf.Outcome)
	assert.Equal(t, NotAvailable, FormatNullable(nf.EntryPrice))
	require.NotNil(t, nf.Legs)
	assert.True(t, nf.Legs.ShortCall.Equal(d("5850")))
}

func TestPosition_TransitionState(t *testing.T) {
	p := &Position{ID: "lazy"}
	require.NoError(t, p.TransitionState(StateOpen, ConditionEntryFilled))
	assert.Equal(t, StateOpen, p.GetCurrentState())
	assert.False(t, p.OpenedAt.IsZero())

	err := p.TransitionState(StateAbandoned, ConditionWindowClosed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lazy")
}

func TestTradeRecord_Validate(t *testing.T) {
	rec := TradeRecord{Timestamp: time.Now(), Symbol: "SPX", Strategy: "s", Outcome: "MAYBE"}
	assert.Error(t, rec.Validate())
	rec.Outcome = OutcomeNoFill
	assert.NoError(t, rec.Validate())
	rec.Strategy = ""
	assert.Error(t, rec.Validate())
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	assert.True(t, OrderStatusFilled.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.True(t, OrderStatusRejected.IsTerminal())
	assert.False(t, OrderStatusSubmitted.IsTerminal())
	assert.False(t, OrderStatusWorking.IsTerminal())
}

func TestQuote_Mid(t *testing.T) {
	q := Quote{Bid: Price(d("1.00")), Ask: Price(d("1.10"))}
	mid, ok := q.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(d("1.05")))

	crossed := Quote{Bid: Price(d("1.20")), Ask: Price(d("1.10"))}
	assert.False(t, crossed.HasBidAsk())

	oneSided := Quote{Ask: Price(d("1.10"))}
	_, ok = oneSided.Mid()
	assert.False(t, ok)

	merged := oneSided.Merge(Quote{Bid: Price(d("1.00"))})
	assert.True(t, merged.HasBidAsk())
}

func TestIronCondorCombo(t *testing.T) {
	mk := func(id int64, strike string, r Right) Contract {
		return Contract{ConID: id, Strike: d(strike), Right: r}
	}
	spec := NewIronCondorCombo("SPX", "SMART", "USD",
		mk(1, "5850", RightCall), mk(2, "5860", RightCall), mk(3, "5750", RightPut), mk(4, "5740", RightPut))
	require.Len(t, spec.Legs, 4)
	assert.Equal(t, SideBuy, spec.Legs[0].Action)
	assert.Equal(t, SideSell, spec.Legs[1].Action)
	assert.Equal(t, SideBuy, spec.Legs[2].Action)
	assert.Equal(t, SideSell, spec.Legs[3].Action)

	c := spec.Contract()
	assert.True(t, c.IsCombo())
	assert.Len(t, c.ComboLegs, 4)
}

func TestOptionChain_NextExpiry(t *testing.T) {
	chain := &OptionChain{Expirations: []string{"20251020", "20251017", "20251015"}}
	now := time.Date(2025, 10, 16, 10, 0, 0, 0, time.UTC)
	exp, ok := chain.NextExpiry(now)
	require.True(t, ok)
	assert.Equal(t, "20251017", exp)

	_, ok = chain.NextExpiry(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)
	assert.True(t, chain.HasExpiry("20251020"))
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errors.Is(ErrInvalidQuote, ErrExecution))
	assert.True(t, errors.Is(ErrNotFilled, ErrExecution))
	assert.False(t, errors.Is(ErrSelection, ErrExecution))
}

func TestOrderRequest_Validate(t *testing.T) {
	ok := OrderRequest{Side: SideSell, Type: OrderTypeLimit, Quantity: 1, LimitPrice: d("1.05")}
	assert.NoError(t, ok.Validate())

	noPrice := ok
	noPrice.LimitPrice = decimal.Zero
	assert.Error(t, noPrice.Validate())

	stop := OrderRequest{Side: SideBuy, Type: OrderTypeStop, Quantity: 1}
	assert.Error(t, stop.Validate())
	stop.StopPrice = d("11.50")
	assert.NoError(t, stop.Validate())
	assert.True(t, stop.RequestedPrice().Equal(d("11.50")))

	mkt := OrderRequest{Side: SideBuy, Type: OrderTypeMarket, Quantity: 0}
	assert.Error(t, mkt.Validate())
}

func TestNoFillRecord_WithoutStrikes(t *testing.T) {
	p := NewPosition("p2", "ic_spx", "SPX", "20251017", SpreadLegs{}, 0, 100)
	rec := p.NoFillRecord(time.Now())
	assert.Nil(t, rec.Legs)
	assert.Equal(t, OutcomeNoFill, rec.Outcome)
	assert.NoError(t, rec.Validate())
}
