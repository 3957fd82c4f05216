package mock

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 10, 15, 10, 0, 0, 0, time.Local) // Wednesday

func newTestPaper(t *testing.T, cfg PaperConfig) *PaperBroker {
	t.Helper()
	cfg.Now = func() time.Time { return fixedNow }
	cfg.Jitter = func() float64 { return 0.5 }
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Millisecond
	}
	p := NewPaperBroker(cfg)
	require.NoError(t, p.Connect(context.Background(), broker.Session{ClientID: 1}))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func option(strike string, right models.Right) models.Contract {
	return models.OptionContract("SPX", "", "USD", "SPXW", "20251015", 100, decimal.RequireFromString(strike), right)
}

func qualify(t *testing.T, p *PaperBroker, c models.Contract) models.Contract {
	t.Helper()
	got, err := p.ContractDetails(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, got, 1)
	return got[0]
}

func TestPaperBroker_FailConnects(t *testing.T) {
	p := NewPaperBroker(PaperConfig{FailConnects: 2})
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, p.Connect(context.Background(), broker.Session{}), models.ErrConnectivity)
	}
	require.NoError(t, p.Connect(context.Background(), broker.Session{}))
	assert.Equal(t, 3, p.ConnectAttempts())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestPaperBroker_RequiresConnect(t *testing.T) {
	p := NewPaperBroker(PaperConfig{})
	_, err := p.OptionChainParams(context.Background(), models.Contract{Symbol: "SPX"})
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}

func TestPaperBroker_OptionChainParams(t *testing.T) {
	p := newTestPaper(t, PaperConfig{StrikesEach: 10, Expirations: 4})
	chains, err := p.OptionChainParams(context.Background(), models.Contract{Symbol: "SPX"})
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Len(t, chains[0].Strikes, 21)
	// Wed, Thu, Fri, Mon
	assert.Equal(t, []string{"20251015", "20251016", "20251017", "20251020"}, chains[0].Expirations)

	none, err := p.OptionChainParams(context.Background(), models.Contract{Symbol: "NDX"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPaperBroker_ContractDetails(t *testing.T) {
	p := newTestPaper(t, PaperConfig{StrikesEach: 10})

	c := qualify(t, p, option("5850", models.RightCall))
	assert.Equal(t, "SPXW251015C05850000", c.LocalSymbol)
	assert.NotZero(t, c.ConID)

	unlisted, err := p.ContractDetails(context.Background(), option("5853", models.RightCall))
	require.NoError(t, err)
	assert.Empty(t, unlisted)

	farOut, err := p.ContractDetails(context.Background(), option("9000", models.RightCall))
	require.NoError(t, err)
	assert.Empty(t, farOut)
}

func TestPaperBroker_DeltaShape(t *testing.T) {
	p := newTestPaper(t, PaperConfig{})
	_, atm := p.theo(5800, models.RightCall, "20251015")
	_, otmCall := p.theo(5850, models.RightCall, "20251015")
	_, otmPut := p.theo(5750, models.RightPut, "20251015")
	_, itmCall := p.theo(5750, models.RightCall, "20251015")

	assert.InDelta(t, 0.5, atm, 1e-9)
	assert.Less(t, otmCall, 0.5)
	assert.Greater(t, otmCall, 0.0)
	assert.Less(t, otmPut, 0.0)
	assert.Greater(t, otmPut, -0.5)
	assert.Greater(t, itmCall, 0.5)
}

func TestPaperBroker_SubscribeOptionPublishesTickAndGreeks(t *testing.T) {
	p := newTestPaper(t, PaperConfig{})
	reqID, err := p.SubscribeMarketData(context.Background(), qualify(t, p, option("5850", models.RightCall)))
	require.NoError(t, err)

	var sawTick, sawGreeks bool
	deadline := time.After(time.Second)
	for !sawTick || !sawGreeks {
		select {
		case ev := <-p.Events():
			require.Equal(t, reqID, ev.ReqID)
			switch ev.Kind {
			case broker.EventTick:
				require.NotNil(t, ev.Quote)
				assert.True(t, ev.Quote.HasBidAsk())
				sawTick = true
			case broker.EventGreeks:
				require.NotNil(t, ev.Delta)
				sawGreeks = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for market data")
		}
	}
	require.NoError(t, p.CancelMarketData(reqID))
	assert.ErrorIs(t, p.CancelMarketData(reqID), broker.ErrUnknownSubscription)
}

func condor(t *testing.T, p *PaperBroker) models.Contract {
	spec := models.NewIronCondorCombo("SPX", "", "USD",
		qualify(t, p, option("5850", models.RightCall)),
		qualify(t, p, option("5860", models.RightCall)),
		qualify(t, p, option("5750", models.RightPut)),
		qualify(t, p, option("5740", models.RightPut)))
	return spec.Contract()
}

func TestPaperBroker_LimitFillsAtOrThroughMid(t *testing.T) {
	p := newTestPaper(t, PaperConfig{})
	ctx := context.Background()
	combo := condor(t, p)

	p.mu.Lock()
	q, _ := p.quoteLocked(combo)
	p.mu.Unlock()
	mid, ok := q.Mid()
	require.True(t, ok)
	require.True(t, mid.IsPositive(), "condor must price as a credit")

	// Selling above mid rests.
	rest, err := p.PlaceOrder(ctx, models.OrderRequest{
		Contract: combo, Side: models.SideSell, Type: models.OrderTypeLimit, Quantity: 1,
		LimitPrice: q.Ask.Decimal.Add(decimal.NewFromInt(1)),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusWorking, rest.Status)

	// Selling at the bid fills at the limit.
	hit, err := p.PlaceOrder(ctx, models.OrderRequest{
		Contract: combo, Side: models.SideSell, Type: models.OrderTypeLimit, Quantity: 1, LimitPrice: q.Bid.Decimal,
	})
	require.NoError(t, err)
	assert.True(t, hit.IsFilled())
	assert.True(t, hit.AvgFillPrice.Decimal.Equal(q.Bid.Decimal))

	require.NoError(t, p.CancelOrder(ctx, rest.ID))
	require.NoError(t, p.CancelOrder(ctx, rest.ID))
	got, err := p.OrderStatus(ctx, rest.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	// Cancelling a filled order is a no-op.
	require.NoError(t, p.CancelOrder(ctx, hit.ID))
	got, err = p.OrderStatus(ctx, hit.ID)
	require.NoError(t, err)
	assert.True(t, got.IsFilled())
}

func TestPaperBroker_StopTriggersOnMid(t *testing.T) {
	p := newTestPaper(t, PaperConfig{})
	ctx := context.Background()
	combo := condor(t, p)

	p.mu.Lock()
	q, _ := p.quoteLocked(combo)
	p.mu.Unlock()
	mid, _ := q.Mid()

	stop, err := p.PlaceOrder(ctx, models.OrderRequest{
		Contract: combo, Side: models.SideBuy, Type: models.OrderTypeStop, Quantity: 1,
		StopPrice: mid.Mul(decimal.NewFromFloat(1.5)).Round(2), Closing: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusWorking, stop.Status)

	// Rally through the call spread: the condor is worth close to its width.
	p.SetSpot(5900)
	got, err := p.OrderStatus(ctx, stop.ID)
	require.NoError(t, err)
	assert.True(t, got.IsFilled())
}

func TestPaperBroker_MarketFillsAtTouch(t *testing.T) {
	p := newTestPaper(t, PaperConfig{})
	und := qualify(t, p, models.Contract{Symbol: "SPX", SecType: models.SecTypeIndex})
	st, err := p.PlaceOrder(context.Background(), models.OrderRequest{
		Contract: und, Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: 1,
	})
	require.NoError(t, err)
	assert.True(t, st.IsFilled())
	assert.True(t, st.AvgFillPrice.Decimal.Equal(decimal.RequireFromString("5800.25")))
}

func TestPaperBroker_DailyBars(t *testing.T) {
	p := newTestPaper(t, PaperConfig{})
	end := fixedNow
	bars, err := p.DailyBars(context.Background(), "SPX", end.AddDate(0, 0, -13), end)
	require.NoError(t, err)
	assert.Len(t, bars, 10)
	assert.InDelta(t, 5800, bars[len(bars)-1].Close, 1e-9)

	other, err := p.DailyBars(context.Background(), "QQQ", end.AddDate(0, 0, -13), end)
	require.NoError(t, err)
	require.Len(t, other, 10)
	assert.Positive(t, other[len(other)-1].Close)
	again, err := p.DailyBars(context.Background(), "QQQ", end, end)
	require.NoError(t, err)
	assert.InDelta(t, other[len(other)-1].Close, again[0].Close, 1e-9)

	_, err = p.DailyBars(context.Background(), "", end, end)
	assert.Error(t, err)
}

func TestPaperBroker_ImpliedVolBars(t *testing.T) {
	p := newTestPaper(t, PaperConfig{Vol: 0.20})
	end := fixedNow
	bars, err := p.ImpliedVolBars(context.Background(), "SPX", end.AddDate(0, 0, -13), end)
	require.NoError(t, err)
	require.Len(t, bars, 10)
	for _, b := range bars {
		assert.GreaterOrEqual(t, b.Close, 0.16)
		assert.LessOrEqual(t, b.Close, 0.24)
		assert.NotEqual(t, time.Saturday, b.Date.Weekday())
	}

	_, err = p.ImpliedVolBars(context.Background(), "", end, end)
	assert.Error(t, err)
}
