package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fp(f float64) *float64 { return &f }

// greeksBroker answers every subscription with a configured delta.
type greeksBroker struct {
	mu        sync.Mutex
	deltas    map[readingKey]float64
	listed    map[readingKey]bool
	active    map[int]bool
	events    chan broker.Event
	nextReq   int
	subscribe int
	failSub   bool
}

func newGreeksBroker() *greeksBroker {
	return &greeksBroker{
		deltas: make(map[readingKey]float64),
		active: make(map[int]bool),
		events: make(chan broker.Event, 512),
	}
}

func (g *greeksBroker) set(strike string, right models.Right, delta float64) {
	g.deltas[keyOf(d(strike), right)] = delta
}

func (g *greeksBroker) Connect(context.Context, broker.Session) error { return nil }
func (g *greeksBroker) Close() error                                   { return nil }
func (g *greeksBroker) Events() <-chan broker.Event                    { return g.events }

func (g *greeksBroker) ContractDetails(_ context.Context, c models.Contract) ([]models.Contract, error) {
	if g.listed == nil || g.listed[keyOf(c.Strike, c.Right)] {
		return []models.Contract{c}, nil
	}
	return nil, nil
}

func (g *greeksBroker) OptionChainParams(context.Context, models.Contract) ([]models.OptionChain, error) {
	return nil, nil
}

func (g *greeksBroker) SubscribeMarketData(_ context.Context, c models.Contract) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribe++
	if g.failSub {
		return 0, errors.New("pacing violation")
	}
	g.nextReq++
	g.active[g.nextReq] = true
	if delta, ok := g.deltas[keyOf(c.Strike, c.Right)]; ok {
		g.events <- broker.Event{Kind: broker.EventTick, ReqID: g.nextReq}
		g.events <- broker.Event{Kind: broker.EventGreeks, ReqID: g.nextReq, Delta: fp(delta)}
	}
	return g.nextReq, nil
}

func (g *greeksBroker) CancelMarketData(reqID int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active[reqID] {
		return broker.ErrUnknownSubscription
	}
	delete(g.active, reqID)
	return nil
}

func (g *greeksBroker) PlaceOrder(context.Context, models.OrderRequest) (*models.OrderState, error) {
	return nil, errors.New("not supported")
}
func (g *greeksBroker) CancelOrder(context.Context, int) error { return nil }
func (g *greeksBroker) OrderStatus(context.Context, int) (*models.OrderState, error) {
	return nil, errors.New("not supported")
}

func (g *greeksBroker) openSubscriptions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// seedLinear gives every strike between lo and hi (step 5) a delta that
// decays linearly with distance from spot.
func seedLinear(g *greeksBroker, lo, hi, spot int) *models.OptionChain {
	chain := &models.OptionChain{Multiplier: 100}
	for k := lo; k <= hi; k += 5 {
		strike := decimal.NewFromInt(int64(k))
		chain.Strikes = append(chain.Strikes, strike)
		dist := float64(k-spot) / 500
		call := 0.5 - dist
		if call < 0.01 {
			call = 0.01
		}
		if call > 0.99 {
			call = 0.99
		}
		g.deltas[keyOf(strike, models.RightCall)] = call
		g.deltas[keyOf(strike, models.RightPut)] = call - 1
	}
	return chain
}

func newTestSelector(g *greeksBroker, cfg Config) *Selector {
	logger, _ := test.NewNullLogger()
	if cfg.GreeksTimeout == 0 {
		cfg.GreeksTimeout = 200 * time.Millisecond
	}
	tmpl := models.OptionContract("SPX", "CBOE", "USD", "SPXW", "20251017", 100, decimal.Zero, "")
	return NewSelector(g, tmpl, logrus.NewEntry(logger), cfg)
}

func TestSelectSpread_ByDeltaAndWidth(t *testing.T) {
	g := newGreeksBroker()
	chain := seedLinear(g, 5650, 5950, 5800)
	s := newTestSelector(g, Config{StrikeWindow: 25})

	sel, err := s.SelectSpread(context.Background(), chain, d("5800"), Targets{ShortCall: 0.30, ShortPut: -0.30}, d("10"))
	require.NoError(t, err)

	assert.True(t, sel.Legs.ShortCall.Equal(d("5900")), "short call %s", sel.Legs.ShortCall)
	assert.True(t, sel.Legs.ShortPut.Equal(d("5700")), "short put %s", sel.Legs.ShortPut)
	assert.True(t, sel.Legs.LongCall.Equal(d("5910")))
	assert.True(t, sel.Legs.LongPut.Equal(d("5690")))
	require.NoError(t, sel.Legs.Validate())
	assert.Equal(t, 0, g.openSubscriptions(), "all subscriptions must be released")
}

func TestSelectSpread_LongLegsByDelta(t *testing.T) {
	g := newGreeksBroker()
	chain := seedLinear(g, 5700, 5900, 5800)
	s := newTestSelector(g, Config{})

	sel, err := s.SelectSpread(context.Background(), chain, d("5800"),
		Targets{ShortCall: 0.40, ShortPut: -0.40, LongCall: fp(0.32), LongPut: fp(-0.32)}, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, sel.Legs.ShortCall.Equal(d("5850")))
	assert.True(t, sel.Legs.LongCall.Equal(d("5890")))
	assert.True(t, sel.Legs.ShortPut.Equal(d("5750")))
	assert.True(t, sel.Legs.LongPut.Equal(d("5710")))
	assert.Empty(t, sel.Warnings)
	assert.False(t, sel.Flagged)
}

func TestSelectSpread_WidthSnapsToAvailableStrike(t *testing.T) {
	g := newGreeksBroker()
	chain := &models.OptionChain{}
	for _, k := range []string{"90", "95", "100", "105", "112", "120"} {
		chain.Strikes = append(chain.Strikes, d(k))
	}
	g.set("105", models.RightCall, 0.20)
	g.set("100", models.RightCall, 0.50)
	g.set("112", models.RightCall, 0.05)
	g.set("95", models.RightPut, -0.20)
	g.set("90", models.RightPut, -0.05)
	g.set("100", models.RightPut, -0.50)

	s := newTestSelector(g, Config{})
	sel, err := s.SelectSpread(context.Background(), chain, d("100"), Targets{ShortCall: 0.20, ShortPut: -0.20}, d("5"))
	require.NoError(t, err)
	// 105 + 5 = 110: 112 is the closest listed strike farther out.
	assert.True(t, sel.Legs.LongCall.Equal(d("112")))
	assert.True(t, sel.Legs.LongPut.Equal(d("90")))
}

func TestSelectSpread_NoStrikeBeyondShort(t *testing.T) {
	g := newGreeksBroker()
	chain := &models.OptionChain{Strikes: []decimal.Decimal{d("95"), d("100"), d("105")}}
	g.set("105", models.RightCall, 0.20)
	g.set("95", models.RightPut, -0.20)

	s := newTestSelector(g, Config{})
	sel, err := s.SelectSpread(context.Background(), chain, d("100"), Targets{ShortCall: 0.20, ShortPut: -0.20}, d("5"))
	assert.Nil(t, sel)
	assert.ErrorIs(t, err, models.ErrSelection)
	assert.Equal(t, 0, g.openSubscriptions())
}

func TestSelectSpread_TieBreaksToFirstStrike(t *testing.T) {
	g := newGreeksBroker()
	chain := &models.OptionChain{}
	for _, k := range []string{"80", "85", "90", "95", "100", "105", "110", "115", "120"} {
		chain.Strikes = append(chain.Strikes, d(k))
	}
	// 105 and 110 are exactly equidistant from 0.25, as are 90 and 95.
	g.set("105", models.RightCall, 0.375)
	g.set("110", models.RightCall, 0.125)
	g.set("100", models.RightCall, 0.5)
	g.set("90", models.RightPut, -0.125)
	g.set("95", models.RightPut, -0.375)

	s := newTestSelector(g, Config{})
	for i := 0; i < 3; i++ {
		sel, err := s.SelectSpread(context.Background(), chain, d("100"), Targets{ShortCall: 0.25, ShortPut: -0.25}, d("10"))
		require.NoError(t, err)
		assert.True(t, sel.Legs.ShortCall.Equal(d("105")), "call tie must resolve to first strike")
		assert.True(t, sel.Legs.ShortPut.Equal(d("90")), "put tie must resolve to first strike")
	}
}

func TestPickByDelta_ComparesSignedDeltas(t *testing.T) {
	strikes := []decimal.Decimal{d("90"), d("95")}
	readings := map[readingKey]float64{
		keyOf(d("90"), models.RightPut): -0.26,
		keyOf(d("95"), models.RightPut): 0.20, // wrong sign from the venue
	}
	m, err := pickByDelta("short_put", strikes, models.RightPut, -0.20, readings)
	require.NoError(t, err)
	assert.Equal(t, "90", m.Strike.String())
	assert.InDelta(t, 0.06, m.Error(), 1e-9)

	_, err = pickByDelta("short_put", strikes, models.RightCall, 0.20, readings)
	assert.ErrorIs(t, err, models.ErrSelection)
}

func TestSelectSpread_TimeoutWithoutDeltas(t *testing.T) {
	g := newGreeksBroker()
	chain := &models.OptionChain{Strikes: []decimal.Decimal{d("95"), d("100"), d("105")}}
	s := newTestSelector(g, Config{GreeksTimeout: 30 * time.Millisecond})

	start := time.Now()
	_, err := s.SelectSpread(context.Background(), chain, d("100"), Targets{ShortCall: 0.2, ShortPut: -0.2}, d("5"))
	assert.ErrorIs(t, err, models.ErrSelection)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, g.openSubscriptions())
}

func TestSelectSpread_SubscribeFailure(t *testing.T) {
	g := newGreeksBroker()
	g.failSub = true
	chain := seedLinear(g, 5700, 5900, 5800)
	s := newTestSelector(g, Config{})
	_, err := s.SelectSpread(context.Background(), chain, d("5800"), Targets{ShortCall: 0.3, ShortPut: -0.3}, d("10"))
	assert.ErrorIs(t, err, models.ErrSelection)
}

func TestSelectSpread_ContextCancelReleasesSubscriptions(t *testing.T) {
	g := newGreeksBroker()
	chain := &models.OptionChain{Strikes: []decimal.Decimal{d("95"), d("100"), d("105")}}
	s := newTestSelector(g, Config{GreeksTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.SelectSpread(ctx, chain, d("100"), Targets{ShortCall: 0.2, ShortPut: -0.2}, d("5"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.openSubscriptions())
}

func TestSelectSpread_WindowBoundsQueries(t *testing.T) {
	g := newGreeksBroker()
	chain := seedLinear(g, 5000, 6600, 5800)
	s := newTestSelector(g, Config{StrikeWindow: 5})

	sel, err := s.SelectSpread(context.Background(), chain, d("5800"), Targets{ShortCall: 0.45, ShortPut: -0.45}, d("10"))
	require.NoError(t, err)
	// 5 below + 5 at/above, for each right.
	assert.Equal(t, 20, g.subscribe)
	assert.Len(t, sel.Readings, 20)
}

func TestSelectSpread_RangeAndQualification(t *testing.T) {
	g := newGreeksBroker()
	chain := seedLinear(g, 5700, 5900, 5800)
	g.listed = map[readingKey]bool{
		keyOf(d("5825"), models.RightCall): true,
		keyOf(d("5775"), models.RightPut):  true,
	}
	s := newTestSelector(g, Config{RangePct: 0.01, QualifyStrikes: true})

	sel, err := s.SelectSpread(context.Background(), chain, d("5800"), Targets{ShortCall: 0.2, ShortPut: -0.2}, d("10"))
	require.NoError(t, err)
	assert.Equal(t, 2, g.subscribe, "only qualified strikes are queried")
	assert.True(t, sel.Legs.ShortCall.Equal(d("5825")))
	assert.True(t, sel.Legs.ShortPut.Equal(d("5775")))
	assert.True(t, sel.Legs.LongCall.Equal(d("5835")))
	assert.True(t, sel.Legs.LongPut.Equal(d("5765")))
	// Both matches are far from target and get flagged.
	assert.Len(t, sel.Warnings, 2)
	assert.True(t, sel.Flagged)
}

func TestSelectSpread_RejectsMissingWidth(t *testing.T) {
	g := newGreeksBroker()
	chain := seedLinear(g, 5700, 5900, 5800)
	s := newTestSelector(g, Config{})
	_, err := s.SelectSpread(context.Background(), chain, d("5800"), Targets{ShortCall: 0.2, ShortPut: -0.2}, decimal.Zero)
	assert.ErrorIs(t, err, models.ErrSelection)
	assert.Zero(t, g.subscribe)
}

func TestContractsForCapital(t *testing.T) {
	tests := []struct {
		name    string
		capital string
		width   string
		max     int
		want    int
	}{
		{"capital bound", "5000", "10", 10, 5},
		{"max contracts bound", "1000000", "10", 10, 10},
		{"unknown width uses default risk", "12000", "0", 10, 2},
		{"too little capital", "500", "10", 10, 0},
		{"default cap", "1000000", "5", 0, DefaultMaxContracts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ContractsForCapital(d(tt.capital), d(tt.width), 100, tt.max)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.True(t, RiskWidth(d("10"), d("15")).Equal(d("15")))
}
