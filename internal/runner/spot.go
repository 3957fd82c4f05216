package runner

import (
	"context"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/shopspring/decimal"
)

// Reference price sources, best first.
const (
	SourceLast     = "last"
	SourceMark     = "mark"
	SourceMid      = "mid"
	SourceBid      = "bid"
	SourceAsk      = "ask"
	SourceFallback = "fallback"
)

// ReferencePrice picks the underlying price used to centre strike selection:
// the live price, then the bid/ask midpoint, then a single side, then the
// configured fallback. ok is false when nothing usable is available.
func ReferencePrice(q models.Quote, fallback decimal.Decimal) (price decimal.Decimal, source string, ok bool) {
	positive := func(d decimal.NullDecimal) bool { return d.Valid && d.Decimal.IsPositive() }
	switch {
	case positive(q.Last):
		return q.Last.Decimal, SourceLast, true
	case positive(q.Mark):
		return q.Mark.Decimal, SourceMark, true
	}
	if mid, hasMid := q.Mid(); hasMid && mid.IsPositive() && positive(q.Bid) && positive(q.Ask) {
		return mid, SourceMid, true
	}
	switch {
	case positive(q.Bid):
		return q.Bid.Decimal, SourceBid, true
	case positive(q.Ask):
		return q.Ask.Decimal, SourceAsk, true
	case fallback.IsPositive():
		return fallback, SourceFallback, true
	}
	return decimal.Zero, "", false
}

// liveQuote subscribes to the underlying and merges ticks until a live price
// arrives or wait elapses. The subscription is always released.
func liveQuote(ctx context.Context, b broker.Broker, underlying models.Contract, wait time.Duration) (models.Quote, error) {
	reqID, err := b.SubscribeMarketData(ctx, underlying)
	if err != nil {
		return models.Quote{}, err
	}
	defer func() { _ = b.CancelMarketData(reqID) }()

	var q models.Quote
	timer := time.NewTimer(wait)
	defer timer.Stop()
	events := b.Events()
	for {
		select {
		case <-ctx.Done():
			return q, ctx.Err()
		case <-timer.C:
			return q, nil
		case ev, ok := <-events:
			if !ok {
				return q, nil
			}
			if ev.Kind != broker.EventTick || ev.ReqID != reqID || ev.Quote == nil {
				continue
			}
			q = q.Merge(*ev.Quote)
			if (q.Last.Valid && q.Last.Decimal.IsPositive()) || (q.Mark.Valid && q.Mark.Decimal.IsPositive()) {
				return q, nil
			}
		}
	}
}
