// Package strategy selects iron condor strikes from a live option chain.
package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/metrics"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Targets are the configured deltas. Long legs without a target are placed
// by width instead.
type Targets struct {
	LongCall  *float64
	LongPut   *float64
	ShortCall float64
	ShortPut  float64
}

// Config bounds how much of the chain is queried.
type Config struct {
	StrikeWindow   int           // strikes on each side of spot
	RangePct       float64       // optional |strike-spot|/spot limit; 0 disables
	QualifyStrikes bool          // drop strikes without a listed contract
	GreeksTimeout  time.Duration // wait for venue deltas
	WarnThreshold  float64       // per-leg |delta error| that raises a warning
	WarnFraction   float64       // share of warned legs above which the result is flagged
}

// DefaultConfig matches the values the strategies were tuned with.
var DefaultConfig = Config{
	StrikeWindow:  20,
	GreeksTimeout: 10 * time.Second,
	WarnThreshold: 0.05,
}

// LegMatch describes how one leg was chosen.
type LegMatch struct {
	Leg      string
	Strike   decimal.Decimal
	Target   float64
	Observed float64
	ByWidth  bool
}

// Error is the signed delta distance |observed - target| of the match.
func (m LegMatch) Error() float64 {
	if m.ByWidth {
		return 0
	}
	return math.Abs(m.Observed - m.Target)
}

// Selection is a validated spread plus the evidence behind it.
type Selection struct {
	Legs     models.SpreadLegs
	Matches  []LegMatch
	Readings []models.GreekReading
	Warnings []string
	Flagged  bool
}

// Selector picks spread strikes for one option series. It owns no state
// between calls; every delta reading lives only for one SelectSpread call.
type Selector struct {
	broker   broker.Broker
	logger   *logrus.Entry
	template models.Contract
	config   Config
}

// NewSelector creates a selector. template carries the option identity
// (symbol, exchange, currency, trading class, expiry, multiplier).
func NewSelector(b broker.Broker, template models.Contract, logger *logrus.Entry, config ...Config) *Selector {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.StrikeWindow <= 0 {
		cfg.StrikeWindow = DefaultConfig.StrikeWindow
	}
	if cfg.GreeksTimeout <= 0 {
		cfg.GreeksTimeout = DefaultConfig.GreeksTimeout
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = DefaultConfig.WarnThreshold
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if b == nil {
		panic("strategy.NewSelector: broker must not be nil")
	}
	return &Selector{broker: b, template: template, logger: logger, config: cfg}
}

type readingKey struct {
	strike string
	right  models.Right
}

func keyOf(strike decimal.Decimal, right models.Right) readingKey {
	return readingKey{strike: strike.String(), right: right}
}

// SelectSpread returns four strikes satisfying the spread invariants or an
// error wrapping models.ErrSelection.
func (s *Selector) SelectSpread(
	ctx context.Context,
	chain *models.OptionChain,
	spot decimal.Decimal,
	targets Targets,
	width decimal.Decimal,
) (*Selection, error) {
	if chain == nil || len(chain.Strikes) == 0 {
		return nil, fmt.Errorf("%w: empty option chain", models.ErrSelection)
	}
	if (targets.LongCall == nil || targets.LongPut == nil) && !width.IsPositive() {
		return nil, fmt.Errorf("%w: spread width must be positive when a long delta is not set", models.ErrSelection)
	}

	all := chain.SortedStrikes()
	window := s.window(all, spot)
	if len(window) == 0 {
		return nil, fmt.Errorf("%w: no strikes within range of spot %s", models.ErrSelection, spot)
	}

	calls, puts := window, window
	if s.config.QualifyStrikes {
		calls = s.qualified(ctx, window, models.RightCall)
		puts = s.qualified(ctx, window, models.RightPut)
	}
	s.logger.Debugf("Querying deltas for %d call and %d put candidates around %s", len(calls), len(puts), spot)

	cands := make([]models.StrikeCandidate, 0, len(calls)+len(puts))
	for _, k := range calls {
		cands = append(cands, models.StrikeCandidate{Strike: k, Right: models.RightCall})
	}
	for _, k := range puts {
		cands = append(cands, models.StrikeCandidate{Strike: k, Right: models.RightPut})
	}

	readings, err := s.collectDeltas(ctx, cands)
	if err != nil {
		return nil, err
	}

	sel := &Selection{}
	for _, c := range cands {
		r := models.GreekReading{Strike: c.Strike, Right: c.Right}
		if d, ok := readings[keyOf(c.Strike, c.Right)]; ok {
			r.Delta = &d
		}
		sel.Readings = append(sel.Readings, r)
	}

	shortCall, err := pickByDelta("short_call", calls, models.RightCall, targets.ShortCall, readings)
	if err != nil {
		return nil, err
	}
	shortPut, err := pickByDelta("short_put", puts, models.RightPut, targets.ShortPut, readings)
	if err != nil {
		return nil, err
	}

	var longCall, longPut LegMatch
	if targets.LongCall != nil {
		longCall, err = pickByDelta("long_call", above(calls, shortCall.Strike), models.RightCall, *targets.LongCall, readings)
	} else {
		longCall, err = pickByWidth("long_call", above(all, shortCall.Strike), shortCall.Strike.Add(width))
	}
	if err != nil {
		return nil, err
	}
	if targets.LongPut != nil {
		longPut, err = pickByDelta("long_put", below(puts, shortPut.Strike), models.RightPut, *targets.LongPut, readings)
	} else {
		longPut, err = pickByWidth("long_put", below(all, shortPut.Strike), shortPut.Strike.Sub(width))
	}
	if err != nil {
		return nil, err
	}

	sel.Legs = models.SpreadLegs{
		ShortCall: shortCall.Strike,
		LongCall:  longCall.Strike,
		ShortPut:  shortPut.Strike,
		LongPut:   longPut.Strike,
	}
	if err := sel.Legs.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSelection, err)
	}
	sel.Matches = []LegMatch{shortCall, longCall, shortPut, longPut}
	s.flag(sel)
	return sel, nil
}

// window keeps at most StrikeWindow strikes below spot and StrikeWindow at or
// above it, after the optional range filter.
func (s *Selector) window(sorted []decimal.Decimal, spot decimal.Decimal) []decimal.Decimal {
	var lower, upper []decimal.Decimal
	limit := spot.Mul(decimal.NewFromFloat(s.config.RangePct))
	for _, k := range sorted {
		if s.config.RangePct > 0 && k.Sub(spot).Abs().GreaterThan(limit) {
			continue
		}
		if k.LessThan(spot) {
			lower = append(lower, k)
		} else {
			upper = append(upper, k)
		}
	}
	n := s.config.StrikeWindow
	if len(lower) > n {
		lower = lower[len(lower)-n:]
	}
	if len(upper) > n {
		upper = upper[:n]
	}
	out := make([]decimal.Decimal, 0, len(lower)+len(upper))
	out = append(out, lower...)
	return append(out, upper...)
}

func (s *Selector) optionContract(strike decimal.Decimal, right models.Right) models.Contract {
	c := s.template
	c.SecType = models.SecTypeOption
	c.Strike = strike
	c.Right = right
	c.ComboLegs = nil
	return c
}

func (s *Selector) qualified(ctx context.Context, strikes []decimal.Decimal, right models.Right) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(strikes))
	for _, k := range strikes {
		details, err := s.broker.ContractDetails(ctx, s.optionContract(k, right))
		if err != nil {
			s.logger.Warnf("Qualifying %s %s failed: %v", k, right, err)
			continue
		}
		if len(details) > 0 {
			out = append(out, k)
		}
	}
	return out
}

// collectDeltas subscribes every candidate and drains greeks events until all
// have a delta or the timeout passes. Subscriptions are always released.
func (s *Selector) collectDeltas(ctx context.Context, cands []models.StrikeCandidate) (map[readingKey]float64, error) {
	subs := make(map[int]models.StrikeCandidate, len(cands))
	defer func() {
		for reqID := range subs {
			if err := s.broker.CancelMarketData(reqID); err != nil {
				s.logger.Warnf("Cancel market data %d: %v", reqID, err)
			}
		}
	}()

	for _, c := range cands {
		reqID, err := s.broker.SubscribeMarketData(ctx, s.optionContract(c.Strike, c.Right))
		if err != nil {
			s.logger.Warnf("Subscribe %s %s failed: %v", c.Strike, c.Right, err)
			continue
		}
		subs[reqID] = c
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: no candidate could be subscribed", models.ErrSelection)
	}

	readings := make(map[readingKey]float64, len(subs))
	start := time.Now()
	defer func() { metrics.GreeksWait(time.Since(start).Seconds()) }()
	timer := time.NewTimer(s.config.GreeksTimeout)
	defer timer.Stop()

	events := s.broker.Events()
	for len(readings) < len(subs) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			s.logger.Warnf("Greeks timeout: %d of %d candidates have a delta", len(readings), len(subs))
			return readings, nil
		case ev, ok := <-events:
			if !ok {
				return readings, nil
			}
			if ev.Kind != broker.EventGreeks || ev.Delta == nil || math.IsNaN(*ev.Delta) {
				continue
			}
			if c, ok := subs[ev.ReqID]; ok {
				readings[keyOf(c.Strike, c.Right)] = *ev.Delta
			}
		}
	}
	return readings, nil
}

// pickByDelta returns the candidate minimizing |delta - target|. Deltas
// are compared signed, so put targets are negative. Ties go to the first
// candidate in ascending strike order.
func pickByDelta(leg string, strikes []decimal.Decimal, right models.Right, target float64, readings map[readingKey]float64) (LegMatch, error) {
	best := LegMatch{Leg: leg, Target: target}
	bestDiff := math.MaxFloat64
	found := false
	for _, k := range strikes {
		d, ok := readings[keyOf(k, right)]
		if !ok {
			continue
		}
		diff := math.Abs(d - target)
		if diff < bestDiff {
			bestDiff = diff
			best.Strike = k
			best.Observed = d
			found = true
		}
	}
	if !found {
		return best, fmt.Errorf("%w: no %s delta data for %s", models.ErrSelection, right, leg)
	}
	return best, nil
}

// pickByWidth snaps target to the closest strike in strikes, lowest first on ties.
func pickByWidth(leg string, strikes []decimal.Decimal, target decimal.Decimal) (LegMatch, error) {
	if len(strikes) == 0 {
		return LegMatch{}, fmt.Errorf("%w: no strike available for %s beyond the short strike", models.ErrSelection, leg)
	}
	best := strikes[0]
	bestDiff := best.Sub(target).Abs()
	for _, k := range strikes[1:] {
		if diff := k.Sub(target).Abs(); diff.LessThan(bestDiff) {
			best, bestDiff = k, diff
		}
	}
	return LegMatch{Leg: leg, Strike: best, ByWidth: true}, nil
}

func above(sorted []decimal.Decimal, k decimal.Decimal) []decimal.Decimal {
	var out []decimal.Decimal
	for _, s := range sorted {
		if s.GreaterThan(k) {
			out = append(out, s)
		}
	}
	return out
}

func below(sorted []decimal.Decimal, k decimal.Decimal) []decimal.Decimal {
	var out []decimal.Decimal
	for _, s := range sorted {
		if s.LessThan(k) {
			out = append(out, s)
		}
	}
	return out
}

func (s *Selector) flag(sel *Selection) {
	matched := 0
	for _, m := range sel.Matches {
		if m.ByWidth {
			continue
		}
		matched++
		if e := m.Error(); e > s.config.WarnThreshold {
			sel.Warnings = append(sel.Warnings,
				fmt.Sprintf("%s %s delta %.3f is %.3f from target %.3f", m.Leg, m.Strike, m.Observed, e, m.Target))
		}
	}
	if matched > 0 && len(sel.Warnings) > 0 {
		sel.Flagged = float64(len(sel.Warnings))/float64(matched) > s.config.WarnFraction
	}
}
