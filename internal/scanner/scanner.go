package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPeriod    = 14
	DefaultLookback  = 60
	DefaultThreshold = 90.0

	maxConcurrentFetches = 4
)

// Options configures a scan. Zero values take the defaults.
type Options struct {
	Period    int
	Lookback  int // calendar days of history requested
	Threshold float64
}

func (o Options) withDefaults() Options {
	if o.Period <= 0 {
		o.Period = DefaultPeriod
	}
	if o.Lookback <= 0 {
		o.Lookback = DefaultLookback
	}
	// Wilder smoothing needs room to settle past the seed window.
	if floor := o.Period*2 + 1; o.Lookback < floor {
		o.Lookback = floor
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	return o
}

// Reading is the scan result for one symbol.
type Reading struct {
	Symbol    string    `json:"symbol"`
	RSI       float64   `json:"rsi"`
	LastClose float64   `json:"last_close"`
	AsOf      time.Time `json:"as_of"`
	Bars      int       `json:"bars"`
	Above     bool      `json:"above_threshold"`
	Err       error     `json:"-"`
}

// Scanner computes RSI readings from venue history.
type Scanner struct {
	history broker.HistoryProvider
	logger  *logrus.Entry
	now     func() time.Time
}

// New creates a Scanner. now may be nil.
func New(history broker.HistoryProvider, logger *logrus.Entry, now func() time.Time) *Scanner {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if now == nil {
		now = time.Now
	}
	return &Scanner{history: history, logger: logger, now: now}
}

// Scan fetches daily bars for each symbol and returns one reading per
// symbol, sorted by descending RSI. Symbols that fail carry Err and sort
// last; a failing symbol never aborts the others.
func (s *Scanner) Scan(ctx context.Context, symbols []string, opts Options) ([]Reading, error) {
	opts = opts.withDefaults()
	end := s.now()
	start := end.AddDate(0, 0, -opts.Lookback)

	readings := make([]Reading, len(symbols))
	var mu sync.Mutex
	hits := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i, symbol := range symbols {
		g.Go(func() error {
			r := s.read(gctx, symbol, start, end, opts)
			readings[i] = r
			if r.Above {
				mu.Lock()
				hits++
				mu.Unlock()
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(readings, func(i, j int) bool {
		a, b := readings[i], readings[j]
		if (a.Err == nil) != (b.Err == nil) {
			return a.Err == nil
		}
		return a.RSI > b.RSI
	})
	s.logger.WithFields(logrus.Fields{
		"symbols": len(symbols), "above": hits, "threshold": opts.Threshold, "period": opts.Period,
	}).Info("RSI scan complete")
	return readings, nil
}

func (s *Scanner) read(ctx context.Context, symbol string, start, end time.Time, opts Options) Reading {
	r := Reading{Symbol: symbol}
	bars, err := s.history.DailyBars(ctx, symbol, start, end)
	if err != nil {
		r.Err = fmt.Errorf("history for %s: %w", symbol, err)
		s.logger.WithError(err).WithField("symbol", symbol).Warn("Skipping symbol")
		return r
	}
	closes := make([]float64, 0, len(bars))
	for _, b := range bars {
		if b.Close > 0 {
			closes = append(closes, b.Close)
		}
	}
	r.Bars = len(closes)
	value, err := LatestRSI(closes, opts.Period)
	if err != nil {
		r.Err = fmt.Errorf("rsi for %s: %w", symbol, err)
		s.logger.WithError(err).WithField("symbol", symbol).Warn("Skipping symbol")
		return r
	}
	last := bars[len(bars)-1]
	r.RSI = value
	r.LastClose = last.Close
	r.AsOf = last.Date
	r.Above = value > opts.Threshold
	if r.Above {
		s.logger.WithFields(logrus.Fields{"symbol": symbol, "rsi": fmt.Sprintf("%.2f", value)}).Info("RSI above threshold")
	}
	return r
}

// Above filters readings over the threshold.
func Above(readings []Reading) []Reading {
	var out []Reading
	for _, r := range readings {
		if r.Err == nil && r.Above {
			out = append(out, r)
		}
	}
	return out
}
