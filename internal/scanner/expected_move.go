package scanner

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// oneDay scales an annualized volatility to a one-calendar-day move.
var oneDay = math.Sqrt(1.0 / 365)

// Move is the one-day expected move implied by a day's close and IV.
type Move struct {
	Date     time.Time       `json:"date"`
	Close    decimal.Decimal `json:"close"`
	IV       decimal.Decimal `json:"iv"` // percent
	Expected decimal.Decimal `json:"expected_move"`
	Low      decimal.Decimal `json:"low"`
	High     decimal.Decimal `json:"high"`
}

// ExpectedMoves pairs daily closes with the IV of the same date and returns
// close * IV * sqrt(1/365) with the band around the close, oldest first.
// Dates present in only one series are dropped. Values are rounded to
// cents after the band is computed.
func ExpectedMoves(closes, vols []broker.HistoricalBar) []Move {
	iv := make(map[string]float64, len(vols))
	for _, b := range vols {
		iv[b.Date.Format(time.DateOnly)] = b.Close
	}
	moves := make([]Move, 0, len(closes))
	for _, b := range closes {
		v, ok := iv[b.Date.Format(time.DateOnly)]
		if !ok {
			continue
		}
		move := b.Close * v * oneDay
		moves = append(moves, Move{
			Date:     b.Date,
			Close:    cents(b.Close),
			IV:       cents(v * 100),
			Expected: cents(move),
			Low:      cents(b.Close - move),
			High:     cents(b.Close + move),
		})
	}
	return moves
}

func cents(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// ExpectedMove fetches closes and implied volatility for symbol over the
// last years years and returns the daily expected moves. The history
// provider must also serve implied volatility.
func (s *Scanner) ExpectedMove(ctx context.Context, symbol string, years int) ([]Move, error) {
	vp, ok := s.history.(broker.VolatilityProvider)
	if !ok {
		return nil, broker.ErrNoVolatilityHistory
	}
	if years <= 0 {
		years = 1
	}
	end := s.now()
	start := end.AddDate(-years, 0, 0)

	var closes, vols []broker.HistoricalBar
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		closes, err = s.history.DailyBars(gctx, symbol, start, end)
		if err != nil {
			return fmt.Errorf("daily bars for %s: %w", symbol, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		vols, err = vp.ImpliedVolBars(gctx, symbol, start, end)
		if err != nil {
			return fmt.Errorf("implied volatility for %s: %w", symbol, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	moves := ExpectedMoves(closes, vols)
	if len(moves) == 0 {
		return nil, fmt.Errorf("%w: no dates with both a close and an IV for %s", ErrInsufficientData, symbol)
	}
	last := moves[len(moves)-1]
	s.logger.WithFields(logrus.Fields{
		"symbol": symbol, "days": len(moves), "close": last.Close.String(), "expected_move": last.Expected.String(),
	}).Info("Expected move computed")
	return moves, nil
}

// WriteMovesCSV writes moves with a header naming the band columns after
// symbol.
func WriteMovesCSV(w io.Writer, symbol string, moves []Move) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "close", "IV", "Expected_Move", symbol + "_Low", symbol + "_High"}); err != nil {
		return err
	}
	for _, m := range moves {
		row := []string{
			m.Date.Format(time.DateOnly),
			m.Close.StringFixed(2),
			m.IV.StringFixed(2),
			m.Expected.StringFixed(2),
			m.Low.StringFixed(2),
			m.High.StringFixed(2),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
