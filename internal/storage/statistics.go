package storage

import (
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/shopspring/decimal"
)

// Statistics summarizes a strategy's journal.
type Statistics struct {
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	AverageWin    decimal.Decimal `json:"average_win"`
	AverageLoss   decimal.Decimal `json:"average_loss"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	peak          decimal.Decimal
	WinRate       float64 `json:"win_rate"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	Incomplete    int     `json:"incomplete"`
	NoFills       int     `json:"no_fills"`
	CurrentStreak int     `json:"current_streak"`
}

// ComputeStatistics folds records, in append order, into Statistics.
func ComputeStatistics(records []models.TradeRecord) *Statistics {
	stats := &Statistics{}
	for _, r := range records {
		stats.Add(r)
	}
	return stats
}

// Add folds one record into the statistics. Only WIN and LOSS rows count
// as trades; INCOMPLETE and NO_FILL are tallied separately.
func (s *Statistics) Add(r models.TradeRecord) {
	switch r.Outcome {
	case models.OutcomeIncomplete:
		s.Incomplete++
		return
	case models.OutcomeNoFill:
		s.NoFills++
		return
	}

	pnl := r.PnL
	s.TotalTrades++
	s.TotalPnL = s.TotalPnL.Add(pnl)

	if r.Outcome == models.OutcomeWin {
		s.WinningTrades++
		if s.CurrentStreak >= 0 {
			s.CurrentStreak++
		} else {
			s.CurrentStreak = 1
		}
		s.AverageWin = runningMean(s.AverageWin, pnl, s.WinningTrades)
	} else {
		s.LosingTrades++
		if s.CurrentStreak <= 0 {
			s.CurrentStreak--
		} else {
			s.CurrentStreak = -1
		}
		s.AverageLoss = runningMean(s.AverageLoss, pnl, s.LosingTrades)
	}

	s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)

	// Drawdown is measured peak to trough on cumulative PnL.
	if s.TotalPnL.GreaterThan(s.peak) {
		s.peak = s.TotalPnL
	}
	if dd := s.TotalPnL.Sub(s.peak); dd.LessThan(s.MaxDrawdown) {
		s.MaxDrawdown = dd
	}
}

func runningMean(mean, x decimal.Decimal, n int) decimal.Decimal {
	total := mean.Mul(decimal.NewFromInt(int64(n - 1))).Add(x)
	return total.Div(decimal.NewFromInt(int64(n)))
}
