// Package scanner reports momentum readings for a watchlist. It never
// places orders.
package scanner

import "errors"

var (
	// ErrInvalidPeriod is returned for a non-positive RSI period.
	ErrInvalidPeriod = errors.New("invalid indicator period")
	// ErrInsufficientData is returned when there are not period+1 closes.
	ErrInsufficientData = errors.New("insufficient data for indicator")
)

// RSI returns the Relative Strength Index series for closes. The first
// average is a simple mean over period changes and later values use
// Wilder smoothing. Entries before index period are zero.
func RSI(closes []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(closes) < period+1 {
		return nil, ErrInsufficientData
	}

	n := len(closes)
	result := make([]float64, n)
	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	result[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < n; i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
		result[i] = rsiValue(avgGain, avgLoss)
	}
	return result, nil
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// LatestRSI returns the last value of the RSI series.
func LatestRSI(closes []float64, period int) (float64, error) {
	series, err := RSI(closes, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}
