package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSI_WilderSmoothing(t *testing.T) {
	series, err := RSI([]float64{1, 2, 1, 2, 1}, 2)
	require.NoError(t, err)
	require.Len(t, series, 5)
	assert.Zero(t, series[0])
	assert.Zero(t, series[1])
	assert.InDelta(t, 50, series[2], 1e-9)
	assert.InDelta(t, 75, series[3], 1e-9)
	assert.InDelta(t, 37.5, series[4], 1e-9)
}

func TestRSI_Extremes(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		want   float64
	}{
		{"only gains", []float64{10, 11, 12, 13, 14}, 100},
		{"only losses", []float64{14, 13, 12, 11, 10}, 0},
		{"flat", []float64{10, 10, 10, 10, 10}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LatestRSI(tt.closes, 3)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestRSI_InvalidInput(t *testing.T) {
	_, err := RSI([]float64{1, 2, 3}, 0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = RSI([]float64{1, 2, 3}, 3)
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = LatestRSI(nil, 14)
	assert.ErrorIs(t, err, ErrInsufficientData)
}
