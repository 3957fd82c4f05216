package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func closedPosition(strategy string) *models.Position {
	pos := models.NewPosition("p-1", strategy, "SPX", "20251015", models.SpreadLegs{
		ShortCall: d("5850"), LongCall: d("5860"), ShortPut: d("5750"), LongPut: d("5740"),
	}, 2, 100)
	pos.EntryPrice = d("10.00")
	pos.ReferencePrice = decimal.NewNullDecimal(d("5801.25"))
	return pos
}

var at = time.Date(2025, 10, 15, 11, 30, 0, 0, time.Local)

func TestJournalPath(t *testing.T) {
	assert.Equal(t, filepath.Join("logs", "SPX_journal.db"), JournalPath("logs", "SPX"))
	assert.Equal(t, filepath.Join("logs", "BRK_B_journal.db"), JournalPath("logs", "BRK/B"))
}

func TestRowRendersNotAvailable(t *testing.T) {
	pos := closedPosition("IC 0DTE")
	row := Row(pos.NoFillRecord(at))
	require.Len(t, row, len(Columns))
	assert.Equal(t, "2025-10-15 11:30:00", row[0])
	assert.Equal(t, models.NotAvailable, row[4])
	assert.Equal(t, models.NotAvailable, row[5])
	assert.Equal(t, "0.00", row[6])
	assert.Equal(t, "NO_FILL", row[7])
	assert.Equal(t, "5850", row[8])
	assert.Equal(t, "5801.25", row[12])

	bare := models.TradeRecord{Timestamp: at, Symbol: "SPX", Strategy: "x", Outcome: models.OutcomeNoFill}
	row = Row(bare)
	for _, i := range []int{2, 8, 9, 10, 11, 12} {
		assert.Equal(t, models.NotAvailable, row[i], "column %s", Columns[i])
	}
}

func TestJournal_RecordAndReadBack(t *testing.T) {
	ctx := context.Background()
	j, err := OpenJournal(JournalPath(t.TempDir(), "SPX"))
	require.NoError(t, err)
	defer j.Close()

	pos := closedPosition(`IC "wide"`)
	require.NoError(t, j.Record(ctx, pos.ClosedRecord(d("8.00"), at)))
	require.NoError(t, j.Record(ctx, pos.IncompleteRecord(at.Add(time.Minute))))
	require.NoError(t, j.Record(ctx, closedPosition("other").NoFillRecord(at)))

	names, err := j.Strategies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{`IC "wide"`, "other"}, names)

	recs, err := j.Records(ctx, `IC "wide"`)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	win := recs[0]
	assert.Equal(t, models.OutcomeWin, win.Outcome)
	assert.True(t, win.PnL.Equal(d("400")), "pnl %s", win.PnL)
	assert.True(t, win.ExitPrice.Valid)
	assert.True(t, win.ExitPrice.Decimal.Equal(d("8")))
	require.NotNil(t, win.Legs)
	assert.True(t, win.Legs.LongPut.Equal(d("5740")))
	assert.True(t, win.Timestamp.Equal(at))
	assert.Equal(t, "20251015", win.Expiry)

	inc := recs[1]
	assert.Equal(t, models.OutcomeIncomplete, inc.Outcome)
	assert.False(t, inc.ExitPrice.Valid)
	assert.True(t, inc.EntryPrice.Valid)

	_, err = j.Records(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestJournal_RejectsInvalidRecord(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "x_journal.db"))
	require.NoError(t, err)
	defer j.Close()
	err = j.Record(context.Background(), models.TradeRecord{Symbol: "SPX", Strategy: "s", Outcome: "MAYBE", Timestamp: at})
	assert.Error(t, err)
}

func TestJournal_CloseIsIdempotent(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "x_journal.db"))
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
	err = j.Record(context.Background(), closedPosition("s").NoFillRecord(at))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDirectory_ConcurrentAppendsSerialize(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rec := NewDirectory(dir)
	defer rec.Close()

	const workers, each = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			pos := closedPosition(fmt.Sprintf("worker-%d", w%2))
			for i := 0; i < each; i++ {
				assert.NoError(t, rec.Record(ctx, pos.ClosedRecord(d("9.50"), at)))
			}
		}(w)
	}
	wg.Wait()

	_, err := os.Stat(filepath.Join(dir, "SPX_journal.db"))
	require.NoError(t, err)

	j, err := rec.Journal("SPX")
	require.NoError(t, err)
	total := 0
	for _, name := range []string{"worker-0", "worker-1"} {
		recs, err := j.Records(ctx, name)
		require.NoError(t, err)
		total += len(recs)
	}
	assert.Equal(t, workers*each, total)
}

func TestMemoryRecorder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRecorder()
	require.NoError(t, m.Record(ctx, closedPosition("b").NoFillRecord(at)))
	require.NoError(t, m.Record(ctx, closedPosition("a").IncompleteRecord(at)))

	names, _ := m.Strategies(ctx)
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Len(t, m.All(), 2)

	boom := errors.New("disk full")
	m.SetRecordError(boom)
	assert.ErrorIs(t, m.Record(ctx, closedPosition("a").NoFillRecord(at)), boom)
	assert.Equal(t, 3, m.RecordCallCount())
	assert.Len(t, m.All(), 2)
}

func TestStatistics(t *testing.T) {
	pos := closedPosition("s")
	recs := []models.TradeRecord{
		pos.ClosedRecord(d("8.00"), at),  // +400
		pos.ClosedRecord(d("11.50"), at), // -300
		pos.ClosedRecord(d("12.00"), at), // -400
		pos.IncompleteRecord(at),
		pos.NoFillRecord(at),
		pos.ClosedRecord(d("9.00"), at), // +200
	}
	stats := ComputeStatistics(recs)
	assert.Equal(t, 4, stats.TotalTrades)
	assert.Equal(t, 2, stats.WinningTrades)
	assert.Equal(t, 2, stats.LosingTrades)
	assert.Equal(t, 1, stats.Incomplete)
	assert.Equal(t, 1, stats.NoFills)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-9)
	assert.True(t, stats.TotalPnL.Equal(d("-100")), "total %s", stats.TotalPnL)
	assert.True(t, stats.AverageWin.Equal(d("300")))
	assert.True(t, stats.AverageLoss.Equal(d("-350")))
	assert.True(t, stats.MaxDrawdown.Equal(d("-700")), "drawdown %s", stats.MaxDrawdown)
	assert.Equal(t, 1, stats.CurrentStreak)
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRecorder()
	require.NoError(t, m.Record(ctx, closedPosition("IC 0DTE").ClosedRecord(d("8.00"), at)))
	require.NoError(t, m.Record(ctx, closedPosition("IC 0DTE").NoFillRecord(at)))

	out := t.TempDir()
	files, err := ExportCSV(ctx, m, out, "SPX")
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(out, "SPX_IC_0DTE.csv")}, files)

	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Columns, rows[0])
	assert.Equal(t, "WIN", rows[1][7])
	assert.Equal(t, "400.00", rows[1][6])
	assert.Equal(t, "N/A", rows[2][5])

	back, err := ParseRow(rows[1])
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeWin, back.Outcome)
}

func TestDirectory_ReadsAcrossJournals(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	empty := NewDirectory(filepath.Join(dir, "missing"))
	names, err := empty.Strategies(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	w := NewDirectory(dir)
	spx := closedPosition("IC 0DTE").ClosedRecord(d("8.00"), at)
	ndx := closedPosition("ndx_weekly").NoFillRecord(at)
	ndx.Symbol = "NDX"
	require.NoError(t, w.Record(ctx, spx))
	require.NoError(t, w.Record(ctx, ndx))
	require.NoError(t, w.Close())

	r := NewDirectory(dir)
	defer r.Close()
	symbols, err := r.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"NDX", "SPX"}, symbols)

	names, err = r.Strategies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"IC 0DTE", "ndx_weekly"}, names)

	recs, err := r.Records(ctx, "ndx_weekly")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "NDX", recs[0].Symbol)
	assert.Equal(t, models.OutcomeNoFill, recs[0].Outcome)

	_, err = r.Records(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
