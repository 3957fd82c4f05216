package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/eddiefleurent/scranton_condor/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
environment:
  mode: paper
broker:
  provider: paper
  paper:
    spot: 5800
    strike_step: 5
execution:
  quote_wait: 2s
journal:
  dir: {{JOURNAL}}
logging:
  level: warn
scanner:
  symbols: [SPY, QQQ]
  period: 14
  lookback_days: 60
  threshold: 70
active_strategies: [spx_0dte]
strategies:
  spx_0dte:
    symbol: SPX
    sec_type: IND
    exchange: CBOE
    currency: USD
    multiplier: 100
    trading_class: SPXW
    short_call_delta: 0.10
    short_put_delta: -0.10
    width: 20
    retry_interval_min: 1
    trade_start_time: "09:30"
    trade_end_time: "16:00"
    max_capital: 10000
    profit_target: 0.2
    stop_loss: 0.15
    price_increment: 0.05
    greeks_timeout: 5s
`

func writeConfig(t *testing.T) (path, journalDir string) {
	t.Helper()
	dir := t.TempDir()
	journalDir = filepath.Join(dir, "journals")
	path = filepath.Join(dir, "config.yaml")
	body := strings.ReplaceAll(testConfig, "{{JOURNAL}}", journalDir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, journalDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "condor dev")
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "export")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestExport(t *testing.T) {
	cfgPath, journalDir := writeConfig(t)

	j := storage.NewDirectory(journalDir)
	pos := models.NewPosition("p-1", "spx_0dte", "SPX", "20250314", models.SpreadLegs{
		ShortCall: decimal.NewFromInt(5850), LongCall: decimal.NewFromInt(5870),
		ShortPut: decimal.NewFromInt(5750), LongPut: decimal.NewFromInt(5730),
	}, 1, 100)
	pos.EntryPrice = decimal.RequireFromString("4.00")
	require.NoError(t, j.Record(context.Background(), pos.ClosedRecord(decimal.RequireFromString("3.20"), time.Now())))
	require.NoError(t, j.Close())

	outDir := filepath.Join(t.TempDir(), "csv")
	out, err := execute(t, "--config", cfgPath, "--json", "export", "--out", outDir, "--prefix", "SPX")
	require.NoError(t, err)

	var files []string
	require.NoError(t, json.Unmarshal([]byte(out), &files))
	require.Equal(t, []string{filepath.Join(outDir, "SPX_spx_0dte.csv")}, files)

	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "WIN")
	assert.Contains(t, string(raw), "80.00")
}

func TestExport_EmptyJournalDir(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := execute(t, "--config", cfgPath, "export", "--out", t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestScan_PaperVenue(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := execute(t, "--config", cfgPath, "--json", "scan")
	require.NoError(t, err)

	var readings []readingView
	require.NoError(t, json.Unmarshal([]byte(out), &readings))
	require.Len(t, readings, 2)
	for _, r := range readings {
		assert.Empty(t, r.Error)
		assert.GreaterOrEqual(t, r.RSI, 0.0)
		assert.LessOrEqual(t, r.RSI, 100.0)
	}
}

func TestScan_NoSymbols(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	body, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	body = []byte(strings.Replace(string(body), "symbols: [SPY, QQQ]", "symbols: []", 1))
	require.NoError(t, os.WriteFile(cfgPath, body, 0o600))

	_, err = execute(t, "--config", cfgPath, "scan")
	assert.ErrorContains(t, err, "no symbols")
}

func TestExpectedMove_PaperVenue(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	csvPath := filepath.Join(t.TempDir(), "moves", "spx.csv")
	out, err := execute(t, "--config", cfgPath, "--json", "expected-move", "--out", csvPath)
	require.NoError(t, err)

	var summary struct {
		File string `json:"file"`
		Days int    `json:"days"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, csvPath, summary.File)
	assert.Greater(t, summary.Days, 250)

	body, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, summary.Days+1)
	assert.Equal(t, "date,close,IV,Expected_Move,SPX_Low,SPX_High", lines[0])
	assert.Len(t, strings.Split(lines[1], ","), 6)
}

func TestExpectedMove_SymbolArgument(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	csvPath := filepath.Join(t.TempDir(), "qqq.csv")
	out, err := execute(t, "--config", cfgPath, "expected-move", "qqq", "-o", csvPath)
	require.NoError(t, err)
	assert.Contains(t, out, "QQQ ")
	assert.Contains(t, out, "wrote ")

	body, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "date,close,IV,Expected_Move,QQQ_Low,QQQ_High\n"))
}

func TestStrikes_PaperVenue(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := execute(t, "--config", cfgPath, "--json", "strikes", "--chain")
	require.NoError(t, err)

	var previews []previewView
	require.NoError(t, json.Unmarshal([]byte(out), &previews))
	require.Len(t, previews, 1)
	p := previews[0]
	assert.Equal(t, "spx_0dte", p.Strategy)
	assert.Equal(t, "5800.00", p.Spot)
	assert.Len(t, p.Legs, 4)
	assert.Positive(t, p.Contracts)
	assert.NotEmpty(t, p.Candidates)
}

func TestStrikes_UnknownStrategy(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := execute(t, "--config", cfgPath, "strikes", "nope")
	assert.ErrorContains(t, err, `strategy "nope" is not defined`)
}

func TestPrintResults(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	require.NoError(t, printResults(root, false, nil))
	assert.Contains(t, out.String(), "STRATEGY")
}
