package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/scanner"
	"github.com/spf13/cobra"
)

func newScanCmd(a *app) *cobra.Command {
	var opts scanner.Options
	var onlyAbove bool
	cmd := &cobra.Command{
		Use:   "scan [symbol...]",
		Short: "Report the daily RSI of the watchlist",
		Long: `Scan computes the Wilder RSI of each symbol from venue daily bars and
flags symbols above the threshold. It never places orders. Symbols default
to scanner.symbols from the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := a.cfg.Scanner
			symbols := args
			if len(symbols) == 0 {
				symbols = sc.Symbols
			}
			if len(symbols) == 0 {
				return fmt.Errorf("no symbols to scan: pass symbols or set scanner.symbols")
			}
			if !cmd.Flags().Changed("period") {
				opts.Period = sc.Period
			}
			if !cmd.Flags().Changed("lookback") {
				opts.Lookback = sc.Lookback
			}
			if !cmd.Flags().Changed("threshold") {
				opts.Threshold = sc.Threshold
			}

			venue, err := historyVenue(a.cfg, a.log)
			if err != nil {
				return err
			}
			session := broker.Session{ClientID: a.cfg.ClientIDBase}
			if eps := a.cfg.Broker.Endpoints; len(eps) > 0 {
				session.Endpoint = eps[0]
			}
			if err := venue.Connect(cmd.Context(), session); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer venue.Close()

			readings, err := scanner.New(venue.(broker.HistoryProvider), a.log, nil).Scan(cmd.Context(), symbols, opts)
			if err != nil {
				return err
			}
			if onlyAbove {
				readings = scanner.Above(readings)
			}
			return printReadings(cmd, a.jsonOut, readings)
		},
	}
	cmd.Flags().IntVar(&opts.Period, "period", scanner.DefaultPeriod, "RSI period")
	cmd.Flags().IntVar(&opts.Lookback, "lookback", scanner.DefaultLookback, "calendar days of history")
	cmd.Flags().Float64Var(&opts.Threshold, "threshold", scanner.DefaultThreshold, "report symbols above this RSI")
	cmd.Flags().BoolVar(&onlyAbove, "above", false, "only list symbols above the threshold")
	return cmd
}

type readingView struct {
	Symbol    string  `json:"symbol"`
	RSI       float64 `json:"rsi,omitempty"`
	LastClose float64 `json:"last_close,omitempty"`
	AsOf      string  `json:"as_of,omitempty"`
	Above     bool    `json:"above_threshold"`
	Error     string  `json:"error,omitempty"`
}

func printReadings(cmd *cobra.Command, asJSON bool, readings []scanner.Reading) error {
	views := make([]readingView, 0, len(readings))
	for _, r := range readings {
		v := readingView{Symbol: r.Symbol, RSI: r.RSI, LastClose: r.LastClose, Above: r.Above}
		if !r.AsOf.IsZero() {
			v.AsOf = r.AsOf.Format("2006-01-02")
		}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		views = append(views, v)
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, views)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tRSI\tCLOSE\tAS OF\tSIGNAL")
	for _, v := range views {
		if v.Error != "" {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t%s\n", v.Symbol, v.Error)
			continue
		}
		signal := ""
		if v.Above {
			signal = "ABOVE"
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%s\t%s\n", v.Symbol, v.RSI, v.LastClose, v.AsOf, signal)
	}
	return tw.Flush()
}
