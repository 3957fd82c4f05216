package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/scanner"
	"github.com/spf13/cobra"
)

func newExpectedMoveCmd(a *app) *cobra.Command {
	var years int
	var out string
	cmd := &cobra.Command{
		Use:   "expected-move [symbol]",
		Short: "Write the daily IV-implied expected move of a symbol to CSV",
		Long: `Expected-move pairs daily closes with implied volatility history and
computes close * IV * sqrt(1/365) with the band around each close. The
symbol defaults to the first active strategy's underlying.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol := ""
			if len(args) == 1 {
				symbol = strings.ToUpper(args[0])
			} else if active := a.cfg.Active(); len(active) > 0 {
				symbol = active[0].Symbol
			}
			if symbol == "" {
				return fmt.Errorf("no symbol: pass one or configure an active strategy")
			}
			if out == "" {
				out = symbol + "_with_IV_ExpectedMove.csv"
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

			moves, err := scanner.New(venue.(broker.HistoryProvider), a.log, nil).ExpectedMove(cmd.Context(), symbol, years)
			if err != nil {
				return err
			}
			if err := writeMovesFile(out, symbol, moves); err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"file": out, "days": len(moves), "latest": moves[len(moves)-1]})
			}
			last := moves[len(moves)-1]
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s close %s IV %s%% expected move %s (%s - %s)\n",
				symbol, last.Date.Format("2006-01-02"), last.Close.StringFixed(2), last.IV.StringFixed(2),
				last.Expected.StringFixed(2), last.Low.StringFixed(2), last.High.StringFixed(2))
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d days to %s\n", len(moves), out)
			return nil
		},
	}
	cmd.Flags().IntVar(&years, "years", 1, "years of history")
	cmd.Flags().StringVarP(&out, "out", "o", "", "CSV path (default <SYMBOL>_with_IV_ExpectedMove.csv)")
	return cmd
}

func writeMovesFile(path, symbol string, moves []scanner.Move) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	f, err := os.Create(path) // #nosec G304 -- operator-supplied output path
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return scanner.WriteMovesCSV(f, symbol, moves)
}
