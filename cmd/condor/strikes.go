package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/eddiefleurent/scranton_condor/internal/config"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/eddiefleurent/scranton_condor/internal/runner"
	"github.com/eddiefleurent/scranton_condor/internal/storage"
	"github.com/spf13/cobra"
)

func newStrikesCmd(a *app) *cobra.Command {
	var showChain bool
	cmd := &cobra.Command{
		Use:   "strikes [strategy...]",
		Short: "Show the condor each strategy would select right now",
		Long: `Strikes connects to the venue and runs strike selection for the named
strategies (default: all active) without placing orders or writing the
journal. The trade window is ignored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := pickStrategies(a.cfg, args)
			if err != nil {
				return err
			}
			newVenue := venueFactory(a.cfg, a.log)

			var previews []*runner.Preview
			for i, s := range targets {
				b, err := newVenue(s)
				if err != nil {
					return err
				}
				settings := runner.SettingsFor(a.cfg, s, a.cfg.ClientIDBase+i)
				r := runner.New(settings, b, storage.NewMemoryRecorder(), nil, a.log.WithField("strategy", s.Name))
				p, err := r.Preview(cmd.Context())
				if err != nil {
					return fmt.Errorf("%s: %w", s.Name, err)
				}
				previews = append(previews, p)
			}
			return printPreviews(cmd, a.jsonOut, showChain, previews)
		},
	}
	cmd.Flags().BoolVar(&showChain, "chain", false, "also list every candidate strike near spot with its delta")
	return cmd
}

// pickStrategies resolves names against the config, defaulting to the
// active strategies.
func pickStrategies(cfg *config.Config, names []string) ([]config.NamedStrategy, error) {
	if len(names) == 0 {
		return cfg.Active(), nil
	}
	out := make([]config.NamedStrategy, 0, len(names))
	for _, n := range names {
		s, ok := cfg.Strategies[n]
		if !ok {
			return nil, fmt.Errorf("strategy %q is not defined", n)
		}
		out = append(out, config.NamedStrategy{Name: n, StrategyConfig: s})
	}
	return out, nil
}

type legView struct {
	Leg      string  `json:"leg"`
	Strike   string  `json:"strike"`
	Target   float64 `json:"target_delta,omitempty"`
	Observed float64 `json:"observed_delta,omitempty"`
	ByWidth  bool    `json:"by_width,omitempty"`
}

type candidateView struct {
	Strike string   `json:"strike"`
	Right  string   `json:"right"`
	Delta  *float64 `json:"delta"`
}

type previewView struct {
	Strategy   string          `json:"strategy"`
	Symbol     string          `json:"symbol"`
	Expiry     string          `json:"expiry"`
	Spot       string          `json:"spot"`
	Contracts  int             `json:"contracts"`
	RiskWidth  string          `json:"risk_width"`
	Legs       []legView       `json:"legs"`
	Warnings   []string        `json:"warnings,omitempty"`
	Candidates []candidateView `json:"candidates,omitempty"`
}

func printPreviews(cmd *cobra.Command, asJSON, showChain bool, previews []*runner.Preview) error {
	views := make([]previewView, 0, len(previews))
	for _, p := range previews {
		v := previewView{
			Strategy:  p.Strategy,
			Symbol:    p.Symbol,
			Expiry:    p.Expiry,
			Spot:      p.Spot.StringFixed(2),
			Contracts: p.Contracts,
			RiskWidth: p.RiskWidth.String(),
			Warnings:  p.Selection.Warnings,
		}
		for _, m := range p.Selection.Matches {
			v.Legs = append(v.Legs, legView{
				Leg: m.Leg, Strike: m.Strike.String(), Target: m.Target, Observed: m.Observed, ByWidth: m.ByWidth,
			})
		}
		if showChain {
			for _, right := range []models.Right{models.RightPut, models.RightCall} {
				for _, g := range p.Readings(right) {
					v.Candidates = append(v.Candidates, candidateView{Strike: g.Strike.String(), Right: string(g.Right), Delta: g.Delta})
				}
			}
		}
		views = append(views, v)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, views)
	}
	for _, v := range views {
		fmt.Fprintf(out, "%s  %s %s  spot %s  qty %d  width %s\n", v.Strategy, v.Symbol, v.Expiry, v.Spot, v.Contracts, v.RiskWidth)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  LEG\tSTRIKE\tTARGET\tDELTA")
		for _, l := range v.Legs {
			if l.ByWidth {
				fmt.Fprintf(tw, "  %s\t%s\twidth\t-\n", l.Leg, l.Strike)
				continue
			}
			fmt.Fprintf(tw, "  %s\t%s\t%+.2f\t%+.3f\n", l.Leg, l.Strike, l.Target, l.Observed)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, w := range v.Warnings {
			fmt.Fprintf(out, "  warning: %s\n", w)
		}
		if len(v.Candidates) > 0 {
			tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "  RIGHT\tSTRIKE\tDELTA")
			for _, c := range v.Candidates {
				delta := "-"
				if c.Delta != nil {
					delta = fmt.Sprintf("%+.3f", *c.Delta)
				}
				fmt.Fprintf(tw, "  %s\t%s\t%s\n", c.Right, c.Strike, delta)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}
