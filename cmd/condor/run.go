package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/dashboard"
	"github.com/eddiefleurent/scranton_condor/internal/runner"
	"github.com/eddiefleurent/scranton_condor/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const liveConfirmDelay = 10 * time.Second

func newRunCmd(a *app) *cobra.Command {
	var skipConfirm bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every active strategy for today's session",
		Long: `Run starts one worker per active strategy. Each worker connects with its
own client id, waits for its trade window, opens one condor and supervises
the exits. A failing worker never stops the others.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, cmd, skipConfirm)
		},
	}
	cmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "skip the live trading confirmation delay")
	return cmd
}

func (a *app) run(ctx context.Context, cmd *cobra.Command, skipConfirm bool) error {
	cfg, log := a.cfg, a.log
	log.WithFields(logrus.Fields{
		"mode": cfg.Environment.Mode, "provider": cfg.Broker.Provider, "strategies": cfg.StrategyNames(),
	}).Info("Starting condor engine")

	if cfg.IsPaperTrading() {
		log.Info("PAPER TRADING MODE - no real money at risk")
	} else {
		log.Warn("LIVE TRADING MODE - real money at risk")
		if !skipConfirm {
			log.Infof("Waiting %s to confirm...", liveConfirmDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(liveConfirmDelay):
			}
		}
	}

	journal := storage.NewDirectory(cfg.Journal.Dir)
	defer func() {
		if err := journal.Close(); err != nil {
			log.WithError(err).Warn("Closing journals")
		}
	}()

	registry := runner.NewRegistry()
	pool, err := runner.NewPool(cfg, venueFactory(cfg, log), journal, registry, a.logs.ForStrategy, log)
	if err != nil {
		return err
	}

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{Port: cfg.Dashboard.Port, AuthToken: cfg.Dashboard.Token}, journal, registry, log)
		go func() {
			if err := srv.Start(); err != nil {
				log.WithError(err).Error("Dashboard server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("Dashboard shutdown")
			}
		}()
	}

	results, runErr := pool.Run(ctx)
	if err := printResults(cmd, a.jsonOut, results); err != nil {
		return err
	}
	if runErr != nil && errors.Is(ctx.Err(), context.Canceled) {
		log.Info("Stopped by signal")
		return nil
	}
	return runErr
}

type resultView struct {
	Strategy string `json:"strategy"`
	Outcome  string `json:"outcome,omitempty"`
	PnL      string `json:"pnl,omitempty"`
	Error    string `json:"error,omitempty"`
}

func printResults(cmd *cobra.Command, asJSON bool, results []runner.Result) error {
	views := make([]resultView, 0, len(results))
	for _, r := range results {
		v := resultView{Strategy: r.Strategy}
		if r.Record != nil {
			v.Outcome = string(r.Record.Outcome)
			v.PnL = r.Record.PnL.StringFixed(2)
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
	fmt.Fprintln(tw, "STRATEGY\tOUTCOME\tPNL\tERROR")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Strategy, dash(v.Outcome), dash(v.PnL), v.Error)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
