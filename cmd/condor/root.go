package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/eddiefleurent/scranton_condor/internal/config"
	"github.com/eddiefleurent/scranton_condor/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// app holds what every subcommand shares.
type app struct {
	configPath string
	debug      bool
	jsonOut    bool

	cfg  *config.Config
	logs *logging.Factory
	log  *logrus.Entry
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "condor",
		Short: "Iron condor strategy execution engine",
		Long: `condor opens iron condors on the configured underlyings inside a daily
trade window, walks the entry price toward the market and supervises the
profit-target and stop-loss exits until one fills.

Every concluded position is appended to a per-symbol SQLite journal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.logs != nil {
				return a.logs.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "path to configuration file")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output in JSON format")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRunCmd(a))
	root.AddCommand(newExportCmd(a))
	root.AddCommand(newStrikesCmd(a))
	root.AddCommand(newScanCmd(a))
	root.AddCommand(newExpectedMoveCmd(a))
	return root
}

func (a *app) init(stderr io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	lc := logging.Config{
		Level:      cfg.Logging.Level,
		Dir:        cfg.Logging.Dir,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		JSON:       cfg.Logging.JSON,
		Stdout:     stderr,
	}
	if a.debug {
		lc.Level = "debug"
	}
	logs, err := logging.NewFactory(lc)
	if err != nil {
		return err
	}
	a.logs = logs
	a.log = logs.Root()
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "condor %s\n", Version)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

