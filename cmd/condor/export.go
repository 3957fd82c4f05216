package main

import (
	"fmt"

	"github.com/eddiefleurent/scranton_condor/internal/storage"
	"github.com/spf13/cobra"
)

func newExportCmd(a *app) *cobra.Command {
	var outDir, prefix, journalDir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every strategy journal table to CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := journalDir
			if dir == "" {
				dir = a.cfg.Journal.Dir
			}
			journal := storage.NewDirectory(dir)
			defer journal.Close()

			files, err := storage.ExportCSV(cmd.Context(), journal, outDir, prefix)
			if err != nil {
				return fmt.Errorf("export journals in %s: %w", dir, err)
			}
			a.log.WithField("files", len(files)).Info("Journal export complete")
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), files)
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "exports", "directory CSV files are written to")
	cmd.Flags().StringVar(&prefix, "prefix", "", "file name prefix")
	cmd.Flags().StringVar(&journalDir, "journal-dir", "", "journal directory (default: journal.dir from config)")
	return cmd
}
