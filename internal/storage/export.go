package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// WriteCSV writes a header row followed by one row per record.
func WriteCSV(w io.Writer, records []models.TradeRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	row := make([]string, len(Columns))
	for _, rec := range records {
		for i, v := range Row(rec) {
			row[i] = fmt.Sprint(v)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSV writes <outDir>/<prefix>_<strategy>.csv for every strategy in
// r and returns the files written.
func ExportCSV(ctx context.Context, r Reader, outDir, prefix string) ([]string, error) {
	strategies, err := r.Strategies(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	var written []string
	for _, strategy := range strategies {
		records, err := r.Records(ctx, strategy)
		if err != nil {
			return written, err
		}
		name := sanitizeFileName(strategy) + ".csv"
		if prefix != "" {
			name = sanitizeFileName(prefix) + "_" + name
		}
		path := filepath.Join(outDir, name)
		if err := writeCSVFile(path, records); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func writeCSVFile(path string, records []models.TradeRecord) (err error) {
	f, err := os.Create(path) // #nosec G304 -- path is built from a sanitized name
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteCSV(f, records)
}
