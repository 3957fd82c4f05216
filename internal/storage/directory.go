package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// Directory routes records to one journal file per symbol under a
// directory, opening each file on first use.
type Directory struct {
	mu       sync.Mutex
	dir      string
	journals map[string]*Journal
}

// NewDirectory returns a recorder writing <dir>/<symbol>_journal.db files.
func NewDirectory(dir string) *Directory {
	return &Directory{dir: dir, journals: make(map[string]*Journal)}
}

// Journal returns the journal for symbol, opening it if needed.
func (d *Directory) Journal(symbol string) (*Journal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.journals == nil {
		return nil, ErrClosed
	}
	if j, ok := d.journals[symbol]; ok {
		return j, nil
	}
	j, err := OpenJournal(JournalPath(d.dir, symbol))
	if err != nil {
		return nil, err
	}
	d.journals[symbol] = j
	return j, nil
}

// Record appends rec to the journal of its symbol.
func (d *Directory) Record(ctx context.Context, rec models.TradeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	j, err := d.Journal(rec.Symbol)
	if err != nil {
		return err
	}
	return j.Record(ctx, rec)
}

// Symbols lists the symbols that have a journal file in the directory.
func (d *Directory) Symbols() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.dir, "*"+journalSuffix))
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(matches))
	for _, m := range matches {
		symbols = append(symbols, strings.TrimSuffix(filepath.Base(m), journalSuffix))
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (d *Directory) existing() ([]*Journal, error) {
	if _, err := os.Stat(d.dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	symbols, err := d.Symbols()
	if err != nil {
		return nil, err
	}
	journals := make([]*Journal, 0, len(symbols))
	for _, sym := range symbols {
		j, err := d.Journal(sym)
		if err != nil {
			return nil, fmt.Errorf("open journal %s: %w", sym, err)
		}
		journals = append(journals, j)
	}
	return journals, nil
}

// Strategies lists strategy labels across every journal in the directory.
func (d *Directory) Strategies(ctx context.Context) ([]string, error) {
	journals, err := d.existing()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, j := range journals {
		names, err := j.Strategies(ctx)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Records returns a strategy's rows from every journal holding its table,
// journal by journal in symbol order.
func (d *Directory) Records(ctx context.Context, strategy string) ([]models.TradeRecord, error) {
	journals, err := d.existing()
	if err != nil {
		return nil, err
	}
	var out []models.TradeRecord
	found := false
	for _, j := range journals {
		recs, err := j.Records(ctx, strategy)
		if errors.Is(err, ErrUnknownStrategy) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		out = append(out, recs...)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
	return out, nil
}

// Close closes every opened journal.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, j := range d.journals {
		errs = append(errs, j.Close())
	}
	d.journals = nil
	return errors.Join(errs...)
}
