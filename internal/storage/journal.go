package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/models"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/shopspring/decimal"
)

// DateLayout is the format of the Date column.
const DateLayout = "2006-01-02 15:04:05"

// Columns is the fixed column order of every strategy table.
var Columns = []string{
	"Date", "Symbol", "Expiry", "Strategy", "Entry_Price", "Exit_Price", "PnL", "Result",
	"Short_Call", "Long_Call", "Short_Put", "Long_Put", "Reference_Price",
}

// fileLocks serializes appends to one journal file across every Journal
// value in the process.
var fileLocks sync.Map // map[string]*sync.Mutex

func lockFor(path string) *sync.Mutex {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	mu, _ := fileLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

const journalSuffix = "_journal.db"

// JournalPath is the journal file for symbol under dir.
func JournalPath(dir, symbol string) string {
	return filepath.Join(dir, sanitizeFileName(symbol)+journalSuffix)
}

// Journal is an append-only SQLite trade journal holding one table per
// strategy label.
type Journal struct {
	db     *sql.DB
	mu     *sync.Mutex
	path   string
	closed bool
	state  sync.Mutex
}

// OpenJournal opens (creating if needed) the journal file at path.
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return &Journal{db: db, mu: lockFor(path), path: path}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Close releases the database handle. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.state.Lock()
	defer j.state.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

func (j *Journal) isClosed() bool {
	j.state.Lock()
	defer j.state.Unlock()
	return j.closed
}

// Record appends rec to the table of its strategy, creating the table on
// first use.
func (j *Journal) Record(ctx context.Context, rec models.TradeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if j.isClosed() {
		return ErrClosed
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	table := quoteIdent(rec.Strategy)
	if _, err := tx.ExecContext(ctx, createTableSQL(table)); err != nil {
		return fmt.Errorf("create journal table %s: %w", rec.Strategy, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(Columns)), ",")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(Columns, ","), placeholders)
	if _, err := tx.ExecContext(ctx, insert, Row(rec)...); err != nil {
		return fmt.Errorf("append journal row: %w", err)
	}
	return tx.Commit()
}

// Strategies lists the strategy tables in the journal.
func (j *Journal) Strategies(ctx context.Context) ([]string, error) {
	if j.isClosed() {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list journal tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Records returns every row of a strategy table in append order.
func (j *Journal) Records(ctx context.Context, strategy string) ([]models.TradeRecord, error) {
	if j.isClosed() {
		return nil, ErrClosed
	}
	var exists int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?`, strategy).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("lookup journal table: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", strings.Join(Columns, ","), quoteIdent(strategy))
	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read journal table %s: %w", strategy, err)
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		fields := make([]string, len(Columns))
		ptrs := make([]any, len(fields))
		for i := range fields {
			ptrs[i] = &fields[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec, err := ParseRow(fields)
		if err != nil {
			return nil, fmt.Errorf("journal table %s: %w", strategy, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func createTableSQL(table string) string {
	cols := make([]string, 0, len(Columns)+1)
	cols = append(cols, "id INTEGER PRIMARY KEY AUTOINCREMENT")
	for _, c := range Columns {
		cols = append(cols, c+" TEXT NOT NULL")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(cols, ", "))
}

// Row renders rec in column order. Absent values are written as N/A.
func Row(rec models.TradeRecord) []any {
	legs := []string{models.NotAvailable, models.NotAvailable, models.NotAvailable, models.NotAvailable}
	if rec.Legs != nil {
		legs = []string{
			rec.Legs.ShortCall.String(), rec.Legs.LongCall.String(),
			rec.Legs.ShortPut.String(), rec.Legs.LongPut.String(),
		}
	}
	expiry := rec.Expiry
	if expiry == "" {
		expiry = models.NotAvailable
	}
	return []any{
		rec.Timestamp.Format(DateLayout),
		rec.Symbol,
		expiry,
		rec.Strategy,
		models.FormatNullable(rec.EntryPrice),
		models.FormatNullable(rec.ExitPrice),
		rec.PnL.StringFixed(2),
		string(rec.Outcome),
		legs[0], legs[1], legs[2], legs[3],
		models.FormatNullable(rec.ReferencePrice),
	}
}

// ParseRow is the inverse of Row.
func ParseRow(fields []string) (models.TradeRecord, error) {
	if len(fields) != len(Columns) {
		return models.TradeRecord{}, fmt.Errorf("expected %d columns, got %d", len(Columns), len(fields))
	}
	at, err := time.ParseInLocation(DateLayout, fields[0], time.Local)
	if err != nil {
		return models.TradeRecord{}, fmt.Errorf("bad Date %q: %w", fields[0], err)
	}
	rec := models.TradeRecord{
		Timestamp: at,
		Symbol:    fields[1],
		Strategy:  fields[3],
		Outcome:   models.Outcome(fields[7]),
	}
	if fields[2] != models.NotAvailable {
		rec.Expiry = fields[2]
	}

	var errs []error
	parse := func(name, s string) decimal.NullDecimal {
		if s == models.NotAvailable || s == "" {
			return decimal.NullDecimal{}
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("bad %s %q: %w", name, s, err))
			return decimal.NullDecimal{}
		}
		return decimal.NewNullDecimal(d)
	}
	rec.EntryPrice = parse("Entry_Price", fields[4])
	rec.ExitPrice = parse("Exit_Price", fields[5])
	rec.PnL = parse("PnL", fields[6]).Decimal
	sc := parse("Short_Call", fields[8])
	lc := parse("Long_Call", fields[9])
	sp := parse("Short_Put", fields[10])
	lp := parse("Long_Put", fields[11])
	rec.ReferencePrice = parse("Reference_Price", fields[12])
	if sc.Valid && lc.Valid && sp.Valid && lp.Valid {
		rec.Legs = &models.SpreadLegs{
			ShortCall: sc.Decimal, LongCall: lc.Decimal,
			ShortPut: sp.Decimal, LongPut: lp.Decimal,
		}
	}
	if len(errs) > 0 {
		return rec, errors.Join(errs...)
	}
	return rec, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sanitizeFileName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "journal"
	}
	return b.String()
}
