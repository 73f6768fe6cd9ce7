package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pdfcast/internal/logging"
	"pdfcast/internal/models"
	"pdfcast/internal/storage"

	sq "github.com/Masterminds/squirrel"
)

const tableName = "token_usage"

// MaxWindowDays bounds history queries; larger windows are clamped.
const MaxWindowDays = 3660

// Ledger is the durable, date-keyed accumulator of inference consumption.
// It exclusively owns the token_usage rows.
type Ledger struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
	mu     sync.Mutex
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger

	// onWrite runs after every successful accumulation (report cache invalidation).
	onWrite func(ctx context.Context)
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLocation sets the timezone used to derive calendar days.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithClock overrides time.Now; tests pin "today" with it.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger used for swallowed ledger failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger wraps a migrated database. dbType is any alias storage.Normalize accepts.
func NewLedger(db *sql.DB, dbType string, opts ...Option) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("usage ledger requires a database")
	}
	driver, err := storage.Normalize(dbType)
	if err != nil {
		return nil, err
	}
	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == storage.DriverPostgres {
		placeholder = sq.Dollar
	}
	l := &Ledger{
		db:     db,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(placeholder),
		loc:    time.Local,
		now:    time.Now,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Location returns the timezone days are bucketed in.
func (l *Ledger) Location() *time.Location {
	return l.loc
}

// Accumulate adds the given units to day's record, creating it when absent.
// Failures are logged and swallowed: usage accounting never fails its caller.
func (l *Ledger) Accumulate(ctx context.Context, day time.Time, input, output int64) {
	if err := l.accumulate(ctx, models.DayKey(day, l.loc), input, output); err != nil {
		l.logger.Error("usage accumulate failed", "date", models.DayKey(day, l.loc), "err", err)
	}
}

// Record accumulates into the ledger clock's current day.
func (l *Ledger) Record(ctx context.Context, input, output int64) {
	l.Accumulate(ctx, l.now(), input, output)
}

func (l *Ledger) accumulate(ctx context.Context, date string, input, output int64) error {
	input = max(input, 0)
	output = max(output, 0)
	if input == 0 && output == 0 {
		return nil
	}

	query, args, err := l.upsert(date, input, output).ToSql()
	if err != nil {
		return &models.LedgerIOError{Op: "build upsert", Err: err}
	}

	l.mu.Lock()
	_, err = l.db.ExecContext(ctx, query, args...)
	l.mu.Unlock()
	if err != nil {
		return &models.LedgerIOError{Op: "upsert", Err: err}
	}
	if l.onWrite != nil {
		l.onWrite(ctx)
	}
	return nil
}

func (l *Ledger) upsert(date string, input, output int64) sq.InsertBuilder {
	insert := l.sb.Insert(tableName).
		Columns("usage_date", "input_units", "output_units", "total_units").
		Values(date, input, output, input+output)
	if l.driver == storage.DriverMySQL {
		return insert.Suffix(`ON DUPLICATE KEY UPDATE
			input_units = input_units + VALUES(input_units),
			output_units = output_units + VALUES(output_units),
			total_units = total_units + VALUES(total_units),
			updated_at = CURRENT_TIMESTAMP`)
	}
	return insert.Suffix(`ON CONFLICT (usage_date) DO UPDATE SET
		input_units = token_usage.input_units + EXCLUDED.input_units,
		output_units = token_usage.output_units + EXCLUDED.output_units,
		total_units = token_usage.total_units + EXCLUDED.total_units,
		updated_at = CURRENT_TIMESTAMP`)
}

// RecordFor returns day's record. ok is false when nothing was accumulated that day.
func (l *Ledger) RecordFor(ctx context.Context, day time.Time) (models.UsageRecord, bool, error) {
	date := models.DayKey(day, l.loc)
	query, args, err := l.selectRecords().Where(sq.Eq{"usage_date": date}).ToSql()
	if err != nil {
		return models.UsageRecord{}, false, &models.LedgerIOError{Op: "build select", Err: err}
	}
	var rec models.UsageRecord
	err = l.db.QueryRowContext(ctx, query, args...).Scan(&rec.Date, &rec.InputUnits, &rec.OutputUnits, &rec.TotalUnits)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UsageRecord{Date: date}, false, nil
	}
	if err != nil {
		return models.UsageRecord{}, false, &models.LedgerIOError{Op: "select record", Err: err}
	}
	return rec, true, nil
}

// Today returns today's record, zero-valued when no calls happened yet today.
func (l *Ledger) Today(ctx context.Context) (models.UsageRecord, error) {
	rec, _, err := l.RecordFor(ctx, l.now())
	return rec, err
}

// History returns the records dated within [today-windowDays, today], newest first.
func (l *Ledger) History(ctx context.Context, windowDays int) ([]models.UsageRecord, error) {
	windowDays = min(max(windowDays, 0), MaxWindowDays)
	today := l.now().In(l.loc)
	from := today.AddDate(0, 0, -windowDays).Format(models.DayLayout)
	to := today.Format(models.DayLayout)

	query, args, err := l.selectRecords().
		Where(sq.And{sq.GtOrEq{"usage_date": from}, sq.LtOrEq{"usage_date": to}}).
		OrderBy("usage_date DESC").
		ToSql()
	if err != nil {
		return nil, &models.LedgerIOError{Op: "build history", Err: err}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &models.LedgerIOError{Op: "query history", Err: err}
	}
	defer rows.Close()

	records := []models.UsageRecord{}
	for rows.Next() {
		var rec models.UsageRecord
		if err := rows.Scan(&rec.Date, &rec.InputUnits, &rec.OutputUnits, &rec.TotalUnits); err != nil {
			return nil, &models.LedgerIOError{Op: "scan history", Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.LedgerIOError{Op: "iterate history", Err: fmt.Errorf("rows: %w", err)}
	}
	return records, nil
}

func (l *Ledger) selectRecords() sq.SelectBuilder {
	return l.sb.Select("usage_date", "input_units", "output_units", "total_units").From(tableName)
}
