package usage

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"pdfcast/internal/config"
	"pdfcast/internal/models"
	"pdfcast/internal/storage"

	sq "github.com/Masterminds/squirrel"
)

var fixedNow = time.Date(2024, time.March, 10, 15, 4, 5, 0, time.UTC)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := NewLedger(openTestDB(t), "sqlite3",
		WithLocation(time.UTC),
		WithClock(func() time.Time { return fixedNow }),
	)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func daysAgo(n int) time.Time {
	return fixedNow.AddDate(0, 0, -n)
}

func TestConcurrentAccumulateSameDay(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ledger.Accumulate(ctx, fixedNow, 100, 50)
		}()
	}
	wg.Wait()

	rec, err := ledger.Today(ctx)
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	if rec.InputUnits != 200 || rec.OutputUnits != 100 || rec.TotalUnits != 300 {
		t.Fatalf("unexpected totals: %+v", rec)
	}
}

func TestAccumulateManyWritersKeepsTotalsConsistent(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	const writers = 25
	var wg sync.WaitGroup
	var wantIn, wantOut int64
	for i := 1; i <= writers; i++ {
		in, out := int64(i), int64(2*i)
		wantIn += in
		wantOut += out
		wg.Add(1)
		go func() {
			defer wg.Done()
			ledger.Accumulate(ctx, fixedNow, in, out)
		}()
	}
	wg.Wait()

	rec, ok, err := ledger.RecordFor(ctx, fixedNow)
	if err != nil || !ok {
		t.Fatalf("record for today: ok=%v err=%v", ok, err)
	}
	if rec.InputUnits != wantIn || rec.OutputUnits != wantOut {
		t.Fatalf("got %+v, want input=%d output=%d", rec, wantIn, wantOut)
	}
	if rec.TotalUnits != rec.InputUnits+rec.OutputUnits {
		t.Fatalf("total %d != input+output %d", rec.TotalUnits, rec.InputUnits+rec.OutputUnits)
	}
}

func TestAccumulateZeroLeavesRecordUnchanged(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	ledger.Accumulate(ctx, fixedNow, 7, 3)
	ledger.Accumulate(ctx, fixedNow, 0, 0)
	ledger.Accumulate(ctx, fixedNow, -5, -5)

	rec, _, err := ledger.RecordFor(ctx, fixedNow)
	if err != nil {
		t.Fatalf("record for: %v", err)
	}
	if rec.InputUnits != 7 || rec.OutputUnits != 3 || rec.TotalUnits != 10 {
		t.Fatalf("zero accumulation changed totals: %+v", rec)
	}

	ledger.Accumulate(ctx, daysAgo(1), 0, 0)
	if _, ok, _ := ledger.RecordFor(ctx, daysAgo(1)); ok {
		t.Fatalf("zero accumulation created a record")
	}
}

func TestTodayIsZeroWhenAbsent(t *testing.T) {
	ledger := newTestLedger(t)
	rec, err := ledger.Today(context.Background())
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	want := models.UsageRecord{Date: "2024-03-10"}
	if rec != want {
		t.Fatalf("today = %+v, want %+v", rec, want)
	}
}

func TestHistoryWindowAndOrder(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	for _, n := range []int{8, 0, 7, 3, 1} {
		ledger.Accumulate(ctx, daysAgo(n), int64(n+1), 1)
	}

	history, err := ledger.History(ctx, 7)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantDates := []string{"2024-03-10", "2024-03-09", "2024-03-07", "2024-03-03"}
	if len(history) != len(wantDates) {
		t.Fatalf("history = %+v, want dates %v", history, wantDates)
	}
	for i, rec := range history {
		if rec.Date != wantDates[i] {
			t.Fatalf("history[%d].Date = %s, want %s", i, rec.Date, wantDates[i])
		}
	}
}

func TestHistoryZeroWindow(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	history, err := ledger.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %+v", history)
	}

	ledger.Accumulate(ctx, daysAgo(1), 5, 5)
	ledger.Accumulate(ctx, fixedNow, 1, 2)
	history, err = ledger.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Date != "2024-03-10" || history[0].TotalUnits != 3 {
		t.Fatalf("history(0) = %+v", history)
	}
}

func TestDayBoundaryFollowsLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	ledger, err := NewLedger(openTestDB(t), "sqlite", WithLocation(tokyo))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	// 20:00 UTC on the 10th is already the 11th in Tokyo.
	at := time.Date(2024, time.March, 10, 20, 0, 0, 0, time.UTC)
	ledger.Accumulate(context.Background(), at, 1, 1)
	if _, ok, _ := ledger.RecordFor(context.Background(), time.Date(2024, time.March, 11, 1, 0, 0, 0, tokyo)); !ok {
		t.Fatalf("expected record keyed on the local day")
	}
}

func TestAccumulateSwallowsStorageFailure(t *testing.T) {
	db := openTestDB(t)
	ledger, err := NewLedger(db, "sqlite3", WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	db.Close()

	// must not panic or surface anything
	ledger.Accumulate(context.Background(), fixedNow, 10, 10)

	_, err = ledger.Today(context.Background())
	var ioErr *models.LedgerIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected LedgerIOError from closed database, got %v", err)
	}
}

func TestUpsertSQLPerDriver(t *testing.T) {
	db := openTestDB(t)
	for _, tc := range []struct {
		driver      string
		wantSnippet string
		placeholder string
	}{
		{"sqlite3", "ON CONFLICT (usage_date)", "?"},
		{"postgres", "ON CONFLICT (usage_date)", "$1"},
		{"mysql", "ON DUPLICATE KEY UPDATE", "?"},
	} {
		ledger, err := NewLedger(db, tc.driver)
		if err != nil {
			t.Fatalf("new ledger %s: %v", tc.driver, err)
		}
		query, args, err := ledger.upsert("2024-03-10", 1, 2).ToSql()
		if err != nil {
			t.Fatalf("%s: build: %v", tc.driver, err)
		}
		if !strings.Contains(query, tc.wantSnippet) || !strings.Contains(query, tc.placeholder) {
			t.Errorf("%s: unexpected query %q", tc.driver, query)
		}
		if len(args) != 4 || args[3] != int64(3) {
			t.Errorf("%s: unexpected args %v", tc.driver, args)
		}
	}

	pg, err := NewLedger(db, "postgres")
	if err != nil {
		t.Fatalf("new postgres ledger: %v", err)
	}
	query, _, err := pg.selectRecords().Where(sq.Eq{"usage_date": "2024-03-10"}).ToSql()
	if err != nil {
		t.Fatalf("postgres select: %v", err)
	}
	if !strings.Contains(query, "usage_date = $1") || strings.Contains(query, "?") {
		t.Fatalf("postgres select uses wrong placeholders: %q", query)
	}
}

func TestHistoryHugeWindowIsClamped(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	ledger.Accumulate(ctx, fixedNow, 1, 1)
	ledger.Accumulate(ctx, daysAgo(MaxWindowDays+5), 1, 1)

	history, err := ledger.History(ctx, math.MaxInt)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Date != "2024-03-10" {
		t.Fatalf("history(MaxInt) = %+v", history)
	}
}

func TestRecordUsesLedgerClock(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	ledger.Record(ctx, 4, 6)

	rec, ok, err := ledger.RecordFor(ctx, fixedNow)
	if err != nil || !ok {
		t.Fatalf("record for pinned day: ok=%v err=%v", ok, err)
	}
	if rec.TotalUnits != 10 {
		t.Fatalf("total = %d, want 10", rec.TotalUnits)
	}
}
