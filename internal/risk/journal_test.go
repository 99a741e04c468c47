package risk

import (
	"path/filepath"
	"testing"

	"trading-aggregator/pkg/db"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "risk.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewJournal(store)
}

func TestJournalAccumulatesDay(t *testing.T) {
	j := newTestJournal(t)
	day := "2025-06-02"

	if err := j.RecordDecision(day, true, 0); err != nil {
		t.Fatalf("decision: %v", err)
	}
	if err := j.RecordDecision(day, false, 2); err != nil {
		t.Fatalf("decision: %v", err)
	}
	if err := j.RecordFill(day, -150); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := j.RecordFill(day, 400); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := j.RecordDrawdown(day, 75); err != nil {
		t.Fatalf("drawdown: %v", err)
	}
	if err := j.RecordDrawdown(day, 50); err != nil {
		t.Fatalf("drawdown: %v", err)
	}

	s, err := j.Day(day)
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	if s.OrdersAccepted != 1 || s.OrdersRejected != 1 || s.Violations != 2 {
		t.Fatalf("decision tallies = %+v", s)
	}
	if s.DailyPnL != 250 || s.DailyLoss != 150 || s.DailyProfit != 400 {
		t.Fatalf("pnl tallies = %+v", s)
	}
	if s.MaxDrawdown != 75 {
		t.Fatalf("maxDrawdown = %v, want 75 (smaller later value must not shrink it)", s.MaxDrawdown)
	}
}

func TestJournalEmptyDayReadsZero(t *testing.T) {
	j := newTestJournal(t)
	s, err := j.Day("2025-01-01")
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	if s.OrdersAccepted != 0 || s.DailyPnL != 0 {
		t.Fatalf("empty day should be zeroes: %+v", s)
	}
}

func TestJournalRecentNewestFirst(t *testing.T) {
	j := newTestJournal(t)
	for _, day := range []string{"2025-06-01", "2025-06-03", "2025-06-02"} {
		if err := j.RecordDecision(day, true, 0); err != nil {
			t.Fatalf("decision: %v", err)
		}
	}
	rows, err := j.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 || rows[0].Date != "2025-06-03" || rows[1].Date != "2025-06-02" {
		t.Fatalf("recent = %+v", rows)
	}
}
