package history

import (
	"testing"
	"time"

	"github.com/aristath/regime-engine/internal/database"
	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/internal/modules/allocation"
	"github.com/aristath/regime-engine/internal/modules/weights"
	"github.com/aristath/regime-engine/pkg/logger"
)

func newTestRecorder(t *testing.T) (*Recorder, *database.DB) {
	t.Helper()
	db, err := database.NewInMemory()
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return NewRecorder(db.Conn(), logger.New(logger.Config{Level: "error", Pretty: false})), db
}

func record(t *testing.T, r *Recorder, db *database.DB, rec *Record) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := r.RecordTx(tx, rec); err != nil {
		tx.Rollback()
		t.Fatalf("RecordTx failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestRecordAndList(t *testing.T) {
	r, db := newTestRecorder(t)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	before := &weights.Effective{Global: domain.WeightTriple{Conservative: 0.2, Balanced: 0.6, Aggressive: 0.2}}
	after := &weights.Effective{Global: domain.WeightTriple{Conservative: 0.8, Balanced: 0.2}}

	rec := NewTransitionRecord("cycle-1", domain.RegimeNormal, domain.RegimePanic,
		domain.IndicatorSnapshot{domain.IndicatorVIX: 32},
		before, after,
		allocation.Diff{Started: []int64{1}, Stopped: []int64{5}},
		domain.TriggerAuto, now)
	record(t, r, db, rec)

	records, err := r.List(10, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}

	got := records[0]
	if got.FromRegime != domain.RegimeNormal || got.ToRegime != domain.RegimePanic {
		t.Errorf("Expected normal→panic, got %s→%s", got.FromRegime, got.ToRegime)
	}
	if got.Snapshot[domain.IndicatorVIX] != 32 {
		t.Errorf("Expected snapshot vix 32, got %.1f", got.Snapshot[domain.IndicatorVIX])
	}
	if got.WeightsAfter.Global.Conservative != 0.8 {
		t.Error("Expected weights_after round-tripped")
	}
	if len(got.Started) != 1 || got.Started[0] != 1 {
		t.Errorf("Expected started [1], got %v", got.Started)
	}
	if len(got.Stopped) != 1 || got.Stopped[0] != 5 {
		t.Errorf("Expected stopped [5], got %v", got.Stopped)
	}
	if got.TriggerSource != domain.TriggerAuto {
		t.Errorf("Expected trigger auto, got %s", got.TriggerSource)
	}
	if got.ID == "" {
		t.Error("Expected generated record id")
	}
}

func TestListNewestFirstWithPagination(t *testing.T) {
	r, db := newTestRecorder(t)
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := NewTransitionRecord("cycle", domain.RegimeNormal, domain.RegimePanic,
			nil, nil, nil, allocation.Diff{}, domain.TriggerAuto,
			base.Add(time.Duration(i)*time.Minute))
		record(t, r, db, rec)
	}

	page, err := r.List(2, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(page))
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Error("Expected newest first ordering")
	}

	rest, err := r.List(10, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("Expected 3 remaining records, got %d", len(rest))
	}

	total, err := r.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if total != 5 {
		t.Errorf("Expected count 5, got %d", total)
	}
}

func TestListCapsLimit(t *testing.T) {
	r, _ := newTestRecorder(t)

	if _, err := r.List(10000, 0); err != nil {
		t.Fatalf("List with oversized limit failed: %v", err)
	}
	if _, err := r.List(-1, -5); err != nil {
		t.Fatalf("List with negative paging failed: %v", err)
	}
}
