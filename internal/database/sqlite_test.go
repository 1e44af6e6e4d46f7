package database

import (
	"path/filepath"
	"testing"

	"github.com/caravelhq/caravel-sync/internal/storage"
)

func TestOpenSQLiteCreatesSchema(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "caravel.db"), nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	for _, model := range storage.Models() {
		if !db.Migrator().HasTable(model) {
			t.Fatalf("expected table for %T", model)
		}
	}
	if !db.Migrator().HasTable(&migrationRecord{}) {
		t.Fatalf("expected the migration bookkeeping table")
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caravel.db")

	if _, err := OpenSQLite(path, nil); err != nil {
		t.Fatalf("unexpected first open error: %v", err)
	}
	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected second open error: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Where("name = ?", migrationBackfillHistorySpace).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("a migration must be recorded exactly once, got %d", count)
	}
}

func TestBackfillHistorySpacePinsDefaultSpace(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "caravel.db"), nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	rows := []storage.HistoryRow{
		{EntryID: "entry-legacy", DeviceID: "device-b", SpaceID: "", SyncTimeSeconds: 100, Success: true},
		{EntryID: "entry-scoped", DeviceID: "device-b", SpaceID: "space-1", SyncTimeSeconds: 200, Success: true},
	}
	for i := range rows {
		if err := db.Create(&rows[i]).Error; err != nil {
			t.Fatalf("unexpected insert error: %v", err)
		}
	}

	if err := backfillHistorySpace(db); err != nil {
		t.Fatalf("unexpected backfill error: %v", err)
	}

	var legacy storage.HistoryRow
	if err := db.Where("entry_id = ?", "entry-legacy").Take(&legacy).Error; err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if legacy.SpaceID != "default" {
		t.Fatalf("expected the legacy row pinned to default, got %q", legacy.SpaceID)
	}

	var scoped storage.HistoryRow
	if err := db.Where("entry_id = ?", "entry-scoped").Take(&scoped).Error; err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if scoped.SpaceID != "space-1" {
		t.Fatalf("scoped rows must be left alone, got %q", scoped.SpaceID)
	}
}
