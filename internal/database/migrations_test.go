package database

import (
	"path/filepath"
	"testing"

	"github.com/gridbase/metasync/internal/meta"
)

func TestOpenSQLiteMigratesSchemaAndLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metasync.db")

	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("access sql db failed: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range meta.ReplicatedTables() {
		if !db.Migrator().HasTable(table.StorageName()) {
			t.Fatalf("expected table %q after migration", table.StorageName())
		}
	}
	if !db.Migrator().HasTable("meta_events") {
		t.Fatalf("expected event log table")
	}

	var records []migrationRecord
	if err := db.Find(&records).Error; err != nil {
		t.Fatalf("read migration ledger failed: %v", err)
	}
	if len(records) != 1 || records[0].Name != migrationBackfillEventTimestamps {
		t.Fatalf("unexpected migration ledger: %v", records)
	}

	// reopening must not reapply recorded migrations
	if _, err := OpenSQLite(path, nil); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := db.Find(&records).Error; err != nil {
		t.Fatalf("re-read migration ledger failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected single ledger row after reopen, got %d", len(records))
	}
}

func TestBackfillEventTimestampsStampsZeroRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metasync.db")
	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// 1754000000000 ms since the snowflake epoch => seconds since unix epoch
	record := meta.EventRecord{
		EventID:          1754000000000 << 22,
		WorkspaceID:      "ws1",
		BaseID:           "b1",
		Operation:        "META_INSERT",
		Target:           "models",
		PayloadJSON:      "{}",
		CreatedAtSeconds: 0,
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("seed event failed: %v", err)
	}

	if err := backfillEventTimestamps(db); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}

	var updated meta.EventRecord
	if err := db.Where("event_id = ?", record.EventID).Take(&updated).Error; err != nil {
		t.Fatalf("read event failed: %v", err)
	}
	expected := int64(1754000000000/1000 + 1288834974)
	if updated.CreatedAtSeconds != expected {
		t.Fatalf("expected backfilled timestamp %d, got %d", expected, updated.CreatedAtSeconds)
	}
}
