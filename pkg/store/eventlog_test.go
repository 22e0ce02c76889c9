package store

import (
	"os"
	"testing"
	"time"
)

func newTestEventLog(t *testing.T) (*EventLog, *BlobStore) {
	t.Helper()
	b := newTestBlobStore(t)
	l := NewEventLog(b, nil)
	t.Cleanup(func() { _ = l.Close() })
	return l, b
}

func appendRecord(t *testing.T, l *EventLog, recordType RecordType, instanceID string) {
	t.Helper()
	err := l.Append(EventRecord{
		Type:       recordType,
		InstanceID: instanceID,
		TenantID:   "tenant-a",
		Kind:       "SmartDoor",
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func TestAppendAndListPreserveOrder(t *testing.T) {
	l, _ := newTestEventLog(t)

	appendRecord(t, l, RecordCreated, "door-1")
	for i := 0; i < 4; i++ {
		appendRecord(t, l, RecordTransition, "door-1")
	}

	records, err := l.List("tenant-a", "SmartDoor", "door-1", ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	if records[0].Type != RecordCreated {
		t.Errorf("first record must be created, got %s", records[0].Type)
	}
	for _, rec := range records[1:] {
		if rec.Type != RecordTransition {
			t.Errorf("expected transition, got %s", rec.Type)
		}
	}
}

func TestListLimitAndSince(t *testing.T) {
	l, _ := newTestEventLog(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		err := l.Append(EventRecord{
			TS:         base.Add(time.Duration(i) * time.Minute),
			Type:       RecordTransition,
			InstanceID: "door-1",
			TenantID:   "tenant-a",
			Kind:       "SmartDoor",
		})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	records, err := l.List("tenant-a", "SmartDoor", "door-1", ListOptions{Limit: 3})
	if err != nil || len(records) != 3 {
		t.Fatalf("limit: got %d records, err %v", len(records), err)
	}

	records, err = l.List("tenant-a", "SmartDoor", "door-1", ListOptions{SinceTS: base.Add(7 * time.Minute)})
	if err != nil || len(records) != 2 {
		t.Fatalf("since: got %d records, err %v", len(records), err)
	}
}

func TestListMissingLog(t *testing.T) {
	l, _ := newTestEventLog(t)
	records, err := l.List("tenant-a", "SmartDoor", "ghost", ListOptions{})
	if err != nil {
		t.Fatalf("missing log must not error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestTornTrailingLineIsSkipped(t *testing.T) {
	l, b := newTestEventLog(t)
	appendRecord(t, l, RecordCreated, "door-1")
	appendRecord(t, l, RecordTransition, "door-1")
	if err := l.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	// Simulate a crash mid-append.
	path := b.EventLogPath("tenant-a", "SmartDoor", "door-1")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := f.WriteString(`{"ts":"2026-01-01T00:00:00Z","type":"trans`); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = f.Close()

	records, err := l.List("tenant-a", "SmartDoor", "door-1", ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected the torn line to be skipped, got %d records", len(records))
	}
}

func TestDeleteRemovesLog(t *testing.T) {
	l, b := newTestEventLog(t)
	appendRecord(t, l, RecordCreated, "door-1")

	if err := l.Delete("tenant-a", "SmartDoor", "door-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if b.Exists(b.EventLogPath("tenant-a", "SmartDoor", "door-1")) {
		t.Error("log file still present after delete")
	}

	// The log stays usable after a delete.
	appendRecord(t, l, RecordCreated, "door-1")
	records, err := l.List("tenant-a", "SmartDoor", "door-1", ListOptions{})
	if err != nil || len(records) != 1 {
		t.Fatalf("append after delete: got %d records, err %v", len(records), err)
	}
}

func TestPruneRemovesStaleFiles(t *testing.T) {
	l, b := newTestEventLog(t)

	err := l.Append(EventRecord{
		TS:         time.Now().UTC().AddDate(0, 0, -30),
		Type:       RecordDestroyed,
		InstanceID: "old-door",
		TenantID:   "tenant-a",
		Kind:       "SmartDoor",
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	appendRecord(t, l, RecordCreated, "fresh-door")
	if err := l.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	pruned, err := l.Prune("tenant-a", 7)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned file, got %d", pruned)
	}
	if b.Exists(b.EventLogPath("tenant-a", "SmartDoor", "old-door")) {
		t.Error("stale log survived the prune")
	}
	if !b.Exists(b.EventLogPath("tenant-a", "SmartDoor", "fresh-door")) {
		t.Error("fresh log was pruned")
	}
}

func TestPruneRejectsBadRetention(t *testing.T) {
	l, _ := newTestEventLog(t)
	if _, err := l.Prune("tenant-a", 0); err == nil {
		t.Error("keep_days below 1 must be rejected")
	}
}

func TestStatsCountAppends(t *testing.T) {
	l, _ := newTestEventLog(t)
	appendRecord(t, l, RecordCreated, "door-1")
	appendRecord(t, l, RecordTransition, "door-1")

	stats := l.Stats()
	if stats.AppendedRecords != 2 {
		t.Errorf("expected 2 appends, got %d", stats.AppendedRecords)
	}
	if stats.WrittenBytes == 0 {
		t.Error("expected written bytes to be counted")
	}
}
