package store

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestBlobStore(t *testing.T) *BlobStore {
	t.Helper()
	b, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := newTestBlobStore(t)
	path := b.SnapshotPath("tenant-a", "SmartDoor", "door-1")

	in := map[string]interface{}{"id": "door-1", "current_state": "closed"}
	if err := b.WriteJSON(path, in); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var out map[string]interface{}
	if err := b.ReadJSON(path, &out); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if out["id"] != "door-1" || out["current_state"] != "closed" {
		t.Errorf("round trip lost fields: %v", out)
	}
}

func TestReadMissingBlob(t *testing.T) {
	b := newTestBlobStore(t)
	var out map[string]interface{}
	if err := b.ReadJSON(b.SystemPath("nope.json"), &out); err != ErrNotExist {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	b := newTestBlobStore(t)
	path := b.SystemPath("instances_index.json")
	if err := b.WriteJSON(path, map[string]int{"n": 1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(path) {
			t.Errorf("unexpected leftover file %s", e.Name())
		}
	}
}

func TestOverwriteIsAtomicReplacement(t *testing.T) {
	b := newTestBlobStore(t)
	path := b.SystemPath("counter.json")

	for i := 0; i < 5; i++ {
		if err := b.WriteJSON(path, map[string]int{"i": i}); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	var out map[string]int
	if err := b.ReadJSON(path, &out); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if out["i"] != 4 {
		t.Errorf("expected the last write to win, got %d", out["i"])
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	b := newTestBlobStore(t)
	path := b.SystemPath("gone.json")
	if err := b.WriteJSON(path, map[string]int{"x": 1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := b.Delete(path); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if b.Exists(path) {
		t.Error("blob still present after delete")
	}
	if err := b.Delete(path); err != nil {
		t.Errorf("second delete must be a no-op, got %v", err)
	}
}

func TestPathLayout(t *testing.T) {
	b := newTestBlobStore(t)
	root := b.Root()

	snap := b.SnapshotPath("t1", "K", "i1")
	want := filepath.Join(root, "tenants", "t1", "workflows", "K", "i1.json")
	if snap != want {
		t.Errorf("snapshot path %s, want %s", snap, want)
	}

	log := b.EventLogPath("t1", "K", "i1")
	want = filepath.Join(root, "tenants", "t1", "events", "K", "i1.jsonl")
	if log != want {
		t.Errorf("event log path %s, want %s", log, want)
	}
}
