package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/navigatorhq/navigator/pkg/telemetry"
)

// RecordType classifies a lifecycle record.
type RecordType string

const (
	RecordCreated            RecordType = "created"
	RecordTransition         RecordType = "transition"
	RecordDestroyed          RecordType = "destroyed"
	RecordEffectStarted      RecordType = "effect_started"
	RecordEffectCompleted    RecordType = "effect_completed"
	RecordEffectFailed       RecordType = "effect_failed"
	RecordBroadcastDelivered RecordType = "broadcast_delivered"
)

// EventRecord is one newline-delimited JSON record in an instance's log.
type EventRecord struct {
	TS         time.Time              `json:"ts"`
	Type       RecordType             `json:"type"`
	InstanceID string                 `json:"instance_id"`
	TenantID   string                 `json:"tenant_id"`
	Kind       string                 `json:"kind"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// ListOptions filters a log read.
type ListOptions struct {
	// Limit caps the number of returned records; 0 means no cap.
	Limit int
	// SinceTS drops records at or before this instant when non-zero.
	SinceTS time.Time
}

// EventLogStats exposes basic operational counters.
type EventLogStats struct {
	AppendedRecords int64
	WrittenBytes    int64
}

// EventLog is the append-only per-instance stream of lifecycle records.
// One JSONL file per instance; a partial trailing line (torn write) is
// skipped on read.
type EventLog struct {
	blobs *BlobStore
	tel   *telemetry.Telemetry

	mu    sync.Mutex
	files map[string]*os.File

	appendedRecords int64
	writtenBytes    int64
}

// NewEventLog creates an event log over the blob store's layout.
func NewEventLog(blobs *BlobStore, tel *telemetry.Telemetry) *EventLog {
	return &EventLog{
		blobs: blobs,
		tel:   tel,
		files: make(map[string]*os.File),
	}
}

// Append writes one record. The write is crash-safe but fsync-optional:
// a torn trailing line is tolerated by List.
func (l *EventLog) Append(rec EventRecord) error {
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}
	data = append(data, '\n')

	path := l.blobs.EventLogPath(rec.TenantID, rec.Kind, rec.InstanceID)

	l.mu.Lock()
	f, err := l.openLocked(path)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	_, err = f.Write(data)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to append event record: %w", err)
	}

	atomic.AddInt64(&l.appendedRecords, 1)
	atomic.AddInt64(&l.writtenBytes, int64(len(data)))

	if l.tel != nil {
		l.tel.EmitEventStoreAppend(string(rec.Type), rec.InstanceID, rec.TenantID, len(data))
	}
	return nil
}

func (l *EventLog) openLocked(path string) (*os.File, error) {
	if f, ok := l.files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	l.files[path] = f
	return f, nil
}

// List reads an instance's records in append order.
func (l *EventLog) List(tenantID, kind, instanceID string, opts ListOptions) ([]EventRecord, error) {
	path := l.blobs.EventLogPath(tenantID, kind, instanceID)
	return readRecords(path, opts)
}

func readRecords(path string, opts ListOptions) ([]EventRecord, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var out []EventRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec EventRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn trailing write; records after it are unreachable anyway.
			break
		}
		if !opts.SinceTS.IsZero() && !rec.TS.After(opts.SinceTS) {
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("failed to scan event log: %w", err)
	}
	return out, nil
}

// Delete removes an instance's log file.
func (l *EventLog) Delete(tenantID, kind, instanceID string) error {
	path := l.blobs.EventLogPath(tenantID, kind, instanceID)

	l.mu.Lock()
	if f, ok := l.files[path]; ok {
		_ = f.Close()
		delete(l.files, path)
	}
	l.mu.Unlock()

	return l.blobs.Delete(path)
}

// Prune deletes log files for a tenant whose last record is older than
// keepDays. Retention is per file, not per record.
func (l *EventLog) Prune(tenantID string, keepDays int) (int, error) {
	if keepDays < 1 {
		return 0, fmt.Errorf("keep_days must be >= 1")
	}
	horizon := time.Now().AddDate(0, 0, -keepDays)
	eventsDir := filepath.Join(l.blobs.TenantsDir(), tenantID, "events")

	pruned := 0
	err := filepath.WalkDir(eventsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		recs, err := readRecords(path, ListOptions{})
		if err != nil {
			return err
		}
		if len(recs) == 0 || recs[len(recs)-1].TS.Before(horizon) {
			l.mu.Lock()
			if f, ok := l.files[path]; ok {
				_ = f.Close()
				delete(l.files, path)
			}
			l.mu.Unlock()
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return pruned, fmt.Errorf("prune failed: %w", err)
	}
	return pruned, nil
}

// Stats returns append counters.
func (l *EventLog) Stats() EventLogStats {
	return EventLogStats{
		AppendedRecords: atomic.LoadInt64(&l.appendedRecords),
		WrittenBytes:    atomic.LoadInt64(&l.writtenBytes),
	}
}

// Sync flushes all open log files to disk.
func (l *EventLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.files {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all open log files.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for path, f := range l.files {
		_ = f.Close()
		delete(l.files, path)
	}
	return nil
}
