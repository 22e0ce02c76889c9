// Package store is the hybrid storage substrate: an atomic JSON blob store,
// a per-instance append-only event log, and a sharded TTL cache with
// write-through persistence.
//
// Directory layout under the data root:
//
//	system/
//	  instances_index.json
//	  effects_metrics.json
//	tenants/{tenant_id}/
//	  workflows/{KindName}/{instance_id}.json
//	  events/{KindName}/{instance_id}.jsonl
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotExist reports a missing blob.
var ErrNotExist = errors.New("blob does not exist")

// BlobStore reads and writes JSON documents with atomic tmp+rename writes.
type BlobStore struct {
	root string
}

// NewBlobStore creates a blob store rooted at dir.
func NewBlobStore(dir string) (*BlobStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("data root is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}
	return &BlobStore{root: dir}, nil
}

// Root returns the data root directory.
func (b *BlobStore) Root() string {
	return b.root
}

// SnapshotPath returns the path of an instance snapshot.
func (b *BlobStore) SnapshotPath(tenantID, kind, instanceID string) string {
	return filepath.Join(b.root, "tenants", tenantID, "workflows", kind, instanceID+".json")
}

// EventLogPath returns the path of an instance event log.
func (b *BlobStore) EventLogPath(tenantID, kind, instanceID string) string {
	return filepath.Join(b.root, "tenants", tenantID, "events", kind, instanceID+".jsonl")
}

// SystemPath returns the path of a system file such as effects_metrics.json.
func (b *BlobStore) SystemPath(name string) string {
	return filepath.Join(b.root, "system", name)
}

// TenantsDir returns the directory holding all tenant trees.
func (b *BlobStore) TenantsDir() string {
	return filepath.Join(b.root, "tenants")
}

// WriteJSON marshals v and writes it to path atomically: the document goes to
// a tmp file in the target directory first and is renamed into place.
func (b *BlobStore) WriteJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal blob: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create tmp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write tmp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close tmp blob: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to publish blob: %w", err)
	}
	return nil
}

// ReadJSON reads path into v. Missing blobs return ErrNotExist.
func (b *BlobStore) ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path) // #nosec G304 -- paths are built from the store layout
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist
		}
		return fmt.Errorf("failed to read blob: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal blob %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (b *BlobStore) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Exists reports whether a blob is present.
func (b *BlobStore) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
