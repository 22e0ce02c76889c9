package manager

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/navigatorhq/navigator/pkg/fsm"
	"github.com/navigatorhq/navigator/pkg/store"
)

// Recover reloads live instances from disk: every snapshot under the tenant
// tree is read back, and when the event log records transitions newer than
// the snapshot's version the tail is replayed mechanically on top. This
// yields at-least-once post-crash consistency.
func (m *Manager) Recover() (int, error) {
	tenantsDir := m.blobs.TenantsDir()
	recovered := 0

	err := filepath.WalkDir(tenantsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		// Only snapshots live under .../workflows/.
		if filepath.Base(filepath.Dir(filepath.Dir(path))) != "workflows" {
			return nil
		}

		var inst fsm.Instance
		if err := m.blobs.ReadJSON(path, &inst); err != nil {
			m.logger.Warnf("skipping unreadable snapshot %s: %v", path, err)
			return nil
		}
		def, err := m.kinds.Get(inst.Kind)
		if err != nil {
			m.logger.Warnf("skipping snapshot %s: kind %q is not registered", inst.ID, inst.Kind)
			return nil
		}

		m.replayTail(def, &inst)

		if _, _, exists := m.shards.lookup(inst.ID); exists {
			return nil
		}
		m.shards.insert(&entry{def: def, inst: &inst})
		m.tel.Metrics.InstancesLive.Inc()
		recovered++
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return recovered, err
	}

	if recovered > 0 {
		m.logger.Infof("recovered %d instances from %s", recovered, m.cfg.DataRoot)
	}
	return recovered, nil
}

// replayTail applies transition records newer than the snapshot. Replay is
// mechanical: recorded destination state and event data are applied as-is,
// guards and hooks already ran when the record was written.
func (m *Manager) replayTail(def *fsm.KindDefinition, inst *fsm.Instance) {
	records, err := m.log.List(inst.TenantID, inst.Kind, inst.ID, store.ListOptions{})
	if err != nil {
		m.logger.Warnf("failed to read event log for %s: %v", inst.ID, err)
		return
	}
	for _, rec := range records {
		if rec.Type != store.RecordTransition {
			continue
		}
		version := payloadInt64(rec.Payload, "version")
		if version <= inst.Metadata.Version {
			continue
		}
		to, _ := rec.Payload["to"].(string)
		if !def.HasState(to) {
			m.logger.Warnf("replay for %s stopped at unknown state %q", inst.ID, to)
			return
		}
		inst.CurrentState = to
		if ed, ok := rec.Payload["event_data"].(map[string]interface{}); ok {
			for k, v := range ed {
				inst.Data[k] = v
			}
		}
		inst.Metadata.Version = version
		inst.Metadata.UpdatedAt = rec.TS
		inst.Performance.TransitionCount++
		inst.Performance.LastTransitionAt = rec.TS
	}
}

func payloadInt64(payload map[string]interface{}, key string) int64 {
	switch v := payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// PruneEvents removes event log files for a tenant whose last record is
// older than keepDays.
func (m *Manager) PruneEvents(tenantID string, keepDays int) (int, error) {
	return m.log.Prune(tenantID, keepDays)
}

// Uptime helpers for the diagnostics surface.
var startedAt = time.Now()

// StartedAt reports when the process-wide manager package was initialized.
func StartedAt() time.Time {
	return startedAt
}
