package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/navigatorhq/navigator/pkg/concurrency"
	"github.com/navigatorhq/navigator/pkg/fsm"
	"github.com/navigatorhq/navigator/pkg/store"
)

// AllTenants broadcasts to every tenant.
const AllTenants = "*"

// Broadcast delivers an event to every instance of the tenant (or all
// tenants) through its kind's broadcast handler. Deliveries run on the
// worker pool; handler failures are isolated. Returns the delivery count.
func (m *Manager) Broadcast(eventType string, payload map[string]interface{}, tenantID string) (int, error) {
	var entries []struct {
		sh *shard
		e  *entry
	}
	if tenantID == AllTenants || tenantID == "" {
		for _, sh := range m.shards.shards {
			for _, e := range sh.allEntries() {
				entries = append(entries, struct {
					sh *shard
					e  *entry
				}{sh, e})
			}
		}
	} else {
		sh, _ := m.shards.forTenant(tenantID)
		for _, e := range sh.tenantEntries(tenantID) {
			entries = append(entries, struct {
				sh *shard
				e  *entry
			}{sh, e})
		}
	}

	var (
		wg        sync.WaitGroup
		delivered int64
	)
	for _, pair := range entries {
		sh, e := pair.sh, pair.e
		wg.Add(1)
		task := concurrency.NewNamedTask("broadcast:"+eventType, func(ctx context.Context) error {
			defer wg.Done()
			if m.deliverBroadcast(sh, e, eventType, payload) {
				atomic.AddInt64(&delivered, 1)
			}
			return nil
		})
		if err := m.pool.Submit(context.Background(), task); err != nil {
			wg.Done()
			m.logger.Warnf("broadcast %q dispatch failed: %v", eventType, err)
		}
	}
	wg.Wait()

	count := int(atomic.LoadInt64(&delivered))
	m.statsMu.Lock()
	m.broadcastsDelivered += int64(count)
	m.statsMu.Unlock()
	m.tel.EmitBroadcast(eventType, tenantID, count)
	return count, nil
}

func (m *Manager) deliverBroadcast(sh *shard, e *entry, eventType string, payload map[string]interface{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst := sh.snapshot(e)
	next, err := e.def.HandleBroadcast(inst, eventType, payload)
	if err != nil {
		m.logger.Warnf("broadcast %q handler failed on %s: %v", eventType, inst.ID, err)
		return false
	}
	if next != inst {
		if !e.def.HasState(next.CurrentState) {
			m.logger.Warnf("broadcast %q handler on %s produced unknown state %q, dropped", eventType, inst.ID, next.CurrentState)
			return false
		}
		sh.publish(e, next)
		if err := m.persistSnapshot(next, false); err != nil {
			m.logger.Warnf("failed to schedule snapshot for %s: %v", inst.ID, err)
		}
	}
	if err := m.log.Append(store.EventRecord{
		Type:       store.RecordBroadcastDelivered,
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		Kind:       inst.Kind,
		Payload: map[string]interface{}{
			"event_type": eventType,
		},
	}); err != nil {
		m.logger.Warnf("failed to record broadcast delivery to %s: %v", inst.ID, err)
	}
	return true
}

// notifySubscribers fans a source transition out to its subscribers. Each
// callback runs on the worker pool under the subscriber deadline; failures
// and timeouts never reach the source transition.
func (m *Manager) notifySubscribers(sourceDef *fsm.KindDefinition, source *fsm.Instance, event, from, to string) {
	if len(source.Subscribers) == 0 {
		return
	}
	origin := fsm.Source{Kind: sourceDef.Name, ID: source.ID}
	version := source.Metadata.Version

	for _, subscriberID := range source.Subscribers {
		if !m.guard.firstDelivery(deliveryKey(source.ID, version, subscriberID)) {
			continue
		}
		// Each subscriber gets its own payload with a copied data map; the
		// source instance's live map is never exposed to handler code.
		payload := map[string]interface{}{
			"event": event,
			"from":  from,
			"to":    to,
			"data":  copyData(source.Data),
		}
		subscriberID := subscriberID
		task := concurrency.NewNamedTask("notify:"+subscriberID, func(ctx context.Context) error {
			m.deliverNotification(subscriberID, origin, payload)
			return nil
		})
		if err := m.pool.Submit(context.Background(), task); err != nil {
			m.logger.Warnf("notification to %s dispatch failed: %v", subscriberID, err)
		}
	}
}

func (m *Manager) deliverNotification(subscriberID string, origin fsm.Source, payload map[string]interface{}) {
	sh, e, ok := m.shards.lookup(subscriberID)
	if !ok {
		return
	}

	deadline := time.Duration(m.cfg.SubscriberDeadlineMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// The handler runs without the entry lock so an overrunning callback
		// cannot wedge the subscriber's own transitions.
		inst := sh.snapshot(e)
		base := inst.Metadata.Version
		next, err := e.def.HandleExternal(inst, origin, "state_changed", payload)
		if err != nil {
			done <- err
			return
		}
		if next != inst && e.def.HasState(next.CurrentState) {
			e.mu.Lock()
			// Drop the update when the deadline already passed or the
			// subscriber transitioned while the handler ran.
			if ctx.Err() == nil && sh.snapshot(e).Metadata.Version == base {
				sh.publish(e, next)
				if perr := m.persistSnapshot(next, false); perr != nil {
					m.logger.Warnf("failed to schedule snapshot for %s: %v", subscriberID, perr)
				}
			}
			e.mu.Unlock()
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			m.tel.Metrics.SubscriberFailures.Inc()
			m.logger.Warnf("subscriber %s handler failed: %v", subscriberID, err)
		}
	case <-ctx.Done():
		// Delivered-with-timeout: the handler goroutine is abandoned and its
		// late result is discarded; the source transition is unaffected.
		m.tel.Metrics.SubscriberTimeouts.Inc()
		m.logger.Warnf("subscriber %s exceeded the %s delivery deadline", subscriberID, deadline)
	}
}
