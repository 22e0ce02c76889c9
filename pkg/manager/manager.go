package manager

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/navigatorhq/navigator/pkg/concurrency"
	"github.com/navigatorhq/navigator/pkg/config"
	"github.com/navigatorhq/navigator/pkg/core"
	"github.com/navigatorhq/navigator/pkg/effects"
	"github.com/navigatorhq/navigator/pkg/fsm"
	"github.com/navigatorhq/navigator/pkg/store"
	"github.com/navigatorhq/navigator/pkg/telemetry"
)

// StateView is the caller-facing projection of an instance after a read or a
// successful transition.
type StateView struct {
	State    string                 `json:"state"`
	Data     map[string]interface{} `json:"data"`
	Version  int64                  `json:"version"`
	Metadata fsm.Metadata           `json:"metadata"`
}

// Summary is one row of list_by_tenant.
type Summary struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatchItem is one event of batch_send_events.
type BatchItem struct {
	InstanceID string                 `json:"instance_id"`
	Event      string                 `json:"event"`
	EventData  map[string]interface{} `json:"event_data,omitempty"`
}

// BatchResult is the per-item outcome, in input order.
type BatchResult struct {
	InstanceID string      `json:"instance_id"`
	View       *StateView  `json:"view,omitempty"`
	Reason     core.Reason `json:"reason,omitempty"`
	Err        error       `json:"-"`
}

// Stats is the runtime-wide operational snapshot.
type Stats struct {
	InstanceCountPerShard []int               `json:"instance_count_per_shard"`
	Total                 int                 `json:"total"`
	BroadcastsDelivered   int64               `json:"broadcasts_delivered"`
	Cache                 store.CacheStats    `json:"cache"`
	EventLog              store.EventLogStats `json:"event_log"`
}

// Options wires a Manager's collaborators. Zero-value fields fall back to
// defaults so tests can construct isolated managers cheaply.
type Options struct {
	Config       config.Config
	Kinds        *fsm.KindRegistry
	Capabilities *effects.Capabilities
	Telemetry    *telemetry.Telemetry
	Logger       core.Logger
}

// Manager is the runtime facade: sharded instance registry, durable
// snapshots and event log, effects engine and broadcast fan-out behind one
// handle.
type Manager struct {
	cfg    config.Config
	kinds  *fsm.KindRegistry
	shards *shardSet
	blobs  *store.BlobStore
	log    *store.EventLog
	cache  *store.Cache
	engine *effects.Engine
	pool   concurrency.WorkerPool
	tel    *telemetry.Telemetry
	logger core.Logger

	guard *deliveryGuard

	broadcastsDelivered int64
	statsMu             sync.Mutex

	closeOnce sync.Once
}

// New builds a Manager and its storage substrate under cfg.DataRoot.
func New(opts Options) (*Manager, error) {
	cfg := opts.Config
	if cfg.DataRoot == "" {
		cfg = config.Default()
	}
	if opts.Kinds == nil {
		return nil, fmt.Errorf("a kind registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NewLogger(core.LogConfig{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSONOutput})
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.New(256)
	}
	caps := opts.Capabilities
	if caps == nil {
		caps = effects.NewCapabilities()
		effects.RegisterStubPorts(caps)
	}

	blobs, err := store.NewBlobStore(cfg.DataRoot)
	if err != nil {
		return nil, err
	}
	eventLog := store.NewEventLog(blobs, tel)

	cache, err := store.NewCache(store.CacheConfig{
		Shards:               cfg.ShardCount,
		EntryTTL:             time.Duration(cfg.EntryTTLSeconds) * time.Second,
		CleanupInterval:      time.Duration(cfg.CleanupIntervalMs) * time.Millisecond,
		MemoryThresholdBytes: cfg.CacheMemoryThresholdBytes,
	}, &store.BlobPersister{Blobs: blobs}, tel, logger)
	if err != nil {
		return nil, err
	}

	pool := concurrency.NewWorkerPool(context.Background(), concurrency.WorkerPoolConfig{
		Workers:   cfg.EffectWorkerPool,
		QueueSize: cfg.EffectWorkerPool * 16,
	}, logger)
	if err := pool.Start(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		kinds:  opts.Kinds,
		shards: newShardSet(cfg.ShardCount),
		blobs:  blobs,
		log:    eventLog,
		cache:  cache,
		pool:   pool,
		tel:    tel,
		logger: core.WithComponent(logger, "manager"),
		guard:  newDeliveryGuard(),
	}

	m.engine = effects.NewEngine(effects.EngineConfig{
		RetryDefault: effects.RetryOpts{
			Attempts: cfg.RetryDefault.Attempts,
			Backoff:  effects.Backoff(cfg.RetryDefault.Backoff),
			BaseMs:   cfg.RetryDefault.BaseMs,
			NoJitter: !cfg.RetryDefault.Jitter,
		},
	}, caps, pool, m, blobs, tel, logger)

	m.subscribeEffectRecords()
	return m, nil
}

// Engine exposes the effects interpreter, for explicit effect execution.
func (m *Manager) Engine() *effects.Engine {
	return m.engine
}

// Telemetry exposes the bus and metric set shared by the runtime.
func (m *Manager) Telemetry() *telemetry.Telemetry {
	return m.tel
}

// subscribeEffectRecords appends effect lifecycle records to the owning
// instance's event log as the engine emits telemetry. Delivery is async; an
// instance destroyed mid-flight simply drops the record.
func (m *Manager) subscribeEffectRecords() {
	record := func(recordType store.RecordType) func(telemetry.Event) {
		return func(ev telemetry.Event) {
			instanceID := ev.Metadata["instance_id"]
			sh, e, ok := m.shards.lookup(instanceID)
			if !ok {
				return
			}
			inst := sh.snapshot(e)
			payload := map[string]interface{}{
				"execution_id": ev.Metadata["execution_id"],
				"effect_kind":  ev.Metadata["effect_kind"],
			}
			if d, ok := ev.Measurements["duration_us"]; ok {
				payload["duration_us"] = d
			}
			if err := m.log.Append(store.EventRecord{
				Type:       recordType,
				InstanceID: inst.ID,
				TenantID:   inst.TenantID,
				Kind:       inst.Kind,
				Payload:    payload,
			}); err != nil {
				m.logger.Warnf("failed to record effect event for %s: %v", instanceID, err)
			}
		}
	}
	_ = m.tel.Bus.Subscribe(telemetry.TopicEffectStarted, record(store.RecordEffectStarted))
	_ = m.tel.Bus.Subscribe(telemetry.TopicEffectCompleted, record(store.RecordEffectCompleted))
	_ = m.tel.Bus.Subscribe(telemetry.TopicEffectFailed, record(store.RecordEffectFailed))
	_ = m.tel.Bus.Subscribe(telemetry.TopicEffectCancelled, record(store.RecordEffectFailed))
}

func snapshotTable(tenantID, kind string) string {
	return "tenants/" + tenantID + "/workflows/" + kind
}

// copyData shallow-copies an instance's data map. Views and notification
// payloads never hand out the live map: a caller or subscriber handler that
// writes into it must not reach the registered instance.
func copyData(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// persistSnapshot writes the instance through the cache. Immediate
// persistence is used at lifecycle edges; transition updates ride the sweep.
func (m *Manager) persistSnapshot(inst *fsm.Instance, immediate bool) error {
	return m.cache.Put(snapshotTable(inst.TenantID, inst.Kind), inst.ID, inst, store.PutOptions{
		PersistImmediately: immediate,
	})
}

// CreateFSM instantiates a kind for a tenant and returns the new id.
func (m *Manager) CreateFSM(kind string, data map[string]interface{}, tenantID string) (string, error) {
	def, err := m.kinds.Get(kind)
	if err != nil {
		return "", err
	}
	if tenantID == "" {
		return "", core.Errf(core.ReasonValidationError, "tenant_id is required")
	}

	inst := def.New(data, uuid.New().String(), tenantID)
	m.shards.insert(&entry{def: def, inst: inst})

	if err := m.persistSnapshot(inst, true); err != nil {
		m.shards.remove(inst.ID)
		return "", err
	}
	if err := m.log.Append(store.EventRecord{
		Type:       store.RecordCreated,
		InstanceID: inst.ID,
		TenantID:   tenantID,
		Kind:       kind,
		Payload: map[string]interface{}{
			"initial_state": inst.CurrentState,
		},
	}); err != nil {
		return "", core.Wrap(core.ReasonStoreError, "failed to record creation", err)
	}

	m.tel.Metrics.InstancesLive.Inc()

	if effect := def.EntryEffect(inst.CurrentState); effect != nil {
		m.engine.RunAsync(effects.Ref{InstanceID: inst.ID, TenantID: tenantID}, effect)
	}
	return inst.ID, nil
}

// SendEvent applies one event to an instance. Transitions on the same
// instance are serialized; the caller gets the post-transition view.
func (m *Manager) SendEvent(instanceID, event string, eventData map[string]interface{}) (*StateView, error) {
	sh, e, ok := m.shards.lookup(instanceID)
	if !ok {
		return nil, core.Errf(core.ReasonNotFound, fmt.Sprintf("instance %s not found", instanceID))
	}

	e.mu.Lock()

	old := sh.snapshot(e)
	started := time.Now()
	next, err := e.def.Send(old, event, eventData)
	if err != nil {
		e.mu.Unlock()
		if core.ReasonOf(err) == core.ReasonGuardDenied || core.ReasonOf(err) == core.ReasonHookFailed {
			m.logger.Warnf("event %q rejected on %s: %v", event, instanceID, err)
		}
		return nil, err
	}
	duration := time.Since(started)

	sh.publish(e, next)

	if err := m.log.Append(store.EventRecord{
		Type:       store.RecordTransition,
		InstanceID: next.ID,
		TenantID:   next.TenantID,
		Kind:       next.Kind,
		Payload: map[string]interface{}{
			"event":       event,
			"from":        old.CurrentState,
			"to":          next.CurrentState,
			"event_data":  eventData,
			"version":     next.Metadata.Version,
			"duration_us": duration.Microseconds(),
		},
	}); err != nil {
		m.logger.Errorf("failed to record transition for %s: %v", instanceID, err)
	}

	m.tel.EmitTransition(next.Kind, event, old.CurrentState, next.CurrentState, next.ID, next.TenantID, duration)

	if err := m.persistSnapshot(next, false); err != nil {
		m.logger.Errorf("failed to schedule snapshot for %s: %v", instanceID, err)
	}

	if effect := e.def.EntryEffect(next.CurrentState); effect != nil {
		m.engine.RunAsync(effects.Ref{InstanceID: next.ID, TenantID: next.TenantID}, effect)
	}

	e.mu.Unlock()

	// Fan-out happens after the entry lock is released: pool submission can
	// block under backpressure, and queued tasks may need other entry locks.
	m.notifySubscribers(e.def, next, event, old.CurrentState, next.CurrentState)

	return &StateView{
		State:    next.CurrentState,
		Data:     copyData(next.Data),
		Version:  next.Metadata.Version,
		Metadata: next.Metadata,
	}, nil
}

// GetFSMState returns the instance's current view.
func (m *Manager) GetFSMState(instanceID string) (*StateView, error) {
	sh, e, ok := m.shards.lookup(instanceID)
	if !ok {
		return nil, core.Errf(core.ReasonNotFound, fmt.Sprintf("instance %s not found", instanceID))
	}
	inst := sh.snapshot(e)
	return &StateView{
		State:    inst.CurrentState,
		Data:     copyData(inst.Data),
		Version:  inst.Metadata.Version,
		Metadata: inst.Metadata,
	}, nil
}

// GetFSMMetrics returns the instance's performance aggregates.
func (m *Manager) GetFSMMetrics(instanceID string) (*fsm.Performance, error) {
	sh, e, ok := m.shards.lookup(instanceID)
	if !ok {
		return nil, core.Errf(core.ReasonNotFound, fmt.Sprintf("instance %s not found", instanceID))
	}
	perf := sh.snapshot(e).Performance
	return &perf, nil
}

// DestroyFSM cancels the instance's effects, removes it from the registry
// and deletes its snapshot. The event log keeps created/destroyed records.
func (m *Manager) DestroyFSM(instanceID string) error {
	e, ok := m.shards.remove(instanceID)
	if !ok {
		return core.Errf(core.ReasonNotFound, fmt.Sprintf("instance %s not found", instanceID))
	}

	m.engine.Cancel(instanceID)

	inst := e.inst
	if err := m.cache.Delete(snapshotTable(inst.TenantID, inst.Kind), inst.ID); err != nil {
		m.logger.Warnf("failed to delete snapshot for %s: %v", instanceID, err)
	}
	if err := m.log.Append(store.EventRecord{
		Type:       store.RecordDestroyed,
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		Kind:       inst.Kind,
		Payload: map[string]interface{}{
			"final_state": inst.CurrentState,
			"version":     inst.Metadata.Version,
		},
	}); err != nil {
		m.logger.Warnf("failed to record destruction of %s: %v", instanceID, err)
	}

	m.tel.Metrics.InstancesLive.Dec()
	return nil
}

// ListByTenant returns summaries of the tenant's live instances.
func (m *Manager) ListByTenant(tenantID string) []Summary {
	sh, _ := m.shards.forTenant(tenantID)
	entries := sh.tenantEntries(tenantID)
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		inst := sh.snapshot(e)
		out = append(out, Summary{
			ID:        inst.ID,
			Kind:      inst.Kind,
			State:     inst.CurrentState,
			Version:   inst.Metadata.Version,
			UpdatedAt: inst.Metadata.UpdatedAt,
		})
	}
	return out
}

// BatchSendEvents groups items by shard and applies each shard's slice
// sequentially, shards in parallel. Results come back in input order.
func (m *Manager) BatchSendEvents(items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	groups := make(map[int][]int)
	for i, item := range items {
		sh, e, ok := m.shards.lookup(item.InstanceID)
		if !ok {
			results[i] = BatchResult{
				InstanceID: item.InstanceID,
				Reason:     core.ReasonNotFound,
				Err:        core.Errf(core.ReasonNotFound, fmt.Sprintf("instance %s not found", item.InstanceID)),
			}
			continue
		}
		idx := shardIndex(sh.snapshot(e).TenantID, m.cfg.ShardCount)
		groups[idx] = append(groups[idx], i)
	}

	var wg sync.WaitGroup
	for _, indices := range groups {
		wg.Add(1)
		go func(indices []int) {
			defer wg.Done()
			for _, i := range indices {
				item := items[i]
				view, err := m.SendEvent(item.InstanceID, item.Event, item.EventData)
				if err != nil {
					results[i] = BatchResult{InstanceID: item.InstanceID, Reason: core.ReasonOf(err), Err: err}
					continue
				}
				results[i] = BatchResult{InstanceID: item.InstanceID, View: view}
			}
		}(indices)
	}
	wg.Wait()
	return results
}

// CancelEffects cancels every running and queued effect of an instance.
func (m *Manager) CancelEffects(instanceID string) {
	m.engine.Cancel(instanceID)
}

// AvailableKinds returns introspection summaries of the registered kinds.
func (m *Manager) AvailableKinds() []fsm.KindInfo {
	return m.kinds.List()
}

// Subscribe registers subscriberID for state_changed notifications from
// sourceID.
func (m *Manager) Subscribe(sourceID, subscriberID string) error {
	sh, e, ok := m.shards.lookup(sourceID)
	if !ok {
		return core.Errf(core.ReasonNotFound, fmt.Sprintf("instance %s not found", sourceID))
	}
	if _, _, ok := m.shards.lookup(subscriberID); !ok {
		return core.Errf(core.ReasonNotFound, fmt.Sprintf("instance %s not found", subscriberID))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := fsm.Subscribe(sh.snapshot(e), subscriberID)
	sh.publish(e, next)
	return m.persistSnapshot(next, false)
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(sourceID, subscriberID string) error {
	sh, e, ok := m.shards.lookup(sourceID)
	if !ok {
		return core.Errf(core.ReasonNotFound, fmt.Sprintf("instance %s not found", sourceID))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := fsm.Unsubscribe(sh.snapshot(e), subscriberID)
	sh.publish(e, next)
	return m.persistSnapshot(next, false)
}

// PutData writes one data key of an instance under its transition lock. It
// does not bump the version; only transitions do.
func (m *Manager) PutData(instanceID, key string, value interface{}) error {
	sh, e, ok := m.shards.lookup(instanceID)
	if !ok {
		return core.Errf(core.ReasonNotFound, fmt.Sprintf("instance %s not found", instanceID))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := sh.snapshot(e).Clone()
	next.Data[key] = value
	next.Metadata.UpdatedAt = time.Now().UTC()
	sh.publish(e, next)
	return m.persistSnapshot(next, false)
}

// GetData reads one data key of an instance.
func (m *Manager) GetData(instanceID, key string) (interface{}, bool, error) {
	sh, e, ok := m.shards.lookup(instanceID)
	if !ok {
		return nil, false, core.Errf(core.ReasonNotFound, fmt.Sprintf("instance %s not found", instanceID))
	}
	value, present := sh.snapshot(e).Data[key]
	return value, present, nil
}

// EventHistory returns the instance's event log records.
func (m *Manager) EventHistory(instanceID string, opts store.ListOptions) ([]store.EventRecord, error) {
	sh, e, ok := m.shards.lookup(instanceID)
	if !ok {
		return nil, core.Errf(core.ReasonNotFound, fmt.Sprintf("instance %s not found", instanceID))
	}
	inst := sh.snapshot(e)
	return m.log.List(inst.TenantID, inst.Kind, inst.ID, opts)
}

// Stats reports per-shard instance counts and substrate counters.
func (m *Manager) Stats() Stats {
	counts := m.shards.counts()
	total := 0
	for _, c := range counts {
		total += c
	}
	m.statsMu.Lock()
	delivered := m.broadcastsDelivered
	m.statsMu.Unlock()
	return Stats{
		InstanceCountPerShard: counts,
		Total:                 total,
		BroadcastsDelivered:   delivered,
		Cache:                 m.cache.Stats(),
		EventLog:              m.log.Stats(),
	}
}

// Close drains effects, flushes the cache and closes the log.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		if cerr := m.engine.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := m.pool.Stop(ctx); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := m.cache.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := m.log.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// deliveryKey tags one notification with its origin so cyclic subscriber
// graphs cannot loop: an already-seen (source, version, subscriber) triple
// is dropped.
func deliveryKey(sourceID string, version int64, subscriberID string) string {
	return sourceID + "#" + strconv.FormatInt(version, 10) + ">" + subscriberID
}

type deliveryGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newDeliveryGuard() *deliveryGuard {
	return &deliveryGuard{seen: make(map[string]struct{})}
}

// firstDelivery records the key and reports whether it is new. The map is
// reset when it grows past a bound; duplicates are only possible within a
// burst, which is exactly when cycles form.
func (g *deliveryGuard) firstDelivery(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[key]; ok {
		return false
	}
	if len(g.seen) > 16384 {
		g.seen = make(map[string]struct{})
	}
	g.seen[key] = struct{}{}
	return true
}
