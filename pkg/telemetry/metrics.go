package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus aggregate counters for the runtime.
type Metrics struct {
	registry *prometheus.Registry

	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec

	EventStoreAppendsTotal *prometheus.CounterVec
	EventStoreAppendBytes  prometheus.Counter

	BroadcastsTotal     *prometheus.CounterVec
	BroadcastDeliveries prometheus.Counter

	EffectsTotal   *prometheus.CounterVec
	EffectDuration *prometheus.HistogramVec

	CacheEntries           prometheus.Gauge
	CacheEvictionsTotal    prometheus.Counter
	CacheEmergencyCleanups prometheus.Counter

	InstancesLive        prometheus.Gauge
	DataWriteContention  prometheus.Counter
	SubscriberTimeouts   prometheus.Counter
	SubscriberFailures   prometheus.Counter
}

// NewMetrics creates the metric set on a fresh registry so tests stay isolated.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registerer := prometheus.WrapRegistererWith(prometheus.Labels{"service": "navigator"}, registry)

	m := &Metrics{
		registry: registry,

		TransitionsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsm_transitions_total",
				Help: "Total number of applied FSM transitions",
			},
			[]string{"kind", "event"},
		),
		TransitionDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fsm_transition_duration_seconds",
				Help:    "FSM transition duration in seconds",
				Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"kind"},
		),

		EventStoreAppendsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsm_event_store_appends_total",
				Help: "Total number of event log appends",
			},
			[]string{"type"},
		),
		EventStoreAppendBytes: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "fsm_event_store_append_bytes_total",
				Help: "Total bytes appended to event logs",
			},
		),

		BroadcastsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsm_broadcasts_total",
				Help: "Total number of tenant broadcasts",
			},
			[]string{"event_type"},
		),
		BroadcastDeliveries: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "fsm_broadcast_deliveries_total",
				Help: "Total number of broadcast handler deliveries",
			},
		),

		EffectsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsm_effects_total",
				Help: "Total number of effect executions by terminal status",
			},
			[]string{"effect_kind", "status"},
		),
		EffectDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fsm_effect_duration_seconds",
				Help:    "Effect execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"effect_kind"},
		),

		CacheEntries: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "fsm_cache_entries",
				Help: "Current number of cache entries across shards",
			},
		),
		CacheEvictionsTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "fsm_cache_evictions_total",
				Help: "Total cache entries evicted",
			},
		),
		CacheEmergencyCleanups: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "fsm_cache_emergency_cleanups_total",
				Help: "Total emergency cleanup passes under memory pressure",
			},
		),

		InstancesLive: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "fsm_instances_live",
				Help: "Current number of live FSM instances",
			},
		),
		DataWriteContention: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "fsm_data_write_contention_total",
				Help: "Concurrent put_data writes to the same key within one parallel scope",
			},
		),
		SubscriberTimeouts: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "fsm_subscriber_timeouts_total",
				Help: "Subscriber callbacks cancelled at the delivery deadline",
			},
		),
		SubscriberFailures: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "fsm_subscriber_failures_total",
				Help: "Subscriber callbacks that returned an error or panicked",
			},
		),
	}

	return m
}

// Registry exposes the underlying registry for the diagnostics server.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Telemetry bundles the bus and the Prometheus view. Emit methods update the
// counters synchronously and publish the bus event asynchronously.
type Telemetry struct {
	Bus     *Bus
	Metrics *Metrics
}

// New creates a Telemetry with a fresh bus and metric set.
func New(queueSize int) *Telemetry {
	return &Telemetry{
		Bus:     NewBus(queueSize, nil),
		Metrics: NewMetrics(),
	}
}

// NewWith wires existing components together.
func NewWith(bus *Bus, metrics *Metrics) *Telemetry {
	return &Telemetry{Bus: bus, Metrics: metrics}
}

// EmitTransition records an applied transition.
func (t *Telemetry) EmitTransition(kind, event, from, to, instanceID, tenantID string, duration time.Duration) {
	t.Metrics.TransitionsTotal.WithLabelValues(kind, event).Inc()
	t.Metrics.TransitionDuration.WithLabelValues(kind).Observe(duration.Seconds())
	t.Bus.Publish(Event{
		Topic:        TopicTransition,
		Measurements: map[string]int64{"duration_us": duration.Microseconds()},
		Metadata: map[string]string{
			"kind":        kind,
			"event":       event,
			"from":        from,
			"to":          to,
			"instance_id": instanceID,
			"tenant_id":   tenantID,
		},
	})
}

// EmitEventStoreAppend records an event log append.
func (t *Telemetry) EmitEventStoreAppend(recordType, instanceID, tenantID string, bytes int) {
	t.Metrics.EventStoreAppendsTotal.WithLabelValues(recordType).Inc()
	t.Metrics.EventStoreAppendBytes.Add(float64(bytes))
	t.Bus.Publish(Event{
		Topic:        TopicEventStoreAppend,
		Measurements: map[string]int64{"bytes": int64(bytes)},
		Metadata: map[string]string{
			"type":        recordType,
			"instance_id": instanceID,
			"tenant_id":   tenantID,
		},
	})
}

// EmitBroadcast records a broadcast fan-out.
func (t *Telemetry) EmitBroadcast(eventType, tenantID string, count int) {
	t.Metrics.BroadcastsTotal.WithLabelValues(eventType).Inc()
	t.Metrics.BroadcastDeliveries.Add(float64(count))
	t.Bus.Publish(Event{
		Topic:        TopicBroadcast,
		Measurements: map[string]int64{"count": int64(count)},
		Metadata: map[string]string{
			"event_type": eventType,
			"tenant_id":  tenantID,
		},
	})
}

// EffectPhase is a terminal or starting effect lifecycle phase.
type EffectPhase string

const (
	EffectStarted   EffectPhase = "started"
	EffectCompleted EffectPhase = "completed"
	EffectFailed    EffectPhase = "failed"
	EffectCancelled EffectPhase = "cancelled"
)

func effectTopic(phase EffectPhase) string {
	switch phase {
	case EffectStarted:
		return TopicEffectStarted
	case EffectCompleted:
		return TopicEffectCompleted
	case EffectFailed:
		return TopicEffectFailed
	default:
		return TopicEffectCancelled
	}
}

// EmitEffect records an effect lifecycle phase. duration is meaningful only
// for terminal phases.
func (t *Telemetry) EmitEffect(phase EffectPhase, executionID, effectKind, instanceID, tenantID string, duration time.Duration) {
	if phase != EffectStarted {
		t.Metrics.EffectsTotal.WithLabelValues(effectKind, string(phase)).Inc()
		t.Metrics.EffectDuration.WithLabelValues(effectKind).Observe(duration.Seconds())
	}
	ev := Event{
		Topic: effectTopic(phase),
		Metadata: map[string]string{
			"execution_id": executionID,
			"effect_kind":  effectKind,
			"instance_id":  instanceID,
			"tenant_id":    tenantID,
		},
	}
	if phase != EffectStarted {
		ev.Measurements = map[string]int64{"duration_us": duration.Microseconds()}
	}
	t.Bus.Publish(ev)
}
