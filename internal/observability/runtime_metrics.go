package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RuntimeMetrics tracks health of the orchestration runtime.
type RuntimeMetrics struct {
	eventsAppended    prometheus.Counter
	persistenceErrors prometheus.Counter
	plansBuilt        prometheus.Counter
	entriesTruncated  *prometheus.CounterVec
	floorRelaxations  prometheus.Counter
	sloEnforcements   *prometheus.CounterVec
	gateBlockedTools  prometheus.Counter
	compactions       prometheus.Counter
	costAlerts        *prometheus.CounterVec
	rollbacks         *prometheus.CounterVec
	checkpoints       prometheus.Counter
	hydrations        prometheus.Counter
}

var (
	defaultRuntimeMetrics     *RuntimeMetrics
	defaultRuntimeMetricsOnce sync.Once
)

// NewRuntimeMetrics builds a RuntimeMetrics recorder using the default registry.
func NewRuntimeMetrics() *RuntimeMetrics {
	defaultRuntimeMetricsOnce.Do(func() {
		defaultRuntimeMetrics = newRuntimeMetrics(prometheus.DefaultRegisterer)
	})
	return defaultRuntimeMetrics
}

// NewRuntimeMetricsWithRegisterer allows tests to provide a dedicated registry.
func NewRuntimeMetricsWithRegisterer(reg prometheus.Registerer) *RuntimeMetrics {
	return newRuntimeMetrics(reg)
}

func newRuntimeMetrics(reg prometheus.Registerer) *RuntimeMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &RuntimeMetrics{
		eventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brewva",
			Subsystem: "events",
			Name:      "appended_total",
			Help:      "Number of events appended across all sessions",
		}),
		persistenceErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brewva",
			Subsystem: "events",
			Name:      "persistence_error_total",
			Help:      "Number of event append I/O failures",
		}),
		plansBuilt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brewva",
			Subsystem: "arena",
			Name:      "plans_total",
			Help:      "Number of injection plans produced",
		}),
		entriesTruncated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brewva",
			Subsystem: "arena",
			Name:      "entries_truncated_total",
			Help:      "Number of entries truncated or dropped during planning, by zone",
		}, []string{"zone"}),
		floorRelaxations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brewva",
			Subsystem: "arena",
			Name:      "floor_relaxations_total",
			Help:      "Number of plans that required the floor-relaxation cascade",
		}),
		sloEnforcements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brewva",
			Subsystem: "arena",
			Name:      "slo_enforcements_total",
			Help:      "Number of SLO degradation actions, by policy",
		}, []string{"policy"}),
		gateBlockedTools: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brewva",
			Subsystem: "budget",
			Name:      "gate_blocked_tools_total",
			Help:      "Number of tool starts blocked by the compaction gate",
		}),
		compactions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brewva",
			Subsystem: "budget",
			Name:      "compactions_total",
			Help:      "Number of recorded session compactions",
		}),
		costAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brewva",
			Subsystem: "cost",
			Name:      "alerts_total",
			Help:      "Number of cost alerts fired, by kind",
		}, []string{"kind"}),
		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brewva",
			Subsystem: "patch",
			Name:      "rollbacks_total",
			Help:      "Number of rollback attempts, by outcome",
		}, []string{"outcome"}),
		checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brewva",
			Subsystem: "tape",
			Name:      "checkpoints_total",
			Help:      "Number of tape checkpoints synthesized",
		}),
		hydrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brewva",
			Subsystem: "session",
			Name:      "hydrations_total",
			Help:      "Number of sessions hydrated from the event log",
		}),
	}
}

// RecordEventAppended increments the appended-event counter.
func (m *RuntimeMetrics) RecordEventAppended() {
	if m == nil {
		return
	}
	m.eventsAppended.Inc()
}

// RecordPersistenceError increments the append-failure counter.
func (m *RuntimeMetrics) RecordPersistenceError() {
	if m == nil {
		return
	}
	m.persistenceErrors.Inc()
}

// RecordPlanBuilt increments the plan counter.
func (m *RuntimeMetrics) RecordPlanBuilt() {
	if m == nil {
		return
	}
	m.plansBuilt.Inc()
}

// RecordEntryTruncated increments the per-zone truncation counter.
func (m *RuntimeMetrics) RecordEntryTruncated(zone string) {
	if m == nil {
		return
	}
	m.entriesTruncated.WithLabelValues(zone).Inc()
}

// RecordFloorRelaxation increments the floor-relaxation counter.
func (m *RuntimeMetrics) RecordFloorRelaxation() {
	if m == nil {
		return
	}
	m.floorRelaxations.Inc()
}

// RecordSLOEnforcement increments the per-policy SLO counter.
func (m *RuntimeMetrics) RecordSLOEnforcement(policy string) {
	if m == nil {
		return
	}
	m.sloEnforcements.WithLabelValues(policy).Inc()
}

// RecordGateBlockedTool increments the compaction-gate block counter.
func (m *RuntimeMetrics) RecordGateBlockedTool() {
	if m == nil {
		return
	}
	m.gateBlockedTools.Inc()
}

// RecordCompaction increments the compaction counter.
func (m *RuntimeMetrics) RecordCompaction() {
	if m == nil {
		return
	}
	m.compactions.Inc()
}

// RecordCostAlert increments the per-kind cost alert counter.
func (m *RuntimeMetrics) RecordCostAlert(kind string) {
	if m == nil {
		return
	}
	m.costAlerts.WithLabelValues(kind).Inc()
}

// RecordRollback increments the rollback counter with outcome "ok" or "failed".
func (m *RuntimeMetrics) RecordRollback(outcome string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(outcome).Inc()
}

// RecordCheckpoint increments the checkpoint counter.
func (m *RuntimeMetrics) RecordCheckpoint() {
	if m == nil {
		return
	}
	m.checkpoints.Inc()
}

// RecordHydration increments the hydration counter.
func (m *RuntimeMetrics) RecordHydration() {
	if m == nil {
		return
	}
	m.hydrations.Inc()
}
