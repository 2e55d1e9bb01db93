package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/tiered-content-storage/interfaces"
)

// StorageMetrics holds the engine's collectors. A nil *StorageMetrics is
// valid and records nothing, so components can take one optionally.
type StorageMetrics struct {
	DriverOps          *prometheus.CounterVec
	DriverErrors       *prometheus.CounterVec
	DriverLatency      *prometheus.HistogramVec
	MigrationObjects   *prometheus.CounterVec
	MigrationBytes     prometheus.Counter
	ReplicationJobs    *prometheus.CounterVec
	VerificationChecks *prometheus.CounterVec
	ConsensusFailures  prometheus.Counter
	CacheEvents        *prometheus.CounterVec
	CacheMemoryBytes   prometheus.Gauge
	RoutingSelections  *prometheus.CounterVec
	TieringMoves       *prometheus.CounterVec
}

// NewStorageMetrics creates the collectors and registers them on reg. A
// collector that is already registered is reused.
func NewStorageMetrics(namespace string, reg prometheus.Registerer) (*StorageMetrics, error) {
	m := &StorageMetrics{
		DriverOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "operations_total",
			Help:      "Storage driver operations",
		}, []string{"backend", "tier", "op"}),
		DriverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "errors_total",
			Help:      "Storage driver operations that returned an error other than not found",
		}, []string{"backend", "tier", "op"}),
		DriverLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "operation_duration_seconds",
			Help:      "Storage driver operation latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "tier", "op"}),
		MigrationObjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "objects_total",
			Help:      "Objects processed by the migrator by result",
		}, []string{"result"}),
		MigrationBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "bytes_total",
			Help:      "Bytes copied by the migrator",
		}),
		ReplicationJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "jobs_total",
			Help:      "Replication jobs finished by status",
		}, []string{"status"}),
		VerificationChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "checks_total",
			Help:      "Per-location verification results",
		}, []string{"location_type", "result"}),
		ConsensusFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "consensus_failures_total",
			Help:      "Verification rounds that did not reach consensus",
		}),
		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Cache hits, misses, stores and evictions by level",
		}, []string{"level", "event"}),
		CacheMemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "memory_bytes",
			Help:      "Bytes held in the memory cache level",
		}),
		RoutingSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "selections_total",
			Help:      "Router decisions by selected location type",
		}, []string{"location_type", "fallback"}),
		TieringMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "tier_moves_total",
			Help:      "Objects moved between tiers",
		}, []string{"from", "to"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *StorageMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DriverOps, m.DriverErrors, m.DriverLatency,
		m.MigrationObjects, m.MigrationBytes,
		m.ReplicationJobs, m.VerificationChecks, m.ConsensusFailures,
		m.CacheEvents, m.CacheMemoryBytes,
		m.RoutingSelections, m.TieringMoves,
	}
}

// ObserveDriverOp records one driver call. Not-found results are counted as
// operations but not as errors.
func (m *StorageMetrics) ObserveDriverOp(backend, tier, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.DriverOps.WithLabelValues(backend, tier, op).Inc()
	m.DriverLatency.WithLabelValues(backend, tier, op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
		m.DriverErrors.WithLabelValues(backend, tier, op).Inc()
	}
}

func (m *StorageMetrics) MigrationObject(result string, bytes int64) {
	if m == nil {
		return
	}
	m.MigrationObjects.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.MigrationBytes.Add(float64(bytes))
	}
}

func (m *StorageMetrics) ReplicationJob(status string) {
	if m == nil {
		return
	}
	m.ReplicationJobs.WithLabelValues(status).Inc()
}

func (m *StorageMetrics) VerificationCheck(locationType, result string) {
	if m == nil {
		return
	}
	m.VerificationChecks.WithLabelValues(locationType, result).Inc()
}

func (m *StorageMetrics) ConsensusFailure() {
	if m == nil {
		return
	}
	m.ConsensusFailures.Inc()
}

func (m *StorageMetrics) CacheEvent(level, event string) {
	if m == nil {
		return
	}
	m.CacheEvents.WithLabelValues(level, event).Inc()
}

func (m *StorageMetrics) SetCacheMemory(bytes int64) {
	if m == nil {
		return
	}
	m.CacheMemoryBytes.Set(float64(bytes))
}

func (m *StorageMetrics) RoutingSelection(locationType string, fallback bool) {
	if m == nil {
		return
	}
	fb := "false"
	if fallback {
		fb = "true"
	}
	m.RoutingSelections.WithLabelValues(locationType, fb).Inc()
}

func (m *StorageMetrics) TierMove(from, to string) {
	if m == nil {
		return
	}
	m.TieringMoves.WithLabelValues(from, to).Inc()
}
