// Package telemetry wires structured logging and Prometheus metrics for
// the pool, cache, and scheduler lifecycle events: pressure crossings,
// out-of-memory, cache hits/misses, layer eviction, and pass completion.
// Callers wire these instruments at the points they declare (hierarchical.
// Pool.OnPressure/OnOOM, mapped.OpenOptions.OnCacheEvent/OnEvict) rather
// than this package reaching into those types itself.
//
// go.uber.org/zap and github.com/prometheus/client_golang are both
// transitive dependencies of the teacher's go.mod (pulled in by its
// libp2p/fx stack); this package promotes them to direct, exercised use.
package telemetry

import (
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry bundles a component logger with the Prometheus collectors
// tinymem exposes.
type Telemetry struct {
	Logger *zap.SugaredLogger

	Pressure      *prometheus.GaugeVec
	Fragmentation *prometheus.GaugeVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	SchedulerPeak prometheus.Gauge
	PoolSwitches  prometheus.Counter
}

// New builds a Telemetry bundle registered against reg. Pass
// prometheus.NewRegistry() in production and tests alike to avoid
// colliding with the global default registry across repeated Open calls.
func New(reg *prometheus.Registry, component string) (*Telemetry, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		Logger: logger.Sugar().With("component", component),
		Pressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tinymem",
			Name:      "pool_pressure",
			Help:      "Pool memory pressure level (0-100) per usage class.",
		}, []string{"usage"}),
		Fragmentation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tinymem",
			Name:      "region_fragmentation_score",
			Help:      "Region fragmentation score (0-100) per size class.",
		}, []string{"class"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinymem",
			Name:      "cache_hits_total",
			Help:      "Mapped-model cache hits (layer already loaded).",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinymem",
			Name:      "cache_misses_total",
			Help:      "Mapped-model cache misses (layer required a load).",
		}),
		SchedulerPeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tinymem",
			Name:      "scheduler_peak_bytes",
			Help:      "Peak activation-output bytes held by the scheduler.",
		}),
		PoolSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinymem",
			Name:      "pool_switches_total",
			Help:      "Allocations served by a non-preferred usage pool, plus frees resolved by pool scan.",
		}),
	}

	for _, c := range []prometheus.Collector{t.Pressure, t.Fragmentation, t.CacheHits, t.CacheMisses, t.SchedulerPeak, t.PoolSwitches} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Sync flushes the underlying logger. Call it before process exit.
func (t *Telemetry) Sync() {
	_ = t.Logger.Sync()
}
