// Package observability — metrics.go
//
// Prometheus metrics for pgkeeper.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: pgkeeper_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Peer identifiers are NOT used as labels (unbounded cardinality across
//     a fleet's lifetime as members join and leave).
//   - Transition kind (sync/quorum) is the only per-transition label.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for pgkeeper.
type Metrics struct {
	registry *prometheus.Registry

	// ─── HA loop ──────────────────────────────────────────────────────────────

	// TickDuration records wall-clock time of a full observe-resolve-apply
	// loop iteration.
	TickDuration prometheus.Histogram

	// TickErrorsTotal counts ticks that aborted with an error, by stage
	// (observe, resolve, apply).
	TickErrorsTotal *prometheus.CounterVec

	// ─── Resolver ─────────────────────────────────────────────────────────────

	// TransitionsProposedTotal counts transitions the resolver produced, by
	// kind (sync, quorum).
	TransitionsProposedTotal *prometheus.CounterVec

	// ResolveInvariantViolationsTotal counts QuorumError aborts from the
	// resolver or invariant checker.
	ResolveInvariantViolationsTotal prometheus.Counter

	// ─── Executor ─────────────────────────────────────────────────────────────

	// TransitionsAppliedTotal counts transitions successfully applied to a
	// store, by kind.
	TransitionsAppliedTotal *prometheus.CounterVec

	// TransitionApplyFailuresTotal counts transitions that failed to apply,
	// by kind and reason (cas_mismatch, db_timeout, lease_lost,
	// rate_limited, other).
	TransitionApplyFailuresTotal *prometheus.CounterVec

	// ApplyLatency records how long a single transition took to apply, by kind.
	ApplyLatency *prometheus.HistogramVec

	// ─── Observer ─────────────────────────────────────────────────────────────

	// ActivePeers is the current size of the Active set the observer built.
	ActivePeers prometheus.Gauge

	// ─── DCS ──────────────────────────────────────────────────────────────────

	// DCSCASAttemptsTotal counts compare-and-swap attempts against the sync
	// key, by outcome (ok, mismatch, error).
	DCSCASAttemptsTotal *prometheus.CounterVec

	// DCSWatchReconnectsTotal counts DCS watch-stream reconnects.
	DCSWatchReconnectsTotal prometheus.Counter

	// ─── Rate limiter ─────────────────────────────────────────────────────────

	// RateLimitTokensRemaining is the current CAS retry token bucket level.
	RateLimitTokensRemaining prometheus.Gauge

	// RateLimitRejectionsTotal counts CAS retries denied by the limiter.
	RateLimitRejectionsTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageLedgerEntries is the current number of audit ledger entries.
	StorageLedgerEntries prometheus.Gauge

	// ─── Supervisor ───────────────────────────────────────────────────────────

	// LeaderHeld reports whether this supervisor currently holds the DCS
	// leader lease (1) or not (0).
	LeaderHeld prometheus.Gauge

	// UptimeSeconds is the number of seconds since the supervisor started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all pgkeeper Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pgkeeper",
			Subsystem: "haloop",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one observe-resolve-apply tick.",
			Buckets:   prometheus.DefBuckets,
		}),

		TickErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgkeeper",
			Subsystem: "haloop",
			Name:      "tick_errors_total",
			Help:      "Total ticks that aborted with an error, by stage.",
		}, []string{"stage"}),

		TransitionsProposedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgkeeper",
			Subsystem: "resolver",
			Name:      "transitions_proposed_total",
			Help:      "Total transitions produced by the resolver, by kind.",
		}, []string{"kind"}),

		ResolveInvariantViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgkeeper",
			Subsystem: "resolver",
			Name:      "invariant_violations_total",
			Help:      "Total QuorumError aborts raised by the resolver or invariant checker.",
		}),

		TransitionsAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgkeeper",
			Subsystem: "executor",
			Name:      "transitions_applied_total",
			Help:      "Total transitions successfully applied to a store, by kind.",
		}, []string{"kind"}),

		TransitionApplyFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgkeeper",
			Subsystem: "executor",
			Name:      "transition_apply_failures_total",
			Help:      "Total transitions that failed to apply, by kind and reason.",
		}, []string{"kind", "reason"}),

		ApplyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pgkeeper",
			Subsystem: "executor",
			Name:      "apply_latency_seconds",
			Help:      "Latency of applying a single transition to its store, by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		ActivePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgkeeper",
			Subsystem: "observer",
			Name:      "active_peers",
			Help:      "Current number of peers the observer considers healthy.",
		}),

		DCSCASAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgkeeper",
			Subsystem: "dcs",
			Name:      "cas_attempts_total",
			Help:      "Total compare-and-swap attempts against the sync key, by outcome.",
		}, []string{"outcome"}),

		DCSWatchReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgkeeper",
			Subsystem: "dcs",
			Name:      "watch_reconnects_total",
			Help:      "Total DCS watch-stream reconnects.",
		}),

		RateLimitTokensRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgkeeper",
			Subsystem: "ratelimit",
			Name:      "tokens_remaining",
			Help:      "Current level of the DCS CAS retry token bucket.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgkeeper",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total CAS retries denied by the rate limiter.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pgkeeper",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgkeeper",
			Subsystem: "storage",
			Name:      "ledger_entries",
			Help:      "Current number of audit ledger entries in BoltDB.",
		}),

		LeaderHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgkeeper",
			Subsystem: "supervisor",
			Name:      "leader_held",
			Help:      "Whether this supervisor currently holds the DCS leader lease (1) or not (0).",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgkeeper",
			Subsystem: "supervisor",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the supervisor started.",
		}),
	}

	reg.MustRegister(
		m.TickDuration,
		m.TickErrorsTotal,
		m.TransitionsProposedTotal,
		m.ResolveInvariantViolationsTotal,
		m.TransitionsAppliedTotal,
		m.TransitionApplyFailuresTotal,
		m.ApplyLatency,
		m.ActivePeers,
		m.DCSCASAttemptsTotal,
		m.DCSWatchReconnectsTotal,
		m.RateLimitTokensRemaining,
		m.RateLimitRejectionsTotal,
		m.StorageWriteLatency,
		m.StorageLedgerEntries,
		m.LeaderHeld,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
