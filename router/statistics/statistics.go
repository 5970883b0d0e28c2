package statistics

import (
	"sync"
	"time"

	"github.com/caio/go-tdigest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

type StatisticsType string

const (
	StatisticsTypeRouter = StatisticsType("router")
	StatisticsTypeShard  = StatisticsType("shard")
)

var (
	queryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgcrab_queries_total",
		Help: "Total number of client cycles processed",
	})

	injectedParses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgcrab_injected_parses_total",
		Help: "Parses the proxy issued on behalf of clients",
	})

	dedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgcrab_parse_dedup_hits_total",
		Help: "Client Parses satisfied without touching a backend",
	})

	stmtConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgcrab_statement_conflicts_total",
		Help: "Parses rejected under the strict conflict policy",
	})

	cacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgcrab_cache_invalidations_total",
		Help: "Backend prepared-cache invalidations (epoch bumps)",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgcrab_active_sessions",
		Help: "Number of live client sessions",
	})

	poolIdleConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgcrab_pool_idle_connections",
		Help: "Idle backend connections per shard pool",
	}, []string{"shard"})

	poolInUseConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgcrab_pool_in_use_connections",
		Help: "Checked-out backend connections per shard pool",
	}, []string{"shard"})

	poolAvailablePermits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgcrab_pool_available_permits",
		Help: "Remaining connection permits per shard pool",
	}, []string{"shard"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pgcrab_cycle_duration_seconds",
		Help:    "Client cycle duration, pin to release",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
	})
)

/* counters mirrored for the SHOW PGCRAB ANALYTICS snapshot */

var (
	cntQueries       = atomic.NewUint64(0)
	cntInjected      = atomic.NewUint64(0)
	cntDedupHits     = atomic.NewUint64(0)
	cntConflicts     = atomic.NewUint64(0)
	cntInvalidations = atomic.NewUint64(0)
	cntRetries       = atomic.NewUint64(0)
)

type AnalyticsSnapshot struct {
	Queries            uint64
	InjectedParses     uint64
	DedupHits          uint64
	StatementConflicts uint64
	CacheInvalidations uint64
	StatementRetries   uint64

	RouterTimeP99 float64
	ShardTimeP99  float64
}

func RecordQuery() {
	queryTotal.Inc()
	cntQueries.Inc()
}

func RecordInjectedParse() {
	injectedParses.Inc()
	cntInjected.Inc()
}

func RecordDedupHit() {
	dedupHits.Inc()
	cntDedupHits.Inc()
}

func RecordStatementConflict() {
	stmtConflicts.Inc()
	cntConflicts.Inc()
}

func RecordCacheInvalidation() {
	cacheInvalidations.Inc()
	cntInvalidations.Inc()
}

func RecordStatementRetry() {
	cntRetries.Inc()
}

func SessionOpened() {
	activeSessions.Inc()
}

func SessionClosed() {
	activeSessions.Dec()
}

func RecordCycleDuration(d time.Duration) {
	cycleDuration.Observe(d.Seconds())
}

// RecordPoolGauges publishes one shard pool's point-in-time state.
func RecordPoolGauges(shard string, idle int, inUse int, available int) {
	poolIdleConns.WithLabelValues(shard).Set(float64(idle))
	poolInUseConns.WithLabelValues(shard).Set(float64(inUse))
	poolAvailablePermits.WithLabelValues(shard).Set(float64(available))
}

/* latency quantiles, process-wide */

var (
	qmu        sync.Mutex
	routerTime *tdigest.TDigest
	shardTime  *tdigest.TDigest
)

func init() {
	routerTime, _ = tdigest.New()
	shardTime, _ = tdigest.New()
}

func RecordLatency(st StatisticsType, d time.Duration) {
	qmu.Lock()
	defer qmu.Unlock()

	switch st {
	case StatisticsTypeRouter:
		_ = routerTime.Add(d.Seconds())
	case StatisticsTypeShard:
		_ = shardTime.Add(d.Seconds())
	}
}

func latencyQuantile(t *tdigest.TDigest, q float64) float64 {
	if t.Count() == 0 {
		return 0
	}
	return t.Quantile(q)
}

func Snapshot() AnalyticsSnapshot {
	qmu.Lock()
	routerP99 := latencyQuantile(routerTime, 0.99)
	shardP99 := latencyQuantile(shardTime, 0.99)
	qmu.Unlock()

	return AnalyticsSnapshot{
		Queries:            cntQueries.Load(),
		InjectedParses:     cntInjected.Load(),
		DedupHits:          cntDedupHits.Load(),
		StatementConflicts: cntConflicts.Load(),
		CacheInvalidations: cntInvalidations.Load(),
		StatementRetries:   cntRetries.Load(),
		RouterTimeP99:      routerP99,
		ShardTimeP99:       shardP99,
	}
}
