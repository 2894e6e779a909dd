// Package metrics holds the Prometheus collectors shared across services
// and the gin middleware that records HTTP traffic.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route and status class.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "holdfast",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts escrow state changes by target status.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "escrow_transitions_total",
			Help:      "Escrow state transitions by target status.",
		},
		[]string{"to"},
	)

	EscrowCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "holdfast",
		Name:      "escrow_created_total",
		Help:      "Escrows created.",
	})

	// EscrowDuration observes funded-to-terminal time.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "holdfast",
		Name:      "escrow_duration_seconds",
		Help:      "Time from funding to release or refund.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800, 2592000},
	})

	FeesCollectedCents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "fees_collected_cents_total",
			Help:      "Platform fees collected in minor units.",
		},
		[]string{"currency", "source"},
	)

	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "holdfast",
		Name:      "disputes_opened_total",
		Help:      "Disputes opened.",
	})

	DisputeEscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "dispute_escalations_total",
			Help:      "Dispute escalations by target stage and trigger.",
		},
		[]string{"stage", "trigger"},
	)

	DisputeResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "dispute_resolutions_total",
			Help:      "Disputes ended by outcome (CLOSED for closes).",
		},
		[]string{"outcome"},
	)

	WithdrawalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "withdrawals_total",
			Help:      "Withdrawals by resulting status.",
		},
		[]string{"status"},
	)

	// ReconciliationDifferenceCents is escrowHoldBalance - pendingEscrows per currency.
	ReconciliationDifferenceCents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "holdfast",
			Name:      "reconciliation_difference_cents",
			Help:      "Ledger escrow hold minus pending escrow value, per currency.",
		},
		[]string{"currency"},
	)

	ReconciliationWalletDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast",
		Name:      "reconciliation_wallet_drift",
		Help:      "Wallets whose cached balance differs from their replayed entries.",
	})

	ReconciliationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "reconciliation_runs_total",
			Help:      "Reconciliation runs by result (ok, mismatch, error).",
		},
		[]string{"result"},
	)

	IdempotentReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "holdfast",
		Name:      "idempotent_replays_total",
		Help:      "Responses served from the idempotency store.",
	})

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "webhooks_total",
			Help:      "Inbound webhooks by source and result.",
		},
		[]string{"source", "result"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by caller class.",
		},
		[]string{"class"},
	)

	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast",
		Name:      "active_websocket_clients",
		Help:      "Connected websocket clients.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})

	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})

	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast", Name: "db_wait_duration_seconds_total",
		Help: "Total time blocked waiting for a new connection.",
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast", Name: "goroutines",
		Help: "Number of running goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowCreatedTotal,
		EscrowDuration,
		FeesCollectedCents,
		DisputesOpenedTotal,
		DisputeEscalationsTotal,
		DisputeResolutionsTotal,
		WithdrawalsTotal,
		ReconciliationDifferenceCents,
		ReconciliationWalletDrift,
		ReconciliationRunsTotal,
		IdempotentReplaysTotal,
		WebhooksTotal,
		RateLimitedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count until
// ctx is done. Call in a goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
