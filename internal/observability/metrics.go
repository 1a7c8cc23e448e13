// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"index-fund-engine/internal/domain"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OperationErrors   *prometheus.CounterVec

	// Auction metrics
	BidsFilled        prometheus.Counter
	BidsClosedEarly   prometheus.Counter
	BidsWithCallback  prometheus.Counter
	AuctionsOpened    prometheus.Counter
	AuctionsClosed    prometheus.Counter
	RebalancesStarted prometheus.Counter

	// Fee metrics
	FeeSharesMinted    *prometheus.CounterVec
	DistributionsTotal prometheus.Counter
	PendingFeeShares   *prometheus.GaugeVec

	// Clock metrics
	HighestSlotSeen prometheus.Gauge
	RPCCallLatency  *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulCrank prometheus.Gauge
	UptimeSeconds       prometheus.Counter
}

// NewMetrics creates a Metrics instance registered with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "index_fund"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Operation metrics
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "operations_total",
			Help:      "Total number of processed operations by status",
		}, []string{"operation", "status"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "operation_duration_seconds",
			Help:      "Operation latency in seconds, including the ledger transaction",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		OperationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "operation_errors_total",
			Help:      "Total number of failed operations by error kind and code",
		}, []string{"operation", "kind", "code"}),

		// Auction metrics
		BidsFilled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auction",
			Name:      "bids_filled_total",
			Help:      "Total number of executed bids",
		}),
		BidsClosedEarly: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auction",
			Name:      "bids_closed_early_total",
			Help:      "Total number of bids that reached a limit and closed their auction",
		}),
		BidsWithCallback: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auction",
			Name:      "bids_with_callback_total",
			Help:      "Total number of bids settled through a callback router",
		}),
		AuctionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auction",
			Name:      "auctions_opened_total",
			Help:      "Total number of auctions opened",
		}),
		AuctionsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auction",
			Name:      "auctions_closed_total",
			Help:      "Total number of auctions closed by an operator",
		}),
		RebalancesStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auction",
			Name:      "rebalances_started_total",
			Help:      "Total number of rebalance epochs started",
		}),

		// Fee metrics
		FeeSharesMinted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fees",
			Name:      "shares_minted_total",
			Help:      "Raw index token units minted as fees by recipient type",
		}, []string{"recipient"}),
		DistributionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fees",
			Name:      "distributions_total",
			Help:      "Total number of fee distributions",
		}),
		PendingFeeShares: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fees",
			Name:      "pending_shares",
			Help:      "Pending fee shares in scaled units by accumulator",
		}, []string{"fund", "accumulator"}),

		// Clock metrics
		HighestSlotSeen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "highest_slot_seen",
			Help:      "Highest Solana slot number seen",
		}),
		RPCCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		// Database metrics
		DBQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSuccessfulCrank: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_crank_timestamp",
			Help:      "Unix timestamp of the last successful keeper crank",
		}),
		UptimeSeconds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "uptime_seconds_total",
			Help:      "Total uptime in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordOperation records the outcome and latency of a processor operation.
// Failures are broken down by domain error kind and code when available.
func (m *Metrics) RecordOperation(operation string, seconds float64, err error) {
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
	if err == nil {
		m.OperationsTotal.WithLabelValues(operation, "ok").Inc()
		return
	}
	m.OperationsTotal.WithLabelValues(operation, "error").Inc()

	kind, code := "other", "0"
	var de *domain.Error
	if errors.As(err, &de) {
		kind, code = string(de.Kind), strconv.FormatUint(uint64(de.Code), 10)
	}
	m.OperationErrors.WithLabelValues(operation, kind, code).Inc()
}

// RecordBid records an executed bid.
func (m *Metrics) RecordBid(closedEarly, usedCallback bool) {
	m.BidsFilled.Inc()
	if closedEarly {
		m.BidsClosedEarly.Inc()
	}
	if usedCallback {
		m.BidsWithCallback.Inc()
	}
}

// RecordMinted adds raw fee units minted to recipient ("dao" or "recipients").
func (m *Metrics) RecordMinted(recipient string, amount uint64) {
	if amount > 0 {
		m.FeeSharesMinted.WithLabelValues(recipient).Add(float64(amount))
	}
}

// SetPendingFees publishes a fund's pending accumulators. Values are scaled
// units and lose precision past 2^53.
func (m *Metrics) SetPendingFees(f *domain.Fund) {
	m.PendingFeeShares.WithLabelValues(f.Address, "dao").Set(toFloat(&f.DAOPendingFeeShares))
	m.PendingFeeShares.WithLabelValues(f.Address, "recipients").Set(toFloat(&f.FeeRecipientsPendingFeeShares))
	m.PendingFeeShares.WithLabelValues(f.Address, "to_be_minted").Set(toFloat(&f.FeeRecipientsPendingFeeSharesToBeMinted))
}

func toFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

// UpdateHighestSlot updates the highest slot seen gauge.
func (m *Metrics) UpdateHighestSlot(slot int64) {
	m.HighestSlotSeen.Set(float64(slot))
}

// RecordRPCLatency records RPC call latency.
func (m *Metrics) RecordRPCLatency(method string, seconds float64) {
	m.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordDBQuery records database query metrics.
func (m *Metrics) RecordDBQuery(database, operation string, seconds float64, err error) {
	m.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		m.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
