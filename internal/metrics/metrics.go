package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyotabank_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nyotabank_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyotabank_transfers_total",
			Help: "Total number of card-to-card transfers",
		},
		[]string{"outcome"},
	)

	TransferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nyotabank_transfer_duration_seconds",
			Help:    "Transfer execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CreditScoresComputedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyotabank_credit_scores_computed_total",
			Help: "Total number of credit score computations",
		},
	)

	CryptoTradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyotabank_crypto_trades_total",
			Help: "Total number of crypto operations",
		},
		[]string{"type", "outcome"},
	)

	RateRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyotabank_rate_refreshes_total",
			Help: "Total number of crypto price feed refreshes",
		},
		[]string{"status"},
	)

	ApplicationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyotabank_applications_total",
			Help: "Total number of product applications by type and status",
		},
		[]string{"type", "status"},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordTransfer(outcome string, duration float64) {
	TransfersTotal.WithLabelValues(outcome).Inc()
	TransferDuration.Observe(duration)
}

func RecordCreditScore() {
	CreditScoresComputedTotal.Inc()
}

func RecordCryptoTrade(tradeType, outcome string) {
	CryptoTradesTotal.WithLabelValues(tradeType, outcome).Inc()
}

func RecordRateRefresh(status string) {
	RateRefreshesTotal.WithLabelValues(status).Inc()
}

func RecordApplication(appType, status string) {
	ApplicationsTotal.WithLabelValues(appType, status).Inc()
}
