package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_admission_rejections_total",
			Help: "Requests rejected before any upstream call for insufficient balance",
		},
		[]string{"model"},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_settlements_total",
			Help: "Settlement attempts by outcome",
		},
		[]string{"model", "result"},
	)

	CreditsDebited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_credits_debited_total",
			Help: "Total credits debited per model and category",
		},
		[]string{"model", "category"},
	)

	StreamsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_streams_total",
			Help: "Upstream streams relayed by outcome",
		},
		[]string{"model", "result"},
	)

	UsageReportsMissing = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_usage_reports_missing_total",
			Help: "Streams that ended without a usage report, settled on the category estimate",
		},
		[]string{"model"},
	)
)

// RecordAdmissionRejected counts a payment-required rejection.
func RecordAdmissionRejected(model string) {
	AdmissionRejections.WithLabelValues(model).Inc()
}

// RecordSettlement counts one settlement attempt. Failed settlements are
// revenue leakage and must stay visible on dashboards.
func RecordSettlement(model, category string, credits int64, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	SettlementsTotal.WithLabelValues(model, result).Inc()
	if ok {
		CreditsDebited.WithLabelValues(model, category).Add(float64(credits))
	}
}

// RecordStream counts one relayed stream.
func RecordStream(model string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	StreamsRelayed.WithLabelValues(model, result).Inc()
}

// RecordUsageMissing counts a stream that never reported usage.
func RecordUsageMissing(model string) {
	UsageReportsMissing.WithLabelValues(model).Inc()
}
