package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	casConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "governance",
		Name:      "cas_conflicts_total",
		Help:      "Version mismatches hit by the approval status CAS loop.",
	})
	requestsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governance",
		Name:      "requests_resolved_total",
		Help:      "Approval requests resolved, by final status.",
	}, []string{"status"})
	siblingCancelFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "governance",
		Name:      "sibling_cancel_failures_total",
		Help:      "Competing pending requests that could not be cancelled after a win.",
	})
)

func recordCASConflict() {
	casConflictsTotal.Inc()
}

func recordResolution(status string) {
	requestsResolvedTotal.WithLabelValues(status).Inc()
}

func recordSiblingCancelFailure() {
	siblingCancelFailuresTotal.Inc()
}
