package docsession

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relaylive_document_sessions",
		Help: "Document replicas held in memory, by state.",
	}, []string{"state"})

	hydrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaylive_document_hydrations_total",
		Help: "Document hydrations, by outcome.",
	}, []string{"result"})

	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaylive_document_evictions_total",
		Help: "Document replicas dropped from memory, by reason.",
	}, []string{"reason"})
)
