package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Domain counters, exposed on /metrics alongside the HTTP middleware set.
var (
	jobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faxgw_jobs_dispatched_total",
		Help: "Outbound dispatch attempts by backend and outcome.",
	}, []string{"backend", "outcome"})

	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faxgw_webhook_events_total",
		Help: "Provider webhook pushes by provider and ingestion result.",
	}, []string{"provider", "result"})

	artifactsReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faxgw_artifacts_reclaimed_total",
		Help: "Artifacts reclaimed by the retention sweeper, by record kind.",
	}, []string{"kind"})
)
