// Package metrics holds the Prometheus collectors for the render core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "render_jobs_created_total",
		Help: "Render jobs accepted and persisted as queued.",
	})

	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_job_transitions_total",
		Help: "Applied render job state transitions.",
	}, []string{"from", "to"})

	Enqueues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_dispatch_enqueues_total",
		Help: "Dispatch enqueue attempts by result.",
	}, []string{"result"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_webhook_deliveries_total",
		Help: "Inbound render webhooks by result.",
	}, []string{"result"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the fixed-window rate limiter.",
	})

	QuotaExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usage_quota_exceeded_total",
		Help: "Requests rejected because a monthly plan limit was reached.",
	}, []string{"metric"})
)
