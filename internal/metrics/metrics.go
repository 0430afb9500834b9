package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total emails that reached the failed state",
		},
	)

	QuotaDeferrals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_quota_deferrals_total",
			Help: "Dispatches pushed to the next hour by the sender quota",
		},
	)

	Retries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_retries_total",
			Help: "Transport failures rescheduled for another attempt",
		},
	)

	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_jobs_scheduled_total",
			Help: "Email jobs created by batch planning",
		},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "email_dispatch_duration_seconds",
			Help:    "Transport call latency by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(QuotaDeferrals)
	prometheus.MustRegister(Retries)
	prometheus.MustRegister(JobsScheduled)
	prometheus.MustRegister(DispatchDuration)
}
