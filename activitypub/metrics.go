package activitypub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the federation counters exposed on /metrics.
type Metrics struct {
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	InboxActivities  *prometheus.CounterVec
	OutboxQueued     prometheus.Counter
	Jobs             *prometheus.CounterVec
}

// NewMetrics creates and registers the metrics. A nil registry gets a private one, so tests
// can build as many as they like.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apcore_deliveries_total",
			Help: "Deliveries to remote inboxes by result",
		}, []string{"result"}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "apcore_delivery_duration_seconds",
			Help:    "Time spent posting one activity to one remote inbox",
			Buckets: prometheus.DefBuckets,
		}),
		InboxActivities: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apcore_inbox_activities_total",
			Help: "Inbound activities by type and result",
		}, []string{"type", "result"}),
		OutboxQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "apcore_outbox_queued_total",
			Help: "Activities added to the outbox",
		}),
		Jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apcore_jobs_total",
			Help: "Scheduled job runs by name and result",
		}, []string{"name", "result"}),
	}
}
