package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Push notification outcomes
const (
	PushAccepted  = "accepted"
	PushDuplicate = "duplicate"
	PushBusy      = "busy"
	PushMalformed = "malformed"
	PushFailed    = "failed"
	PushError     = "error"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	IngestRuns        *prometheus.CounterVec
	MessagesFetched   prometheus.Counter
	MessagesStored    prometheus.Counter
	DuplicatesSkipped prometheus.Counter
	LeadsExtracted    prometheus.Counter
	ExtractionSkipped prometheus.Counter
	MessageFailures   prometheus.Counter
	ReauthRequired    prometheus.Counter
	PushNotifications *prometheus.CounterVec
	ProcessingTime    prometheus.Histogram
	LastLeadID        prometheus.Gauge
}

// NewMetrics registers the metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		IngestRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "satei_ingest_runs_total",
			Help: "Total number of ingestion runs by trigger source and status",
		}, []string{"source", "status"}),
		MessagesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "satei_messages_fetched_total",
			Help: "Total number of message ids returned by the provider",
		}),
		MessagesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "satei_messages_stored_total",
			Help: "Total number of newly stored raw messages",
		}),
		DuplicatesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "satei_messages_duplicate_total",
			Help: "Total number of fetched messages that were already stored",
		}),
		LeadsExtracted: factory.NewCounter(prometheus.CounterOpts{
			Name: "satei_leads_extracted_total",
			Help: "Total number of newly stored leads",
		}),
		ExtractionSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "satei_extraction_skipped_total",
			Help: "Total number of new messages that yielded no new lead",
		}),
		MessageFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "satei_message_failures_total",
			Help: "Total number of messages that failed to fetch or store",
		}),
		ReauthRequired: factory.NewCounter(prometheus.CounterOpts{
			Name: "satei_provider_reauth_required_total",
			Help: "Total number of provider calls rejected for expired or revoked credentials",
		}),
		PushNotifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "satei_push_notifications_total",
			Help: "Total number of push notifications by outcome",
		}, []string{"outcome"}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "satei_ingest_duration_seconds",
			Help:    "Time spent in ingestion runs",
			Buckets: prometheus.DefBuckets,
		}),
		LastLeadID: factory.NewGauge(prometheus.GaugeOpts{
			Name: "satei_last_lead_id",
			Help: "Highest lead id seen by the last ingestion run",
		}),
	}
}
