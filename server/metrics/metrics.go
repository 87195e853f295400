package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talkspace_connections",
			Help: "Currently registered websocket connections",
		},
	)

	Rooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talkspace_rooms",
			Help: "Rooms with at least one member",
		},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkspace_events_total",
			Help: "Client events handled",
		},
		[]string{"event", "outcome"}, // outcome is "ok" or an error kind
	)

	DroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkspace_dropped_frames_total",
			Help: "Outbound frames dropped because a connection could not take them",
		},
	)

	// Business metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkspace_messages_total",
			Help: "Message lifecycle transitions",
		},
		[]string{"action"}, // sent, edited, deleted
	)

	VotesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkspace_votes_total",
			Help: "Votes counted",
		},
	)

	PollsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkspace_polls_created_total",
			Help: "Polls created",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkspace_notifications_total",
			Help: "Notification records persisted",
		},
		[]string{"result"}, // created or merged
	)

	NotificationDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkspace_notification_deliveries_total",
			Help: "Notification frames delivered to live connections",
		},
	)

	Uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkspace_uploads_total",
			Help: "Attachment uploads",
		},
		[]string{"outcome"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkspace_rate_limit_hits_total",
			Help: "Events rejected by the limiter",
		},
		[]string{"event"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkspace_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talkspace_store_latency_seconds",
			Help:    "SQL store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)
)
