package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showroom_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "showroom_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "showroom_sessions_created_total",
			Help: "Total shopping sessions created",
		},
	)

	SessionsEnded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "showroom_sessions_ended_total",
			Help: "Total shopping sessions ended by their host",
		},
	)

	ParticipantsJoined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "showroom_participants_joined_total",
			Help: "Total participant joins across all sessions",
		},
	)

	EventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showroom_events_recorded_total",
			Help: "Total realtime events persisted by the recorder",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showroom_events_dropped_total",
			Help: "Total realtime events the recorder could not decode or persist",
		},
		[]string{"reason"},
	)

	SearchQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "showroom_search_queries_total",
			Help: "Total transcript search queries",
		},
	)

	InvitesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "showroom_invites_sent_total",
			Help: "Total session invites created",
		},
	)
)
