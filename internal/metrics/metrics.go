package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "circle_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Realtime metrics
	LiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "circle_live_sessions",
			Help: "Users with a registered live session",
		},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_presence_transitions_total",
			Help: "Presence transitions emitted by the connection registry",
		},
		[]string{"state"}, // "online" or "offline"
	)

	SessionsSuperseded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "circle_sessions_superseded_total",
			Help: "Sessions closed because the same user connected again",
		},
	)

	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "circle_broadcast_drops_total",
			Help: "Status pushes skipped because the recipient was slow or gone",
		},
	)

	// Business metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_messages_persisted_total",
			Help: "Total messages appended to conversation logs",
		},
		[]string{"type"}, // text, photo, video, audio
	)

	LivePushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_live_pushes_total",
			Help: "Outcome of live message delivery attempts",
		},
		[]string{"result"}, // "delivered", "dropped", "offline"
	)

	FriendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_friend_requests_total",
			Help: "Friend request transitions",
		},
		[]string{"action"}, // "sent", "accepted", "rejected"
	)

	MediaUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_media_uploads_total",
			Help: "Stored media uploads",
		},
		[]string{"kind"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "circle_store_latency_seconds",
			Help:    "Durable store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)

	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "circle_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
