package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/circle/internal/api/middleware"
	"github.com/eldtechnologies/circle/internal/handlers"
	"github.com/eldtechnologies/circle/internal/identity"
	"github.com/eldtechnologies/circle/internal/media"
)

const maxJSONBody = 16 * 1024

// Options wires the router to the rest of the server.
type Options struct {
	Handlers       handlers.Deps
	Gate           identity.Gate
	Socket         http.Handler // the realtime hub
	AllowedOrigins []string
	MaxUploadBytes int64
	RateLimit      middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting needs Redis; without it the server runs unlimited.
	if rs := opts.Handlers.Redis; rs != nil {
		limiter := middleware.NewRateLimiter(rs.Client(), logger, opts.RateLimit)
		r.Use(limiter.Middleware)
	} else {
		logger.Warn().Msg("rate limiting disabled: REDIS_URL not set")
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Auth-Token"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(opts.Handlers)
	auth := middleware.NewAuthMiddleware(opts.Gate)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Handle("/ws", opts.Socket)
	if opts.Handlers.Media != nil {
		r.Handle(media.URLPrefix+"*", opts.Handlers.Media.Handler())
	}

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/users", h.Users)
		r.Get("/friends", h.Friends)
		r.Get("/friend-requests", h.FriendRequests)
		r.Get("/chat/{userId}", h.History)

		r.Group(func(r chi.Router) {
			r.Use(middleware.MaxBodySize(maxJSONBody))

			r.Post("/friend-request", h.SendFriendRequest)
			r.Post("/accept-friend", h.AcceptFriend)
			r.Post("/reject-friend", h.RejectFriend)
			r.Post("/mark-read", h.MarkRead)
		})

		// Room for the upload plus the multipart envelope.
		r.With(middleware.MaxBodySize(opts.MaxUploadBytes+media.MaxFormMemory)).
			Post("/send-message", h.SendMessage)
	})

	return r
}

