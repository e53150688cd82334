package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/circle/internal/chat"
	"github.com/eldtechnologies/circle/internal/friends"
	"github.com/eldtechnologies/circle/internal/media"
	"github.com/eldtechnologies/circle/internal/models"
	"github.com/eldtechnologies/circle/internal/presence"
	"github.com/eldtechnologies/circle/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	db       store.DataStore
	redis    *store.RedisStore // nil when REDIS_URL is unset
	registry *presence.Registry
	router   *chat.Router
	friends  *friends.Service
	media    *media.DiskStorage
	sockets  SocketCounter
	logger   zerolog.Logger
}

// SocketCounter reports open WebSocket connections.
type SocketCounter interface {
	Connections() int
}

// Deps groups what NewHandler needs.
type Deps struct {
	DB       store.DataStore
	Redis    *store.RedisStore
	Registry *presence.Registry
	Router   *chat.Router
	Friends  *friends.Service
	Media    *media.DiskStorage
	Sockets  SocketCounter // optional
	Logger   zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		db:       d.DB,
		redis:    d.Redis,
		registry: d.Registry,
		router:   d.Router,
		friends:  d.Friends,
		media:    d.Media,
		sockets:  d.Sockets,
		logger:   d.Logger.With().Str("component", "http").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, map[string]string{"error": message, "code": code})
}

// Fail maps a domain error onto its HTTP status.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	code := models.ErrorCode(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		h.Error(w, status, code, "internal error")
		return
	}
	h.Error(w, status, code, err.Error())
}

func statusFor(code string) int {
	switch code {
	case "Unauthenticated":
		return http.StatusUnauthorized
	case "InvalidTarget", "InvalidContent":
		return http.StatusBadRequest
	case "Forbidden":
		return http.StatusForbidden
	case "NotFound", "RequestNotFound":
		return http.StatusNotFound
	case "DuplicatePending", "AlreadyFriends":
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a JSON body into v. Body errors are InvalidContent.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body too large", models.ErrInvalidContent)
		}
		return fmt.Errorf("%w: invalid request body", models.ErrInvalidContent)
	}
	return nil
}
