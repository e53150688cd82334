// Package realtime serves the WebSocket endpoint: one connection per client,
// JSON frames in both directions, and the named events the clients speak.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/circle/internal/chat"
	"github.com/eldtechnologies/circle/internal/friends"
	"github.com/eldtechnologies/circle/internal/identity"
	"github.com/eldtechnologies/circle/internal/models"
	"github.com/eldtechnologies/circle/internal/presence"
)

const (
	maxFrameBytes = 64 << 10
	eventTimeout  = 15 * time.Second
)

// Config tunes connections.
type Config struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	AllowedOrigins []string
}

func (c *Config) setDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
}

// Hub upgrades requests and dispatches their events.
type Hub struct {
	registry *presence.Registry
	router   *chat.Router
	friends  *friends.Service
	gate     identity.Gate
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// NewHub creates a hub.
func NewHub(registry *presence.Registry, router *chat.Router, fs *friends.Service, gate identity.Gate, cfg Config, logger zerolog.Logger) *Hub {
	cfg.setDefaults()
	h := &Hub{
		registry: registry,
		router:   router,
		friends:  fs,
		gate:     gate,
		cfg:      cfg,
		logger:   logger.With().Str("component", "realtime").Logger(),
		conns:    make(map[*Conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return len(h.cfg.AllowedOrigins) == 0
}

// client is the per-connection state owned by the read loop.
type client struct {
	conn   *Conn
	userID string
	// credential presented at upgrade, used by a join without a token
	credential string
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// A credential presented at upgrade time is checked before upgrading.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := identity.CredentialFromHeader(r.Header)
	if credential == "" {
		credential = r.URL.Query().Get("token")
	}
	if credential != "" {
		if _, err := h.gate.Authenticate(r.Context(), credential); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	conn := newConn(ws, h.cfg, h.logger)
	cl := &client{conn: conn, credential: credential}

	h.track(conn)
	defer h.untrack(conn)

	go conn.writePump()
	h.readLoop(r.Context(), cl)

	conn.Close(presence.ReasonDisconnect)
	h.registry.Deregister(r.Context(), conn)
}

func (h *Hub) track(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()
}

func (h *Hub) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}

// Connections returns the number of open connections, joined or not.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) readLoop(ctx context.Context, cl *client) {
	ws := cl.conn.ws
	ws.SetReadLimit(maxFrameBytes)
	ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("conn_id", cl.conn.ID()).Msg("read failed")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		if stop := h.handleFrame(ctx, cl, data); stop {
			return
		}
	}
}

// handleFrame runs one inbound frame and reports whether the read loop should
// stop. Frames still buffered when the connection was closed, for example by
// a newer join for the same user, are dropped.
func (h *Hub) handleFrame(ctx context.Context, cl *client, data []byte) bool {
	select {
	case <-cl.conn.Done():
		return true
	default:
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		h.fail(cl, &f, fmt.Errorf("%w: malformed frame", models.ErrInvalidContent))
		return false
	}
	if f.Event == models.EventDisconnect {
		return true
	}

	opCtx, cancel := context.WithTimeout(ctx, eventTimeout)
	result, err := h.dispatch(opCtx, cl, &f)
	cancel()
	if err != nil {
		h.fail(cl, &f, err)
		return false
	}
	h.ok(cl, &f, result)
	return false
}

// errUnknownEvent is reported for event names outside the contract.
var errUnknownEvent = errors.New("unknown event")

func (h *Hub) dispatch(ctx context.Context, cl *client, f *Frame) (any, error) {
	if f.Event == models.EventJoin {
		return h.join(ctx, cl, f.Data)
	}
	if cl.userID == "" {
		return nil, fmt.Errorf("%w: join first", models.ErrUnauthenticated)
	}

	switch f.Event {
	case models.EventSendMessage:
		var p struct {
			ToID string `json:"toId"`
			models.Content
		}
		if err := decode(f.Data, &p); err != nil {
			return nil, err
		}
		return h.router.Send(ctx, cl.userID, p.ToID, p.Content)

	case models.EventMarkRead:
		var p struct {
			MessageID string `json:"messageId"`
		}
		if err := decode(f.Data, &p); err != nil {
			return nil, err
		}
		return h.router.MarkRead(ctx, p.MessageID, cl.userID)

	case models.EventFriendRequest:
		var p struct {
			ToID string `json:"toId"`
		}
		if err := decode(f.Data, &p); err != nil {
			return nil, err
		}
		return h.friends.Send(ctx, cl.userID, p.ToID)

	case models.EventAcceptFriend:
		var p struct {
			FromID string `json:"fromId"`
		}
		if err := decode(f.Data, &p); err != nil {
			return nil, err
		}
		return h.friends.Accept(ctx, cl.userID, p.FromID)

	case models.EventRejectFriend:
		var p struct {
			FromID string `json:"fromId"`
		}
		if err := decode(f.Data, &p); err != nil {
			return nil, err
		}
		return h.friends.Reject(ctx, cl.userID, p.FromID)

	case models.EventHistory:
		var p struct {
			UserID string `json:"userId"`
		}
		if err := decode(f.Data, &p); err != nil {
			return nil, err
		}
		msgs, err := h.router.History(ctx, cl.userID, p.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": msgs}, nil
	}

	return nil, fmt.Errorf("%w: %q", errUnknownEvent, f.Event)
}

// join authenticates the connection and registers its session.
func (h *Hub) join(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p struct {
		UserID string `json:"userId"`
		Token  string `json:"token"`
	}
	// Older clients send the bare user id.
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		p.UserID = bare
	} else if err := decode(data, &p); err != nil {
		return nil, err
	}

	credential := p.Token
	if credential == "" {
		credential = cl.credential
	}
	userID, err := h.gate.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	if p.UserID != "" && p.UserID != userID {
		return nil, fmt.Errorf("%w: token belongs to another user", models.ErrForbidden)
	}

	if _, err := h.registry.Register(ctx, userID, cl.conn); err != nil {
		return nil, err
	}
	cl.userID = userID

	return map[string]any{
		"userId": userID,
		"online": h.registry.Online(),
	}, nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidContent, err)
	}
	return nil
}

func (h *Hub) ok(cl *client, f *Frame, result any) {
	err := cl.conn.enqueue(outFrame{
		Event: models.EventOK,
		Ref:   f.Ref,
		Data:  map[string]any{"op": f.Event, "result": result},
	})
	if err != nil {
		h.logger.Debug().Err(err).Str("op", f.Event).Msg("reply dropped")
	}
}

func (h *Hub) fail(cl *client, f *Frame, err error) {
	code := models.ErrorCode(err)
	if errors.Is(err, errUnknownEvent) {
		code = "UnknownEvent"
	}
	if code == "Internal" {
		h.logger.Error().Err(err).Str("op", f.Event).Str("user_id", cl.userID).Msg("event failed")
	}

	msg := err.Error()
	if code == "Internal" {
		msg = "internal error"
	}
	sendErr := cl.conn.enqueue(outFrame{
		Event: models.EventFail,
		Ref:   f.Ref,
		Data:  map[string]any{"op": f.Event, "code": code, "error": msg},
	})
	if sendErr != nil {
		h.logger.Debug().Err(sendErr).Str("op", f.Event).Msg("reply dropped")
	}
}

// Shutdown closes every live connection and waits for their loops to
// deregister, or for ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.registry.CloseAll(presence.ReasonShutdown)
	h.mu.Lock()
	for c := range h.conns {
		c.Close(presence.ReasonShutdown)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
