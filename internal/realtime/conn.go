package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/circle/internal/presence"
)

// CloseSuperseded is the close code sent to a connection replaced by a newer
// one for the same user.
const CloseSuperseded = 4000

// Frame is one JSON text message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Ref   string `json:"ref,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Conn is a WebSocket session. Pushes go through a bounded queue drained by
// the write pump, so callers never block on a slow peer.
type Conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	writeTimeout time.Duration
	pingPeriod   time.Duration

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	reason    string
}

func newConn(ws *websocket.Conn, cfg Config, logger zerolog.Logger) *Conn {
	id := uuid.Must(uuid.NewV7()).String()
	return &Conn{
		id:           id,
		ws:           ws,
		send:         make(chan []byte, cfg.SendBuffer),
		logger:       logger.With().Str("conn_id", id).Logger(),
		writeTimeout: cfg.WriteTimeout,
		pingPeriod:   cfg.PongTimeout * 9 / 10,
		done:         make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Push queues a named event.
func (c *Conn) Push(event string, payload any) error {
	return c.enqueue(outFrame{Event: event, Data: payload})
}

func (c *Conn) enqueue(f outFrame) error {
	select {
	case <-c.done:
		return presence.ErrTransportClosed
	default:
	}

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}

	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return presence.ErrTransportClosed
	default:
		return presence.ErrBackpressure
	}
}

// Close stops the connection. Only the first reason is kept.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writePump is the only writer of c.ws. On close it flushes what is queued,
// sends a close frame with the reason and closes the socket, which unblocks
// the read loop.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case b := <-c.send:
			if err := c.write(b); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close(presence.ReasonWriteFailed)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(presence.ReasonWriteFailed)
				return
			}
		case <-c.done:
			c.flush()
			reason := c.closeReason()
			msg := websocket.FormatCloseMessage(closeCode(reason), reason)
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			return
		}
	}
}

func (c *Conn) write(b []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) flush() {
	for {
		select {
		case b := <-c.send:
			if err := c.write(b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func closeCode(reason string) int {
	switch reason {
	case presence.ReasonSuperseded:
		return CloseSuperseded
	case presence.ReasonShutdown:
		return websocket.CloseGoingAway
	case presence.ReasonWriteFailed:
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}
