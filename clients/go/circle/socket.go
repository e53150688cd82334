package circle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is one frame received from the server.
type Event struct {
	Name string          `json:"event"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Status decodes a user-status event.
func (e Event) Status() (userID string, online bool, err error) {
	var s struct {
		UserID   string `json:"userId"`
		IsActive bool   `json:"isActive"`
	}
	err = json.Unmarshal(e.Data, &s)
	return s.UserID, s.IsActive, err
}

// Message decodes a new-message event.
func (e Event) Message() (*Message, error) {
	var m Message
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Socket is a joined WebSocket connection.
type Socket struct {
	ws     *websocket.Conn
	mu     sync.Mutex // serializes writes
	Online []string   // roster at join time
}

// Connect dials /ws with the client's token and joins.
func (c *Client) Connect(ctx context.Context) (*Socket, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	header := http.Header{}
	if c.Token != "" {
		header.Set("X-Auth-Token", c.Token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}

	s := &Socket{ws: ws}
	if err := s.Send("join", "join", struct{}{}); err != nil {
		ws.Close()
		return nil, err
	}
	for {
		ev, err := s.Next()
		if err != nil {
			ws.Close()
			return nil, err
		}
		if ev.Ref != "join" {
			continue
		}
		var reply struct {
			Code   string `json:"code"`
			Error  string `json:"error"`
			Result struct {
				Online []string `json:"online"`
			} `json:"result"`
		}
		json.Unmarshal(ev.Data, &reply)
		if ev.Name != "ok" {
			ws.Close()
			return nil, fmt.Errorf("join failed: %s: %s", reply.Code, reply.Error)
		}
		s.Online = reply.Result.Online
		return s, nil
	}
}

// Send writes one event frame.
func (s *Socket) Send(event, ref string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(Event{Name: event, Ref: ref, Data: raw})
}

// Next blocks for the next frame.
func (s *Socket) Next() (Event, error) {
	var ev Event
	err := s.ws.ReadJSON(&ev)
	return ev, err
}

// Close sends disconnect and closes the connection.
func (s *Socket) Close() error {
	s.Send("disconnect", "", nil)
	return s.ws.Close()
}

// Listen connects and calls fn for every frame until ctx ends or the
// server closes the connection.
func (c *Client) Listen(ctx context.Context, fn func(Event)) error {
	s, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer s.ws.Close()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		ev, err := s.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(ev)
	}
}
