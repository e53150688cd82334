// Package circle provides a client for the Circle chat server: the REST
// routes plus a WebSocket listener for live events.
package circle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a Circle API client.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new client. token is the bearer token issued by the
// account service.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx reply. Code is the server's stable error name.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("circle error %d (%s): %s", e.Status, e.Code, e.Message)
}

// doRequest performs an HTTP request and decodes a JSON reply into out.
func (c *Client) doRequest(method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("X-Auth-Token", c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.Unmarshal(respBody, &errResp)
		return &APIError{Status: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) postJSON(path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.doRequest(http.MethodPost, path, "application/json", bytes.NewReader(body), out)
}

// Message is one chat message.
type Message struct {
	ID           string    `json:"id"`
	Conversation string    `json:"conversation"`
	Seq          int64     `json:"seq"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Type         string    `json:"type"`
	Text         string    `json:"text,omitempty"`
	Media        string    `json:"media,omitempty"`
	Read         bool      `json:"read"`
	Timestamp    time.Time `json:"timestamp"`
}

// SendMessage sends a text message.
func (c *Client) SendMessage(toID, text string) (*Message, error) {
	var msg Message
	err := c.postJSON("/send-message", map[string]string{"toId": toID, "type": "text", "text": text}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendMedia uploads r as a media message. The server derives the kind
// (photo, video, audio) from the content.
func (c *Client) SendMedia(toID, filename string, r io.Reader, caption string) (*Message, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("toId", toID)
	if caption != "" {
		mw.WriteField("text", caption)
	}
	part, err := mw.CreateFormFile("media", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var msg Message
	if err := c.doRequest(http.MethodPost, "/send-message", mw.FormDataContentType(), &body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// History returns the conversation with userID, oldest first.
func (c *Client) History(userID string) ([]Message, error) {
	var msgs []Message
	if err := c.doRequest(http.MethodGet, "/chat/"+url.PathEscape(userID), "", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead flags a received message as read.
func (c *Client) MarkRead(msgID string) (*Message, error) {
	var msg Message
	if err := c.postJSON("/mark-read", map[string]string{"msgId": msgID}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// FriendRequest is a directed friend request.
type FriendRequest struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Friendship is an accepted friend edge.
type Friendship struct {
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
}

// Friend is one entry of the friend list.
type Friend struct {
	ID       string `json:"_id"`
	IsActive bool   `json:"isActive"`
	Unread   int64  `json:"unread"`
}

// Friends lists the caller's friends.
func (c *Client) Friends() ([]Friend, error) {
	var resp struct {
		Friends []Friend `json:"friends"`
	}
	if err := c.doRequest(http.MethodGet, "/friends", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Friends, nil
}

// PendingRequests is the reply of FriendRequests.
type PendingRequests struct {
	Incoming []FriendRequest `json:"incoming"`
	Outgoing []FriendRequest `json:"outgoing"`
}

// FriendRequests lists pending requests involving the caller.
func (c *Client) FriendRequests() (*PendingRequests, error) {
	var resp PendingRequests
	if err := c.doRequest(http.MethodGet, "/friend-requests", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendFriendRequest asks toID to become friends.
func (c *Client) SendFriendRequest(toID string) (*FriendRequest, error) {
	var req FriendRequest
	if err := c.postJSON("/friend-request", map[string]string{"toId": toID}, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// AcceptFriend accepts the pending request from fromID.
func (c *Client) AcceptFriend(fromID string) (*Friendship, error) {
	var edge Friendship
	if err := c.postJSON("/accept-friend", map[string]string{"fromId": fromID}, &edge); err != nil {
		return nil, err
	}
	return &edge, nil
}

// RejectFriend rejects the pending request from fromID.
func (c *Client) RejectFriend(fromID string) (*FriendRequest, error) {
	var req FriendRequest
	if err := c.postJSON("/reject-friend", map[string]string{"fromId": fromID}, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// UserStatus is one roster entry.
type UserStatus struct {
	ID       string     `json:"_id"`
	IsActive bool       `json:"isActive"`
	IsFriend bool       `json:"isFriend"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	SeenAgo  string     `json:"seenAgo,omitempty"`
}

// Users returns a roster snapshot, limited to ids when given.
func (c *Client) Users(ids ...string) ([]UserStatus, error) {
	path := "/users"
	if len(ids) > 0 {
		path += "?ids=" + url.QueryEscape(strings.Join(ids, ","))
	}
	var resp struct {
		Users []UserStatus `json:"users"`
	}
	if err := c.doRequest(http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Sessions  int            `json:"sessions"`
	Checks    map[string]any `json:"checks"`
	Timestamp string         `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health() (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(http.MethodGet, "/health", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
