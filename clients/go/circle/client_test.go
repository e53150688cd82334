package circle

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/circle/internal/api"
	"github.com/eldtechnologies/circle/internal/chat"
	"github.com/eldtechnologies/circle/internal/friends"
	"github.com/eldtechnologies/circle/internal/handlers"
	"github.com/eldtechnologies/circle/internal/identity"
	"github.com/eldtechnologies/circle/internal/media"
	"github.com/eldtechnologies/circle/internal/presence"
	"github.com/eldtechnologies/circle/internal/realtime"
	"github.com/eldtechnologies/circle/internal/store"
)

type server struct {
	url  string
	gate *identity.JWTGate
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := zerolog.Nop()
	db, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	uploads, err := media.NewDiskStorage(t.TempDir(), 1<<20)
	require.NoError(t, err)

	reg := presence.NewRegistry(logger)
	presence.NewBroadcaster(reg, logger).Attach(reg)
	gate := identity.NewJWTGate("client-secret")
	router := chat.NewRouter(chat.NewStore(db), reg, logger)
	fs := friends.NewService(db, logger)
	hub := realtime.NewHub(reg, router, fs, gate, realtime.Config{}, logger)

	srv := httptest.NewServer(api.NewRouter(logger, api.Options{
		Handlers: handlers.Deps{DB: db, Registry: reg, Router: router, Friends: fs, Media: uploads, Logger: logger},
		Gate:     gate,
		Socket:   hub,
	}))
	t.Cleanup(srv.Close)
	return &server{url: srv.URL, gate: gate}
}

func (s *server) client(t *testing.T, userID string) *Client {
	t.Helper()
	tok, err := s.gate.Issue(userID, time.Hour)
	require.NoError(t, err)
	return NewClient(s.url, tok)
}

func TestFriendAndMessageFlow(t *testing.T) {
	srv := newServer(t)
	alice, bob := srv.client(t, "alice"), srv.client(t, "bob")

	_, err := alice.SendFriendRequest("bob")
	require.NoError(t, err)

	_, err = alice.SendFriendRequest("bob")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.Status)
	assert.Equal(t, "DuplicatePending", apiErr.Code)

	pending, err := bob.FriendRequests()
	require.NoError(t, err)
	require.Len(t, pending.Incoming, 1)

	edge, err := bob.AcceptFriend("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", edge.UserA)

	msg, err := alice.SendMessage("bob", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)

	friendsOfBob, err := bob.Friends()
	require.NoError(t, err)
	assert.Equal(t, []Friend{{ID: "alice", Unread: 1}}, friendsOfBob)

	marked, err := bob.MarkRead(msg.ID)
	require.NoError(t, err)
	assert.True(t, marked.Read)

	history, err := alice.History("bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Read)

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	pic, err := alice.SendMedia("bob", "pic.png", bytes.NewReader(png), "")
	require.NoError(t, err)
	assert.Equal(t, "photo", pic.Type)
	assert.Equal(t, int64(2), pic.Seq)
}

func TestListenReceivesPushes(t *testing.T) {
	srv := newServer(t)
	alice, bob := srv.client(t, "alice"), srv.client(t, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- bob.Listen(ctx, func(ev Event) { events <- ev })
	}()

	require.Eventually(t, func() bool {
		users, err := alice.Users("bob")
		return err == nil && len(users) == 1 && users[0].IsActive
	}, 2*time.Second, 20*time.Millisecond)

	sent, err := alice.SendMessage("bob", "ping")
	require.NoError(t, err)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Name != "new-message" {
				continue
			}
			got, err := ev.Message()
			require.NoError(t, err)
			assert.Equal(t, sent.ID, got.ID)
			assert.Equal(t, "ping", got.Text)

			cancel()
			assert.ErrorIs(t, <-done, context.Canceled)
			return
		case <-timeout:
			t.Fatal("no new-message event")
		}
	}
}

func TestConnectWithBadToken(t *testing.T) {
	srv := newServer(t)
	_, err := NewClient(srv.url, "garbage").Connect(context.Background())
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := newServer(t)
	resp, err := NewClient(srv.url, "").Health()
	require.NoError(t, err)
	assert.Equal(t, "healthy", resp.Status)
}
