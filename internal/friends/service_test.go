package friends_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/circle/internal/friends"
	"github.com/eldtechnologies/circle/internal/models"
	"github.com/eldtechnologies/circle/internal/store"
)

func newService(t *testing.T) *friends.Service {
	t.Helper()
	repo, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "friends.db"))
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return friends.NewService(repo, zerolog.Nop())
}

func TestSendAcceptScenario(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	req, err := s.Send(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.FriendRequestPending, req.Status)
	assert.Equal(t, "alice", req.From)
	assert.Equal(t, "bob", req.To)

	pending, err := s.Pending(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	edge, err := s.Accept(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.NewPairKey("alice", "bob"), edge.Pair())

	aliceFriends, err := s.Friends(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, aliceFriends)

	bobFriends, err := s.Friends(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, bobFriends)

	pending, err = s.Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending, "accepted request is retired")

	_, err = s.Accept(ctx, "bob", "alice")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)

	ok, err := s.AreFriends(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSendFailures(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.Send(ctx, "alice", "alice")
	assert.ErrorIs(t, err, models.ErrInvalidTarget)

	_, err = s.Send(ctx, "alice", "")
	assert.ErrorIs(t, err, models.ErrInvalidTarget)

	_, err = s.Send(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = s.Send(ctx, "alice", "bob")
	assert.ErrorIs(t, err, models.ErrDuplicatePending)

	_, err = s.Send(ctx, "bob", "alice")
	assert.ErrorIs(t, err, models.ErrDuplicatePending, "either direction counts")

	_, err = s.Accept(ctx, "bob", "alice")
	require.NoError(t, err)

	_, err = s.Send(ctx, "bob", "alice")
	assert.ErrorIs(t, err, models.ErrAlreadyFriends)
}

func TestOnlyRecipientResolves(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.Send(ctx, "alice", "bob")
	require.NoError(t, err)

	// The sender cannot accept their own request.
	_, err = s.Accept(ctx, "alice", "bob")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)

	_, err = s.Reject(ctx, "alice", "bob")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)

	// No request from carol exists.
	_, err = s.Accept(ctx, "bob", "carol")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)

	ok, err := s.AreFriends(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRejectThenResend(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.Send(ctx, "alice", "bob")
	require.NoError(t, err)

	req, err := s.Reject(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.FriendRequestRejected, req.Status)
	require.NotNil(t, req.ResolvedAt)

	_, err = s.Reject(ctx, "bob", "alice")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)

	friendsOfBob, err := s.Friends(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, friendsOfBob)

	again, err := s.Send(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, again.ID)
	assert.Equal(t, models.FriendRequestPending, again.Status)
}

func TestConcurrentAcceptCreatesOneEdge(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.Send(ctx, "alice", "bob")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var accepted, notFound atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Accept(ctx, "bob", "alice")
			switch {
			case err == nil:
				accepted.Add(1)
			case assert.ErrorIs(t, err, models.ErrRequestNotFound):
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), accepted.Load())
	assert.Equal(t, int64(9), notFound.Load())

	list, err := s.Friends(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, list)
}

func TestConcurrentCrossRequestsLeaveOnePending(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var created atomic.Int64
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}, {"alice", "bob"}, {"bob", "alice"}} {
		wg.Add(1)
		go func(from, to string) {
			defer wg.Done()
			if _, err := s.Send(ctx, from, to); err == nil {
				created.Add(1)
			}
		}(pair[0], pair[1])
	}
	wg.Wait()

	assert.Equal(t, int64(1), created.Load())
	pending, err := s.Pending(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
