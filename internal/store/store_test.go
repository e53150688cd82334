package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/eldtechnologies/circle/internal/models"
)

var (
	_ DataStore = (*SQLiteStore)(nil)
	_ DataStore = (*PostgresStore)(nil)
	_ DataStore = (*MongoStore)(nil)
)

var suiteRun atomic.Int64

// uniqueUsers namespaces user ids so shared databases can be reused across runs.
func uniqueUsers(names ...string) []string {
	prefix := fmt.Sprintf("u%d%d", time.Now().UnixNano()%1e9, suiteRun.Add(1))
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = prefix + "_" + n
	}
	return out
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "circle.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func testMessage(from, to string, seq int64, at time.Time, text string) *models.Message {
	return &models.Message{
		ID:           ulid.Make().String(),
		Conversation: models.NewPairKey(from, to),
		Seq:          seq,
		From:         from,
		To:           to,
		Content:      models.TextContent(text),
		CreatedAt:    at.Truncate(time.Millisecond).UTC(),
	}
}

func TestSQLiteStore(t *testing.T) {
	runDataStoreSuite(t, newTestSQLite(t))
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	runDataStoreSuite(t, s)
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	s, err := NewMongoStore(context.Background(), uri, "circle_test")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	runDataStoreSuite(t, s)
}

func TestMongoAcceptReopensRequestWhenEdgeFails(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := NewMongoStore(ctx, uri, "circle_test_reopen")
	require.NoError(t, err)
	db := s.friendships.Database()
	t.Cleanup(func() {
		db.Drop(context.Background())
		s.Close()
	})

	// Reject every new friendship document.
	setValidator := func(v bson.D) {
		require.NoError(t, db.RunCommand(ctx, bson.D{
			{Key: "collMod", Value: "friendships"},
			{Key: "validator", Value: v},
		}).Err())
	}
	setValidator(bson.D{{Key: "$jsonSchema", Value: bson.D{{Key: "required", Value: bson.A{"never_set"}}}}})

	u := uniqueUsers("a", "b")
	key := models.NewPairKey(u[0], u[1])
	req := newRequest(u[0], u[1])
	require.NoError(t, s.CreateFriendRequest(ctx, req))

	_, err = s.ResolveFriendRequest(ctx, req, models.FriendRequestAccepted, time.Now())
	require.Error(t, err)

	found, err := s.FindPendingRequest(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, found, "request is pending again")
	assert.Equal(t, req.ID, found.ID)

	setValidator(bson.D{})
	edge, err := s.ResolveFriendRequest(ctx, req, models.FriendRequestAccepted, time.Now())
	require.NoError(t, err)
	assert.Equal(t, key, edge.Pair())

	ok, err := s.FriendshipExists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func runDataStoreSuite(t *testing.T, s DataStore) {
	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, s.Ping(context.Background()))
	})
	t.Run("MessagesOrderedByTimeThenSeq", func(t *testing.T) { testMessageOrder(t, s) })
	t.Run("LastAndGetMessage", func(t *testing.T) { testLastAndGet(t, s) })
	t.Run("DuplicateSeqRejected", func(t *testing.T) { testDuplicateSeq(t, s) })
	t.Run("MarkReadAndUnreadCounts", func(t *testing.T) { testMarkRead(t, s) })
	t.Run("PendingRequestUniquePerPair", func(t *testing.T) { testPendingUnique(t, s) })
	t.Run("AcceptCreatesFriendship", func(t *testing.T) { testAccept(t, s) })
	t.Run("RejectLeavesNoFriendship", func(t *testing.T) { testReject(t, s) })
	t.Run("ConcurrentResolveSingleWinner", func(t *testing.T) { testConcurrentResolve(t, s) })
}

func testMessageOrder(t *testing.T, s DataStore) {
	ctx := context.Background()
	u := uniqueUsers("a", "b")
	key := models.NewPairKey(u[0], u[1])
	base := time.Now()

	// Same timestamp for seq 2 and 3; seq decides.
	require.NoError(t, s.AppendMessage(ctx, testMessage(u[0], u[1], 1, base, "one")))
	require.NoError(t, s.AppendMessage(ctx, testMessage(u[1], u[0], 3, base.Add(time.Second), "three")))
	require.NoError(t, s.AppendMessage(ctx, testMessage(u[0], u[1], 2, base.Add(time.Second), "two")))

	msgs, err := s.ListMessages(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{msgs[0].Text, msgs[1].Text, msgs[2].Text})
	assert.Equal(t, key, msgs[0].Conversation)
	assert.Equal(t, models.ContentText, msgs[0].Type)
	assert.True(t, msgs[0].CreatedAt.Equal(base.Truncate(time.Millisecond)))

	empty, err := s.ListMessages(ctx, models.NewPairKey(u[0], "nobody"+u[1]))
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func testLastAndGet(t *testing.T, s DataStore) {
	ctx := context.Background()
	u := uniqueUsers("a", "b")
	key := models.NewPairKey(u[0], u[1])

	last, err := s.LastMessage(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, last)

	first := testMessage(u[0], u[1], 1, time.Now(), "hi")
	second := testMessage(u[1], u[0], 2, time.Now(), "hello")
	second.Content = models.MediaContent("/uploads/x.png", models.ContentPhoto)
	require.NoError(t, s.AppendMessage(ctx, first))
	require.NoError(t, s.AppendMessage(ctx, second))

	last, err = s.LastMessage(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(2), last.Seq)
	assert.Equal(t, models.ContentPhoto, last.Type)
	assert.Equal(t, "/uploads/x.png", last.Media)

	got, err := s.GetMessage(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.From, got.From)
	assert.Equal(t, first.To, got.To)

	missing, err := s.GetMessage(ctx, ulid.Make().String())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testDuplicateSeq(t *testing.T, s DataStore) {
	ctx := context.Background()
	u := uniqueUsers("a", "b")
	require.NoError(t, s.AppendMessage(ctx, testMessage(u[0], u[1], 1, time.Now(), "x")))
	assert.Error(t, s.AppendMessage(ctx, testMessage(u[0], u[1], 1, time.Now(), "y")))
}

func testMarkRead(t *testing.T, s DataStore) {
	ctx := context.Background()
	u := uniqueUsers("a", "b", "c")
	m1 := testMessage(u[0], u[1], 1, time.Now(), "1")
	m2 := testMessage(u[0], u[1], 2, time.Now(), "2")
	m3 := testMessage(u[2], u[1], 1, time.Now(), "3")
	for _, m := range []*models.Message{m1, m2, m3} {
		require.NoError(t, s.AppendMessage(ctx, m))
	}

	counts, err := s.UnreadCounts(ctx, u[1])
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{u[0]: 2, u[2]: 1}, counts)

	require.NoError(t, s.MarkMessageRead(ctx, m1.ID))
	require.NoError(t, s.MarkMessageRead(ctx, m1.ID))

	got, err := s.GetMessage(ctx, m1.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)

	counts, err = s.UnreadCounts(ctx, u[1])
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{u[0]: 1, u[2]: 1}, counts)
}

func newRequest(from, to string) *models.FriendRequest {
	return &models.FriendRequest{
		ID:        ulid.Make().String(),
		From:      from,
		To:        to,
		Status:    models.FriendRequestPending,
		CreatedAt: time.Now().Truncate(time.Millisecond).UTC(),
	}
}

func testPendingUnique(t *testing.T, s DataStore) {
	ctx := context.Background()
	u := uniqueUsers("a", "b")

	req := newRequest(u[0], u[1])
	require.NoError(t, s.CreateFriendRequest(ctx, req))

	// Either direction collides on the pair.
	err := s.CreateFriendRequest(ctx, newRequest(u[1], u[0]))
	require.ErrorIs(t, err, models.ErrDuplicatePending)

	found, err := s.FindPendingRequest(ctx, models.NewPairKey(u[1], u[0]))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, req.ID, found.ID)
	assert.Equal(t, u[0], found.From)

	pending, err := s.ListPendingRequests(ctx, u[1])
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)
}

func testAccept(t *testing.T, s DataStore) {
	ctx := context.Background()
	u := uniqueUsers("a", "b")
	key := models.NewPairKey(u[0], u[1])

	req := newRequest(u[0], u[1])
	require.NoError(t, s.CreateFriendRequest(ctx, req))

	edge, err := s.ResolveFriendRequest(ctx, req, models.FriendRequestAccepted, time.Now())
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, key, edge.Pair())

	ok, err := s.FriendshipExists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, id := range u {
		friends, err := s.ListFriendships(ctx, id)
		require.NoError(t, err)
		require.Len(t, friends, 1)
		assert.Equal(t, key, friends[0].Pair())
	}

	found, err := s.FindPendingRequest(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = s.ResolveFriendRequest(ctx, req, models.FriendRequestAccepted, time.Now())
	require.ErrorIs(t, err, models.ErrRequestNotFound)

	// Resolved requests free the pair for a new pending request.
	require.NoError(t, s.CreateFriendRequest(ctx, newRequest(u[1], u[0])))
}

func testReject(t *testing.T, s DataStore) {
	ctx := context.Background()
	u := uniqueUsers("a", "b")
	key := models.NewPairKey(u[0], u[1])

	req := newRequest(u[0], u[1])
	require.NoError(t, s.CreateFriendRequest(ctx, req))

	edge, err := s.ResolveFriendRequest(ctx, req, models.FriendRequestRejected, time.Now())
	require.NoError(t, err)
	assert.Nil(t, edge)

	ok, err := s.FriendshipExists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := s.ListPendingRequests(ctx, u[1])
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testConcurrentResolve(t *testing.T, s DataStore) {
	ctx := context.Background()
	u := uniqueUsers("a", "b")

	req := newRequest(u[0], u[1])
	require.NoError(t, s.CreateFriendRequest(ctx, req))

	var wg sync.WaitGroup
	var wins atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ResolveFriendRequest(ctx, req, models.FriendRequestAccepted, time.Now()); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
}

func TestSQLiteDefaultsPath(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	s, err := NewSQLiteStore(context.Background(), "")
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "data", "circle.db"))
	assert.NoError(t, err)
}

func TestSQLiteCounts(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.AppendMessage(ctx, testMessage("a", "b", 1, time.Now(), "x")))
	req := newRequest("a", "b")
	require.NoError(t, s.CreateFriendRequest(ctx, req))
	_, err := s.ResolveFriendRequest(ctx, req, models.FriendRequestAccepted, time.Now())
	require.NoError(t, err)

	n, err := s.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.CountFriendships(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
