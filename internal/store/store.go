package store

import (
	"context"
	"time"

	"github.com/eldtechnologies/circle/internal/metrics"
	"github.com/eldtechnologies/circle/internal/models"
)

// DataStore defines the interface for durable storage of conversations and
// the friend graph. SQLiteStore, PostgresStore and MongoStore implement it.
//
// Lookups return (nil, nil) when the record does not exist.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Conversation log
	AppendMessage(ctx context.Context, msg *models.Message) error
	LastMessage(ctx context.Context, key models.PairKey) (*models.Message, error)
	ListMessages(ctx context.Context, key models.PairKey) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	MarkMessageRead(ctx context.Context, id string) error
	UnreadCounts(ctx context.Context, recipientID string) (map[string]int64, error)
	CountMessages(ctx context.Context) (int64, error)

	// Friend graph
	CreateFriendRequest(ctx context.Context, req *models.FriendRequest) error
	FindPendingRequest(ctx context.Context, key models.PairKey) (*models.FriendRequest, error)
	ResolveFriendRequest(ctx context.Context, req *models.FriendRequest, status models.FriendRequestStatus, at time.Time) (*models.Friendship, error)
	FriendshipExists(ctx context.Context, key models.PairKey) (bool, error)
	ListFriendships(ctx context.Context, userID string) ([]models.Friendship, error)
	ListPendingRequests(ctx context.Context, userID string) ([]models.FriendRequest, error)
	CountFriendships(ctx context.Context) (int64, error)
}

// observe records the latency of a store operation.
func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// friendshipFor builds the edge created when req is accepted.
func friendshipFor(req *models.FriendRequest, at time.Time) *models.Friendship {
	key := req.Pair()
	return &models.Friendship{UserA: key.Low, UserB: key.High, CreatedAt: at}
}
