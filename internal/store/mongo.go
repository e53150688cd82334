package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/eldtechnologies/circle/internal/models"
)

// MongoStore keeps conversations and the friend graph in MongoDB.
type MongoStore struct {
	client      *mongo.Client
	messages    *mongo.Collection
	requests    *mongo.Collection
	friendships *mongo.Collection
}

type messageDoc struct {
	ID           string    `bson:"_id"`
	Conversation string    `bson:"conversation"`
	Seq          int64     `bson:"seq"`
	From         string    `bson:"sender_id"`
	To           string    `bson:"recipient_id"`
	Type         string    `bson:"content_type"`
	Text         string    `bson:"text,omitempty"`
	Media        string    `bson:"media,omitempty"`
	Read         bool      `bson:"is_read"`
	CreatedAt    time.Time `bson:"created_at"`
}

type friendRequestDoc struct {
	ID         string     `bson:"_id"`
	PairKey    string     `bson:"pair_key"`
	From       string     `bson:"from_id"`
	To         string     `bson:"to_id"`
	Status     string     `bson:"status"`
	CreatedAt  time.Time  `bson:"created_at"`
	ResolvedAt *time.Time `bson:"resolved_at,omitempty"`
}

type friendshipDoc struct {
	ID        string    `bson:"_id"`
	UserA     string    `bson:"user_a"`
	UserB     string    `bson:"user_b"`
	CreatedAt time.Time `bson:"created_at"`
}

// NewMongoStore connects to uri and ensures indexes on database.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if database == "" {
		database = "circle"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	db := client.Database(database)
	s := &MongoStore{
		client:      client,
		messages:    db.Collection("messages"),
		requests:    db.Collection("friend_requests"),
		friendships: db.Collection("friendships"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "conversation", Value: 1}, {Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "is_read", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("messages indexes: %w", err)
	}

	_, err = s.requests.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "pair_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "status", Value: string(models.FriendRequestPending)}}),
		},
		{Keys: bson.D{{Key: "to_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "from_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("friend_requests indexes: %w", err)
	}

	_, err = s.friendships.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_a", Value: 1}}},
		{Keys: bson.D{{Key: "user_b", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("friendships indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.client.Disconnect(ctx)
}

// Ping checks the connection.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (d *messageDoc) model() (*models.Message, error) {
	key, err := models.ParsePairKey(d.Conversation)
	if err != nil {
		return nil, err
	}
	return &models.Message{
		ID:           d.ID,
		Conversation: key,
		Seq:          d.Seq,
		From:         d.From,
		To:           d.To,
		Content: models.Content{
			Type:  models.ContentType(d.Type),
			Text:  d.Text,
			Media: d.Media,
		},
		Read:      d.Read,
		CreatedAt: d.CreatedAt.UTC(),
	}, nil
}

func (d *friendRequestDoc) model() *models.FriendRequest {
	req := &models.FriendRequest{
		ID:        d.ID,
		From:      d.From,
		To:        d.To,
		Status:    models.FriendRequestStatus(d.Status),
		CreatedAt: d.CreatedAt.UTC(),
	}
	if d.ResolvedAt != nil {
		t := d.ResolvedAt.UTC()
		req.ResolvedAt = &t
	}
	return req
}

// AppendMessage inserts a message whose Seq was assigned by the caller.
func (s *MongoStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	defer observe("append_message", time.Now())

	_, err := s.messages.InsertOne(ctx, messageDoc{
		ID:           msg.ID,
		Conversation: msg.Conversation.String(),
		Seq:          msg.Seq,
		From:         msg.From,
		To:           msg.To,
		Type:         string(msg.Type),
		Text:         msg.Text,
		Media:        msg.Media,
		Read:         msg.Read,
		CreatedAt:    msg.CreatedAt,
	})
	return err
}

func (s *MongoStore) findMessage(ctx context.Context, filter bson.D, opts ...options.Lister[options.FindOneOptions]) (*models.Message, error) {
	var doc messageDoc
	if err := s.messages.FindOne(ctx, filter, opts...).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return doc.model()
}

// LastMessage returns the newest message of a conversation.
func (s *MongoStore) LastMessage(ctx context.Context, key models.PairKey) (*models.Message, error) {
	return s.findMessage(ctx,
		bson.D{{Key: "conversation", Value: key.String()}},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	)
}

// ListMessages returns a conversation in (created_at, seq) order.
func (s *MongoStore) ListMessages(ctx context.Context, key models.PairKey) ([]models.Message, error) {
	defer observe("list_messages", time.Now())

	cur, err := s.messages.Find(ctx,
		bson.D{{Key: "conversation", Value: key.String()}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(docs))
	for i := range docs {
		msg, err := docs[i].model()
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, nil
}

// GetMessage retrieves a message by ID.
func (s *MongoStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return s.findMessage(ctx, bson.D{{Key: "_id", Value: id}})
}

// MarkMessageRead sets the read flag.
func (s *MongoStore) MarkMessageRead(ctx context.Context, id string) error {
	_, err := s.messages.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_read", Value: true}}}},
	)
	return err
}

// UnreadCounts returns unread message counts for a recipient keyed by sender.
func (s *MongoStore) UnreadCounts(ctx context.Context, recipientID string) (map[string]int64, error) {
	cur, err := s.messages.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "recipient_id", Value: recipientID}, {Key: "is_read", Value: false}}}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$sender_id"}, {Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Sender string `bson:"_id"`
		N      int64  `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Sender] = r.N
	}
	return counts, nil
}

// CountMessages returns the total number of stored messages.
func (s *MongoStore) CountMessages(ctx context.Context) (int64, error) {
	return s.messages.CountDocuments(ctx, bson.D{})
}

// CreateFriendRequest inserts a pending request.
func (s *MongoStore) CreateFriendRequest(ctx context.Context, req *models.FriendRequest) error {
	defer observe("create_friend_request", time.Now())

	_, err := s.requests.InsertOne(ctx, friendRequestDoc{
		ID:        req.ID,
		PairKey:   req.Pair().String(),
		From:      req.From,
		To:        req.To,
		Status:    string(req.Status),
		CreatedAt: req.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", models.ErrDuplicatePending, req.Pair())
		}
		return err
	}
	return nil
}

// FindPendingRequest returns the pending request for a pair in either direction.
func (s *MongoStore) FindPendingRequest(ctx context.Context, key models.PairKey) (*models.FriendRequest, error) {
	var doc friendRequestDoc
	err := s.requests.FindOne(ctx, bson.D{
		{Key: "pair_key", Value: key.String()},
		{Key: "status", Value: string(models.FriendRequestPending)},
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return doc.model(), nil
}

// ResolveFriendRequest retires a pending request. The conditional update on
// status is the guard. The friendship upsert that follows is idempotent, and
// if it fails the request goes back to pending so the accept can be retried.
// No multi-document transaction (and no replica set) is needed.
func (s *MongoStore) ResolveFriendRequest(ctx context.Context, req *models.FriendRequest, status models.FriendRequestStatus, at time.Time) (*models.Friendship, error) {
	defer observe("resolve_friend_request", time.Now())

	res, err := s.requests.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: req.ID},
			{Key: "status", Value: string(models.FriendRequestPending)},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(status)},
			{Key: "resolved_at", Value: at},
		}}},
	)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, models.ErrRequestNotFound
	}
	if status != models.FriendRequestAccepted {
		return nil, nil
	}

	edge := friendshipFor(req, at)
	_, err = s.friendships.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: req.Pair().String()}},
		bson.D{{Key: "$setOnInsert", Value: friendshipDoc{
			ID:        req.Pair().String(),
			UserA:     edge.UserA,
			UserB:     edge.UserB,
			CreatedAt: at,
		}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if rerr := s.reopenFriendRequest(req.ID, status); rerr != nil {
			return nil, errors.Join(err, fmt.Errorf("reopen friend request: %w", rerr))
		}
		return nil, err
	}
	return edge, nil
}

// reopenFriendRequest undoes a resolution whose side effects failed. It runs
// detached from the caller's context, which may be what failed.
func (s *MongoStore) reopenFriendRequest(id string, from models.FriendRequestStatus) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.requests.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "status", Value: string(from)},
		},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "status", Value: string(models.FriendRequestPending)}}},
			{Key: "$unset", Value: bson.D{{Key: "resolved_at", Value: ""}}},
		},
	)
	return err
}

// FriendshipExists reports whether the pair are friends.
func (s *MongoStore) FriendshipExists(ctx context.Context, key models.PairKey) (bool, error) {
	n, err := s.friendships.CountDocuments(ctx, bson.D{{Key: "_id", Value: key.String()}})
	return n > 0, err
}

// ListFriendships returns every friendship userID takes part in.
func (s *MongoStore) ListFriendships(ctx context.Context, userID string) ([]models.Friendship, error) {
	cur, err := s.friendships.Find(ctx,
		bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "user_a", Value: userID}},
			bson.D{{Key: "user_b", Value: userID}},
		}}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []friendshipDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	friendships := make([]models.Friendship, 0, len(docs))
	for _, d := range docs {
		friendships = append(friendships, models.Friendship{
			UserA:     d.UserA,
			UserB:     d.UserB,
			CreatedAt: d.CreatedAt.UTC(),
		})
	}
	return friendships, nil
}

// ListPendingRequests returns pending requests sent to or by userID.
func (s *MongoStore) ListPendingRequests(ctx context.Context, userID string) ([]models.FriendRequest, error) {
	cur, err := s.requests.Find(ctx,
		bson.D{
			{Key: "status", Value: string(models.FriendRequestPending)},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "to_id", Value: userID}},
				bson.D{{Key: "from_id", Value: userID}},
			}},
		},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []friendRequestDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	requests := make([]models.FriendRequest, 0, len(docs))
	for i := range docs {
		requests = append(requests, *docs[i].model())
	}
	return requests, nil
}

// CountFriendships returns the number of friendships.
func (s *MongoStore) CountFriendships(ctx context.Context) (int64, error) {
	return s.friendships.CountDocuments(ctx, bson.D{})
}
