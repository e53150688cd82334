// Package friends implements the friend request workflow and the friend graph.
package friends

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/circle/internal/keylock"
	"github.com/eldtechnologies/circle/internal/metrics"
	"github.com/eldtechnologies/circle/internal/models"
)

// Repository stores friend requests and friendships.
type Repository interface {
	CreateFriendRequest(ctx context.Context, req *models.FriendRequest) error
	FindPendingRequest(ctx context.Context, key models.PairKey) (*models.FriendRequest, error)
	ResolveFriendRequest(ctx context.Context, req *models.FriendRequest, status models.FriendRequestStatus, at time.Time) (*models.Friendship, error)
	FriendshipExists(ctx context.Context, key models.PairKey) (bool, error)
	ListFriendships(ctx context.Context, userID string) ([]models.Friendship, error)
	ListPendingRequests(ctx context.Context, userID string) ([]models.FriendRequest, error)
}

// Service drives friend requests through pending -> accepted|rejected.
// Operations on the same pair of users are serialized.
type Service struct {
	repo   Repository
	locks  *keylock.Mutex
	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates a service over repo.
func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		locks:  keylock.New(),
		logger: logger.With().Str("component", "friends").Logger(),
		now:    time.Now,
	}
}

func (s *Service) lockPair(ctx context.Context, a, b string) (models.PairKey, func(), error) {
	key := models.NewPairKey(a, b)
	if err := key.Validate(); err != nil {
		return key, nil, err
	}
	unlock, err := s.locks.Lock(ctx, key.String())
	if err != nil {
		return key, nil, err
	}
	return key, unlock, nil
}

// Send creates a pending request from one user to another.
func (s *Service) Send(ctx context.Context, from, to string) (*models.FriendRequest, error) {
	key, unlock, err := s.lockPair(ctx, from, to)
	if err != nil {
		return nil, err
	}
	defer unlock()

	friends, err := s.repo.FriendshipExists(ctx, key)
	if err != nil {
		return nil, err
	}
	if friends {
		return nil, fmt.Errorf("%w: %s", models.ErrAlreadyFriends, key)
	}

	pending, err := s.repo.FindPendingRequest(ctx, key)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrDuplicatePending, pending.From, pending.To)
	}

	req := &models.FriendRequest{
		ID:        uuid.Must(uuid.NewV7()).String(),
		From:      from,
		To:        to,
		Status:    models.FriendRequestPending,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.repo.CreateFriendRequest(ctx, req); err != nil {
		return nil, err
	}

	metrics.FriendRequests.WithLabelValues("sent").Inc()
	s.logger.Info().Str("from", from).Str("to", to).Msg("friend request sent")
	return req, nil
}

// Accept resolves the pending request from -> actor and creates the friendship.
func (s *Service) Accept(ctx context.Context, actor, from string) (*models.Friendship, error) {
	_, edge, err := s.resolve(ctx, actor, from, models.FriendRequestAccepted)
	return edge, err
}

// Reject resolves the pending request from -> actor without creating a friendship.
func (s *Service) Reject(ctx context.Context, actor, from string) (*models.FriendRequest, error) {
	req, _, err := s.resolve(ctx, actor, from, models.FriendRequestRejected)
	return req, err
}

func (s *Service) resolve(ctx context.Context, actor, from string, status models.FriendRequestStatus) (*models.FriendRequest, *models.Friendship, error) {
	key, unlock, err := s.lockPair(ctx, actor, from)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	req, err := s.repo.FindPendingRequest(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	// Only the recipient acts. A request the actor sent is invisible here.
	if req == nil || req.To != actor || req.From != from {
		return nil, nil, fmt.Errorf("%w: no pending request from %s to %s", models.ErrRequestNotFound, from, actor)
	}

	at := s.now().UTC().Truncate(time.Millisecond)
	edge, err := s.repo.ResolveFriendRequest(ctx, req, status, at)
	if err != nil {
		return nil, nil, err
	}
	req.Status = status
	req.ResolvedAt = &at

	metrics.FriendRequests.WithLabelValues(string(status)).Inc()
	s.logger.Info().
		Str("from", from).
		Str("to", actor).
		Str("status", string(status)).
		Msg("friend request resolved")
	return req, edge, nil
}

// Friends returns the ids of userID's friends, sorted.
func (s *Service) Friends(ctx context.Context, userID string) ([]string, error) {
	if err := models.ValidateUserID(userID); err != nil {
		return nil, err
	}
	edges, err := s.repo.ListFriendships(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(edges))
	for i := range edges {
		ids = append(ids, edges[i].Peer(userID))
	}
	sort.Strings(ids)
	return ids, nil
}

// Pending returns pending requests sent to or by userID.
func (s *Service) Pending(ctx context.Context, userID string) ([]models.FriendRequest, error) {
	if err := models.ValidateUserID(userID); err != nil {
		return nil, err
	}
	return s.repo.ListPendingRequests(ctx, userID)
}

// AreFriends reports whether a and b are friends.
func (s *Service) AreFriends(ctx context.Context, a, b string) (bool, error) {
	key := models.NewPairKey(a, b)
	if err := key.Validate(); err != nil {
		return false, err
	}
	return s.repo.FriendshipExists(ctx, key)
}
