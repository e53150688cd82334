package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/circle/internal/metrics"
)

const (
	presenceOnlineKey   = "presence:online"
	presenceLastSeenKey = "presence:last_seen"
)

// RedisStore mirrors presence into Redis so other processes (stats,
// dashboards) can read it, and backs the rate limiter.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client for the rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SetPresence records a transition. Going offline stamps last_seen.
func (s *RedisStore) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	start := time.Now()
	defer func() {
		metrics.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	pipe := s.client.TxPipeline()
	if online {
		pipe.SAdd(ctx, presenceOnlineKey, userID)
	} else {
		pipe.SRem(ctx, presenceOnlineKey, userID)
	}
	pipe.HSet(ctx, presenceLastSeenKey, userID, at.UnixMilli())
	_, err := pipe.Exec(ctx)
	return err
}

// OnlineUsers returns the mirrored set of online users.
func (s *RedisStore) OnlineUsers(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, presenceOnlineKey).Result()
}

// LastSeen returns the last transition time for each known user in ids.
// Users never seen are absent from the result.
func (s *RedisStore) LastSeen(ctx context.Context, ids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	vals, err := s.client.HMGet(ctx, presenceLastSeenKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		out[ids[i]] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}

// ResetPresence clears the online set. Called at startup since no session
// survives a restart.
func (s *RedisStore) ResetPresence(ctx context.Context) error {
	return s.client.Del(ctx, presenceOnlineKey).Err()
}
