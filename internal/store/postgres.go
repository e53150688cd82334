package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/circle/internal/models"
)

const pgUniqueViolation = "23505"

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
// The schema is migrated before the pool is opened.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if err := RunPostgresMigrations(ctx, databaseURL); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const pgMessageColumns = `id, conversation, seq, sender_id, recipient_id, content_type, text, media, is_read, created_at`

func scanPgMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	var conversation, contentType string
	err := row.Scan(
		&msg.ID,
		&conversation,
		&msg.Seq,
		&msg.From,
		&msg.To,
		&contentType,
		&msg.Text,
		&msg.Media,
		&msg.Read,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	key, err := models.ParsePairKey(conversation)
	if err != nil {
		return nil, err
	}
	msg.Conversation = key
	msg.Type = models.ContentType(contentType)
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// AppendMessage inserts a message whose Seq was assigned by the caller.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	defer observe("append_message", time.Now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (`+pgMessageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, msg.ID, msg.Conversation.String(), msg.Seq, msg.From, msg.To,
		string(msg.Type), msg.Text, msg.Media, msg.Read, msg.CreatedAt)
	return err
}

// LastMessage returns the newest message of a conversation.
func (s *PostgresStore) LastMessage(ctx context.Context, key models.PairKey) (*models.Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `
		SELECT `+pgMessageColumns+`
		FROM messages WHERE conversation = $1
		ORDER BY seq DESC LIMIT 1
	`, key.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a conversation in (created_at, seq) order.
func (s *PostgresStore) ListMessages(ctx context.Context, key models.PairKey) ([]models.Message, error) {
	defer observe("list_messages", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgMessageColumns+`
		FROM messages WHERE conversation = $1
		ORDER BY created_at ASC, seq ASC
	`, key.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `
		SELECT `+pgMessageColumns+`
		FROM messages WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// MarkMessageRead sets the read flag.
func (s *PostgresStore) MarkMessageRead(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE messages SET is_read = TRUE WHERE id = $1`, id)
	return err
}

// UnreadCounts returns unread message counts for a recipient keyed by sender.
func (s *PostgresStore) UnreadCounts(ctx context.Context, recipientID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sender_id, COUNT(*)
		FROM messages
		WHERE recipient_id = $1 AND NOT is_read
		GROUP BY sender_id
	`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var sender string
		var n int64
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, err
		}
		counts[sender] = n
	}
	return counts, rows.Err()
}

// CountMessages returns the total number of stored messages.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// CreateFriendRequest inserts a pending request.
func (s *PostgresStore) CreateFriendRequest(ctx context.Context, req *models.FriendRequest) error {
	defer observe("create_friend_request", time.Now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO friend_requests (id, pair_key, from_id, to_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, req.ID, req.Pair().String(), req.From, req.To, string(req.Status), req.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", models.ErrDuplicatePending, req.Pair())
		}
		return err
	}
	return nil
}

func scanPgRequest(row pgx.Row) (*models.FriendRequest, error) {
	req := &models.FriendRequest{}
	var status string
	if err := row.Scan(&req.ID, &req.From, &req.To, &status, &req.CreatedAt, &req.ResolvedAt); err != nil {
		return nil, err
	}
	req.Status = models.FriendRequestStatus(status)
	req.CreatedAt = req.CreatedAt.UTC()
	if req.ResolvedAt != nil {
		t := req.ResolvedAt.UTC()
		req.ResolvedAt = &t
	}
	return req, nil
}

// FindPendingRequest returns the pending request for a pair in either direction.
func (s *PostgresStore) FindPendingRequest(ctx context.Context, key models.PairKey) (*models.FriendRequest, error) {
	req, err := scanPgRequest(s.pool.QueryRow(ctx, `
		SELECT id, from_id, to_id, status, created_at, resolved_at
		FROM friend_requests
		WHERE pair_key = $1 AND status = 'pending'
	`, key.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}

// ResolveFriendRequest retires a pending request, inserting the friendship
// on accept within the same transaction.
func (s *PostgresStore) ResolveFriendRequest(ctx context.Context, req *models.FriendRequest, status models.FriendRequestStatus, at time.Time) (*models.Friendship, error) {
	defer observe("resolve_friend_request", time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE friend_requests SET status = $1, resolved_at = $2
		WHERE id = $3 AND status = 'pending'
	`, string(status), at, req.ID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, models.ErrRequestNotFound
	}

	var edge *models.Friendship
	if status == models.FriendRequestAccepted {
		edge = friendshipFor(req, at)
		_, err := tx.Exec(ctx, `
			INSERT INTO friendships (user_a, user_b, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_a, user_b) DO NOTHING
		`, edge.UserA, edge.UserB, at)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return edge, nil
}

// FriendshipExists reports whether the pair are friends.
func (s *PostgresStore) FriendshipExists(ctx context.Context, key models.PairKey) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM friendships WHERE user_a = $1 AND user_b = $2)
	`, key.Low, key.High).Scan(&exists)
	return exists, err
}

// ListFriendships returns every friendship userID takes part in.
func (s *PostgresStore) ListFriendships(ctx context.Context, userID string) ([]models.Friendship, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_a, user_b, created_at
		FROM friendships
		WHERE user_a = $1 OR user_b = $1
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	friendships := make([]models.Friendship, 0)
	for rows.Next() {
		var f models.Friendship
		if err := rows.Scan(&f.UserA, &f.UserB, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.CreatedAt = f.CreatedAt.UTC()
		friendships = append(friendships, f)
	}
	return friendships, rows.Err()
}

// ListPendingRequests returns pending requests sent to or by userID.
func (s *PostgresStore) ListPendingRequests(ctx context.Context, userID string) ([]models.FriendRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, from_id, to_id, status, created_at, resolved_at
		FROM friend_requests
		WHERE status = 'pending' AND (to_id = $1 OR from_id = $1)
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]models.FriendRequest, 0)
	for rows.Next() {
		req, err := scanPgRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// CountFriendships returns the number of friendships.
func (s *PostgresStore) CountFriendships(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM friendships`).Scan(&count)
	return count, err
}
