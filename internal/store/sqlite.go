package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/circle/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/circle.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/circle.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One writer at a time; per-key ordering is decided above the store.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation TEXT NOT NULL,
		seq INTEGER NOT NULL,
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		content_type TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		media TEXT NOT NULL DEFAULT '',
		is_read INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (conversation, seq)
	);

	CREATE TABLE IF NOT EXISTS friend_requests (
		id TEXT PRIMARY KEY,
		pair_key TEXT NOT NULL,
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS friendships (
		user_a TEXT NOT NULL,
		user_b TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_a, user_b)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_order ON messages(conversation, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(recipient_id, is_read);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_friend_requests_pending ON friend_requests(pair_key) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_friend_requests_to ON friend_requests(to_id, status);
	CREATE INDEX IF NOT EXISTS idx_friend_requests_from ON friend_requests(from_id, status);
	CREATE INDEX IF NOT EXISTS idx_friendships_user_b ON friendships(user_b);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteMessageColumns = `id, conversation, seq, sender_id, recipient_id, content_type, text, media, is_read, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var conversation, contentType string
	var isRead int
	var createdAt int64
	err := row.Scan(
		&msg.ID,
		&conversation,
		&msg.Seq,
		&msg.From,
		&msg.To,
		&contentType,
		&msg.Text,
		&msg.Media,
		&isRead,
		&createdAt,
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
	msg.Read = isRead == 1
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	return msg, nil
}

// AppendMessage inserts a message whose Seq was assigned by the caller.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	defer observe("append_message", time.Now())

	isRead := 0
	if msg.Read {
		isRead = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+sqliteMessageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Conversation.String(), msg.Seq, msg.From, msg.To,
		string(msg.Type), msg.Text, msg.Media, isRead, msg.CreatedAt.UnixMilli())
	return err
}

// LastMessage returns the newest message of a conversation.
func (s *SQLiteStore) LastMessage(ctx context.Context, key models.PairKey) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages WHERE conversation = ?
		ORDER BY seq DESC LIMIT 1
	`, key.String())
	msg, err := scanSQLiteMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a conversation in (created_at, seq) order.
func (s *SQLiteStore) ListMessages(ctx context.Context, key models.PairKey) ([]models.Message, error) {
	defer observe("list_messages", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages WHERE conversation = ?
		ORDER BY created_at ASC, seq ASC
	`, key.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages WHERE id = ?
	`, id)
	msg, err := scanSQLiteMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// MarkMessageRead sets the read flag. Setting it twice is harmless.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE id = ?`, id)
	return err
}

// UnreadCounts returns unread message counts for a recipient keyed by sender.
func (s *SQLiteStore) UnreadCounts(ctx context.Context, recipientID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id, COUNT(*)
		FROM messages
		WHERE recipient_id = ? AND is_read = 0
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
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// CreateFriendRequest inserts a pending request. A second pending request
// for the same pair violates idx_friend_requests_pending.
func (s *SQLiteStore) CreateFriendRequest(ctx context.Context, req *models.FriendRequest) error {
	defer observe("create_friend_request", time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO friend_requests (id, pair_key, from_id, to_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, req.ID, req.Pair().String(), req.From, req.To, string(req.Status), req.CreatedAt.UnixMilli())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s", models.ErrDuplicatePending, req.Pair())
		}
		return err
	}
	return nil
}

func scanSQLiteRequest(row rowScanner) (*models.FriendRequest, error) {
	req := &models.FriendRequest{}
	var status string
	var createdAt int64
	var resolvedAt sql.NullInt64
	if err := row.Scan(&req.ID, &req.From, &req.To, &status, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	req.Status = models.FriendRequestStatus(status)
	req.CreatedAt = time.UnixMilli(createdAt).UTC()
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64).UTC()
		req.ResolvedAt = &t
	}
	return req, nil
}

// FindPendingRequest returns the pending request for a pair in either direction.
func (s *SQLiteStore) FindPendingRequest(ctx context.Context, key models.PairKey) (*models.FriendRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, from_id, to_id, status, created_at, resolved_at
		FROM friend_requests
		WHERE pair_key = ? AND status = 'pending'
	`, key.String())
	req, err := scanSQLiteRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}

// ResolveFriendRequest retires a pending request. Accepting also creates the
// friendship in the same transaction. Returns ErrRequestNotFound if the
// request is no longer pending.
func (s *SQLiteStore) ResolveFriendRequest(ctx context.Context, req *models.FriendRequest, status models.FriendRequestStatus, at time.Time) (*models.Friendship, error) {
	defer observe("resolve_friend_request", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE friend_requests SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(status), at.UnixMilli(), req.ID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, models.ErrRequestNotFound
	}

	var edge *models.Friendship
	if status == models.FriendRequestAccepted {
		edge = friendshipFor(req, at)
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO friendships (user_a, user_b, created_at)
			VALUES (?, ?, ?)
		`, edge.UserA, edge.UserB, at.UnixMilli())
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return edge, nil
}

// FriendshipExists reports whether the pair are friends.
func (s *SQLiteStore) FriendshipExists(ctx context.Context, key models.PairKey) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM friendships WHERE user_a = ? AND user_b = ?
	`, key.Low, key.High).Scan(&n)
	return n > 0, err
}

// ListFriendships returns every friendship userID takes part in.
func (s *SQLiteStore) ListFriendships(ctx context.Context, userID string) ([]models.Friendship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_a, user_b, created_at
		FROM friendships
		WHERE user_a = ? OR user_b = ?
		ORDER BY created_at ASC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	friendships := make([]models.Friendship, 0)
	for rows.Next() {
		var f models.Friendship
		var createdAt int64
		if err := rows.Scan(&f.UserA, &f.UserB, &createdAt); err != nil {
			return nil, err
		}
		f.CreatedAt = time.UnixMilli(createdAt).UTC()
		friendships = append(friendships, f)
	}
	return friendships, rows.Err()
}

// ListPendingRequests returns pending requests sent to or by userID.
func (s *SQLiteStore) ListPendingRequests(ctx context.Context, userID string) ([]models.FriendRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_id, to_id, status, created_at, resolved_at
		FROM friend_requests
		WHERE status = 'pending' AND (to_id = ? OR from_id = ?)
		ORDER BY created_at ASC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]models.FriendRequest, 0)
	for rows.Next() {
		req, err := scanSQLiteRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// CountFriendships returns the number of friendships.
func (s *SQLiteStore) CountFriendships(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM friendships`).Scan(&count)
	return count, err
}
