// Package social contains the social-graph event router: friend requests,
// notifications, and the durable user-status write-through.
package social

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs FriendStore, NotificationStore, and StatusStore with
// PostgreSQL. It does not own the pgx pool; the caller closes it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "pulse").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("social: empty schema")
		}
		if !socialIdentRE.MatchString(schema) {
			return errors.New("social: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed social store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "pulse",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("social: nil pool")
	}
	return st, nil
}

// AreFriends reports whether the friendship edge exists.
// Edges are stored in both directions, so one lookup suffices.
func (s *PostgresStore) AreFriends(ctx context.Context, userA, userB string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("social: nil store")
	}

	friendships := s.table("friendships")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+friendships+` WHERE user_id = $1 AND friend_id = $2`,
		userA, userB,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddFriendship inserts the symmetric edge idempotently.
func (s *PostgresStore) AddFriendship(ctx context.Context, userA, userB string, now time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("social: nil store")
	}

	friendships := s.table("friendships")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, pair := range [][2]string{{userA, userB}, {userB, userA}} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+friendships+` (user_id, friend_id, created_at) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id, friend_id) DO NOTHING`,
			pair[0], pair[1], now,
		); err != nil {
			return fmt.Errorf("insert friendship: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// RemoveFriendship deletes the edge in both directions.
func (s *PostgresStore) RemoveFriendship(ctx context.Context, userA, userB string) error {
	if s == nil || s.pool == nil {
		return errors.New("social: nil store")
	}

	friendships := s.table("friendships")

	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+friendships+`
		  WHERE (user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1)`,
		userA, userB,
	)
	return err
}

// CreateRequest inserts a pending friend request.
func (s *PostgresStore) CreateRequest(ctx context.Context, req FriendRequest) error {
	if s == nil || s.pool == nil {
		return errors.New("social: nil store")
	}

	requests := s.table("friend_requests")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+requests+` (id, sender_id, receiver_id, created_at) VALUES ($1, $2, $3, $4)`,
		req.ID, req.Sender, req.Receiver, req.CreatedAt,
	)
	return err
}

// GetRequest loads a pending request by id.
func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (FriendRequest, error) {
	if s == nil || s.pool == nil {
		return FriendRequest{}, errors.New("social: nil store")
	}

	requests := s.table("friend_requests")

	var req FriendRequest
	err := s.pool.QueryRow(ctx,
		`SELECT id, sender_id, receiver_id, created_at FROM `+requests+` WHERE id = $1`,
		requestID,
	).Scan(&req.ID, &req.Sender, &req.Receiver, &req.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return FriendRequest{}, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	if err != nil {
		return FriendRequest{}, err
	}
	return req, nil
}

// FindPending returns the pending request with the exact direction.
func (s *PostgresStore) FindPending(ctx context.Context, sender, receiver string) (FriendRequest, error) {
	if s == nil || s.pool == nil {
		return FriendRequest{}, errors.New("social: nil store")
	}

	requests := s.table("friend_requests")

	var req FriendRequest
	err := s.pool.QueryRow(ctx,
		`SELECT id, sender_id, receiver_id, created_at
		   FROM `+requests+` WHERE sender_id = $1 AND receiver_id = $2`,
		sender, receiver,
	).Scan(&req.ID, &req.Sender, &req.Receiver, &req.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return FriendRequest{}, fmt.Errorf("%w: no pending request %s -> %s", ErrNotFound, sender, receiver)
	}
	if err != nil {
		return FriendRequest{}, err
	}
	return req, nil
}

// DeleteRequest removes a pending request by id.
func (s *PostgresStore) DeleteRequest(ctx context.Context, requestID string) error {
	if s == nil || s.pool == nil {
		return errors.New("social: nil store")
	}

	requests := s.table("friend_requests")

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+requests+` WHERE id = $1`, requestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	return nil
}

// Create inserts a notification record.
func (s *PostgresStore) Create(ctx context.Context, n Notification) error {
	if s == nil || s.pool == nil {
		return errors.New("social: nil store")
	}

	notifications := s.table("notifications")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+notifications+` (id, user_id, actor_id, kind, message, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, n.Actor, n.Kind, n.Message, n.Read, n.CreatedAt,
	)
	return err
}

// MarkRead flips the read flag for the target user's notification.
func (s *PostgresStore) MarkRead(ctx context.Context, notificationID, userID string) error {
	if s == nil || s.pool == nil {
		return errors.New("social: nil store")
	}

	notifications := s.table("notifications")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+notifications+` SET is_read = TRUE WHERE id = $1 AND user_id = $2`,
		notificationID, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %s", ErrNotFound, notificationID)
	}
	return nil
}

// UnreadCount returns the number of unread notifications for a user.
func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("social: nil store")
	}

	notifications := s.table("notifications")

	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+notifications+` WHERE user_id = $1 AND NOT is_read`,
		userID,
	).Scan(&count)
	return count, err
}

// ListForUser returns the user's notifications, newest first.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("social: nil store")
	}
	if limit <= 0 {
		limit = 20
	}

	notifications := s.table("notifications")

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, actor_id, kind, message, is_read, created_at
		   FROM `+notifications+`
		  WHERE user_id = $1
		  ORDER BY created_at DESC
		  LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Notification, 0, limit)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Actor, &n.Kind, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetStatus upserts the durable user status and last-seen timestamp.
func (s *PostgresStore) SetStatus(ctx context.Context, userID, status string, lastSeen time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("social: nil store")
	}

	statusTable := s.table("user_status")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+statusTable+` (user_id, status, last_seen) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET status = EXCLUDED.status, last_seen = EXCLUDED.last_seen`,
		userID, status, lastSeen,
	)
	return err
}

var socialIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func (s *PostgresStore) table(name string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{s.schema, name}.Sanitize()
}
