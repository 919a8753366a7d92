// Package chat contains Pulse's durable conversation model and the message
// delivery pipeline that reconciles realtime pushes with stored history.
package chat

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

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Consistency model:
// - Direct-conversation resolution is find-then-create without a uniqueness
//   constraint on the pair key. Two near-simultaneous first contacts can
//   create a duplicate conversation; the UI always resolves by pair, so a
//   duplicate wastes a row without corrupting anything.
// - AppendMessage and TouchConversation are separate writes. A crash between
//   them leaves the last-message pointer stale until the next send.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "pulse").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// FindOrCreateDirect resolves the direct conversation for an unordered pair,
// creating it with both members on first contact.
func (s *PostgresStore) FindOrCreateDirect(ctx context.Context, userA, userB string, now time.Time) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if !ValidIdentity(userA) || !ValidIdentity(userB) || userA == userB {
		return Conversation{}, fmt.Errorf("%w: bad participant pair", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	conversations := pgIdent(s.schema, "conversations")
	key := PairKey(userA, userB)

	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM `+conversations+` WHERE kind = 'direct' AND pair_key = $1 ORDER BY created_at LIMIT 1`,
		key,
	).Scan(&id)
	if err == nil {
		return s.Conversation(ctx, id)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, err
	}

	id, err = NewID(now)
	if err != nil {
		return Conversation{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	participants := pgIdent(s.schema, "conversation_participants")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, kind, pair_key, created_by, created_at, last_activity)
		 VALUES ($1, 'direct', $2, $3, $4, $4)`,
		id, key, userA, now,
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	for _, u := range []string{userA, userB} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+participants+` (conversation_id, user_id, role, active, last_read)
			 VALUES ($1, $2, 'member', TRUE, $3)
			 ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			id, u, now,
		); err != nil {
			return Conversation{}, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}

	return s.Conversation(ctx, id)
}

// Conversation loads a conversation and its participants by id.
func (s *PostgresStore) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if conversationID == "" {
		return Conversation{}, fmt.Errorf("%w: missing conversation id", ErrInvalidArgument)
	}

	conversations := pgIdent(s.schema, "conversations")
	participants := pgIdent(s.schema, "conversation_participants")

	var (
		c      Conversation
		lastID *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, created_by, created_at, last_activity, last_message_id
		   FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&c.ID, &c.Kind, &c.CreatedBy, &c.CreatedAt, &c.LastActivity, &lastID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return Conversation{}, err
	}
	if lastID != nil {
		c.LastMessageID = *lastID
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, role, active, last_read
		   FROM `+participants+` WHERE conversation_id = $1 ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return Conversation{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Role, &p.Active, &p.LastRead); err != nil {
			return Conversation{}, err
		}
		c.Participants = append(c.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return Conversation{}, err
	}

	return c, nil
}

// AppendMessage inserts a message and seeds the sender's own read receipt.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.ConversationID == "" || !ValidIdentity(in.Sender) || in.Text == "" {
		return Message{}, fmt.Errorf("%w: bad append input", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	typ := in.Type
	if typ == "" {
		typ = MessageText
	}

	id, err := NewID(now)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")
	reads := pgIdent(s.schema, "message_reads")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, type, text, created_at, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE)`,
		id, in.ConversationID, in.Sender, typ, in.Text, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+reads+` (message_id, user_id, read_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		id, in.Sender, now,
	); err != nil {
		return Message{}, fmt.Errorf("seed read receipt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		Type:           typ,
		Text:           in.Text,
		CreatedAt:      now,
		ReadBy:         []ReadReceipt{{UserID: in.Sender, ReadAt: now}},
	}, nil
}

// TouchConversation advances the last-message pointer and activity timestamp.
// Deliberately a separate statement from AppendMessage (see type docs).
func (s *PostgresStore) TouchConversation(ctx context.Context, conversationID, lastMessageID string, now time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}

	conversations := pgIdent(s.schema, "conversations")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+` SET last_message_id = $2, last_activity = $3 WHERE id = $1`,
		conversationID, lastMessageID, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	return nil
}

// MarkRead appends receipts for all counterpart messages the reader has not
// read yet. Idempotent: a second call appends nothing.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string, now time.Time) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if conversationID == "" || !ValidIdentity(readerID) {
		return 0, fmt.Errorf("%w: bad mark-read input", ErrInvalidArgument)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "messages")
	reads := pgIdent(s.schema, "message_reads")
	participants := pgIdent(s.schema, "conversation_participants")

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+reads+` (message_id, user_id, read_at)
		 SELECT m.id, $2, $3
		   FROM `+messages+` m
		  WHERE m.conversation_id = $1
		    AND m.sender_id <> $2
		    AND NOT EXISTS (
		        SELECT 1 FROM `+reads+` r WHERE r.message_id = m.id AND r.user_id = $2
		    )`,
		conversationID, readerID, now,
	)
	if err != nil {
		return 0, err
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE `+participants+` SET last_read = $3 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, readerID, now,
	); err != nil {
		return 0, err
	}

	return int(tag.RowsAffected()), nil
}

// History returns one newest-first page of non-deleted messages, receipts included.
func (s *PostgresStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if s == nil || s.pool == nil {
		return HistoryResult{}, errors.New("chat: nil store")
	}
	if in.ConversationID == "" {
		return HistoryResult{}, fmt.Errorf("%w: missing conversation id", ErrInvalidArgument)
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")
	reads := pgIdent(s.schema, "message_reads")

	var (
		rows pgx.Rows
		err  error
	)
	if in.Before == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, type, text, created_at
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND NOT deleted
			  ORDER BY created_at DESC, id DESC
			  LIMIT $2`,
			in.ConversationID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, type, text, created_at
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND NOT deleted AND created_at < $2
			  ORDER BY created_at DESC, id DESC
			  LIMIT $3`,
			in.ConversationID, *in.Before, fetch,
		)
	}
	if err != nil {
		return HistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	idx := make(map[string]int, fetch)
	ids := make([]string, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Type, &m.Text, &m.CreatedAt); err != nil {
			return HistoryResult{}, err
		}
		idx[m.ID] = len(msgs)
		ids = append(ids, m.ID)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
		ids = ids[:limit]
	}

	if len(ids) > 0 {
		rrows, err := s.pool.Query(ctx,
			`SELECT message_id, user_id, read_at FROM `+reads+` WHERE message_id = ANY($1)`,
			ids,
		)
		if err != nil {
			return HistoryResult{}, err
		}
		defer rrows.Close()

		for rrows.Next() {
			var (
				msgID string
				r     ReadReceipt
			)
			if err := rrows.Scan(&msgID, &r.UserID, &r.ReadAt); err != nil {
				return HistoryResult{}, err
			}
			if i, ok := idx[msgID]; ok && i < len(msgs) {
				msgs[i].ReadBy = append(msgs[i].ReadBy, r)
			}
		}
		if err := rrows.Err(); err != nil {
			return HistoryResult{}, err
		}
	}

	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
