package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/vistalk/pkg/memory"
)

var (
	_ memory.MessageLog = (*Store)(nil)
	_ memory.Pinger     = (*Store)(nil)
)

// Store is the PostgreSQL-backed message log. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore creates a connection pool to the database at dsn, verifies it with
// a ping and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// Ping checks database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Append implements [memory.MessageLog]. The session row is upserted and the
// message inserted in one transaction.
func (s *Store) Append(ctx context.Context, sessionID string, msg memory.Message) error {
	msg = memory.Normalize(msg, s.now())

	const upsertSession = `
		INSERT INTO chat_sessions (id, created_at, last_message_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (id) DO UPDATE SET last_message_at = EXCLUDED.last_message_at`

	const insertMessage = `
		INSERT INTO chat_messages (session_id, sender, text, message_type, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertSession, sessionID, msg.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insertMessage,
			sessionID,
			string(msg.Sender),
			msg.Text,
			msg.Type,
			msg.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("message log: append: %w", err)
	}
	return nil
}

// Messages implements [memory.MessageLog].
func (s *Store) Messages(ctx context.Context, sessionID string) ([]memory.Message, error) {
	const q = `
		SELECT sender, text, message_type, created_at
		FROM   chat_messages
		WHERE  session_id = $1
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("message log: messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Message, error) {
		var (
			m      memory.Message
			sender string
		)
		if err := row.Scan(&sender, &m.Text, &m.Type, &m.CreatedAt); err != nil {
			return memory.Message{}, err
		}
		m.Sender = memory.Sender(sender)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("message log: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	return msgs, nil
}

// Update implements [memory.MessageLog].
func (s *Store) Update(ctx context.Context, sessionID string, fields map[string]any) error {
	parsed, err := memory.ParseFields(fields)
	if err != nil {
		return err
	}
	if len(parsed) == 0 {
		return nil
	}

	args := []any{sessionID} // $1 = session id
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := make([]string, 0, len(parsed))
	for _, f := range parsed {
		switch {
		case f.Name == memory.FieldCommand && f.Clear:
			sets = append(sets, "command = NULL")
		default:
			// summary is NOT NULL; clearing it stores the empty string.
			sets = append(sets, f.Name+" = "+next(f.Value))
		}
	}

	q := "UPDATE chat_sessions SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("message log: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrSessionNotFound
	}
	return nil
}

// Session implements [memory.MessageLog].
func (s *Store) Session(ctx context.Context, sessionID string) (memory.SessionRecord, error) {
	const q = `
		SELECT id, created_at, last_message_at, summary, command
		FROM   chat_sessions
		WHERE  id = $1`

	var rec memory.SessionRecord
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&rec.ID,
		&rec.CreatedAt,
		&rec.LastMessageAt,
		&rec.Summary,
		&rec.Command,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.SessionRecord{}, memory.ErrSessionNotFound
	}
	if err != nil {
		return memory.SessionRecord{}, fmt.Errorf("message log: session: %w", err)
	}
	return rec, nil
}
