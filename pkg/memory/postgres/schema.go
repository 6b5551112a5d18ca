// Package postgres provides a PostgreSQL-backed implementation of the
// session message log.
//
// Messages and session records live in two tables sharing one [pgxpool.Pool].
// [Migrate] creates them idempotently on every start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, sessionID, memory.Message{Sender: memory.SenderUser, Text: "안녕하세요"})
//	msgs, _ := store.Messages(ctx, sessionID)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL: session records
// ─────────────────────────────────────────────────────────────────────────────

const ddlChatSessions = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    id              TEXT         PRIMARY KEY,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_message_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    summary         TEXT         NOT NULL DEFAULT '',
    command         TEXT
);

CREATE INDEX IF NOT EXISTS idx_chat_sessions_last_message_at
    ON chat_sessions (last_message_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL: messages
// ─────────────────────────────────────────────────────────────────────────────

const ddlChatMessages = `
CREATE TABLE IF NOT EXISTS chat_messages (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL REFERENCES chat_sessions (id) ON DELETE CASCADE,
    sender       TEXT         NOT NULL,
    text         TEXT         NOT NULL,
    message_type TEXT         NOT NULL DEFAULT 'live',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session_created
    ON chat_messages (session_id, created_at, id);
`

// Migrate creates the message log tables if they do not exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlChatSessions, ddlChatMessages} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
