// Package postgres implements chorus.ChatStorage using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arklow/chorus"
)

// Store implements chorus.ChatStorage backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ chorus.ChatStorage = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the messages table and its indexes. Safe to call multiple
// times; every statement is idempotent.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			seq BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(user_id, session_id, agent_id, seq)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(user_id, session_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: create table: %w", err)
		}
	}
	return nil
}

// SaveMessage implements chorus.ChatStorage.
func (s *Store) SaveMessage(ctx context.Context, userID, sessionID, agentID string, msg chorus.ConversationMessage, maxHistorySize int) ([]chorus.ConversationMessage, error) {
	return s.SaveMessages(ctx, userID, sessionID, agentID, []chorus.ConversationMessage{msg}, maxHistorySize)
}

// SaveMessages implements chorus.ChatStorage.
func (s *Store) SaveMessages(ctx context.Context, userID, sessionID, agentID string, msgs []chorus.ConversationMessage, maxHistorySize int) ([]chorus.ConversationMessage, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	last, err := fetchLog(ctx, tx, userID, sessionID, agentID, 0)
	if err != nil {
		return nil, fmt.Errorf("postgres: load existing log: %w", err)
	}
	var lastMsg *chorus.ConversationMessage
	if n := len(last); n > 0 {
		lastMsg = &last[n-1].ConversationMessage
	}

	var nextSeq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE user_id = $1 AND session_id = $2 AND agent_id = $3`,
		userID, sessionID, agentID,
	).Scan(&nextSeq); err != nil {
		return nil, fmt.Errorf("postgres: read next sequence: %w", err)
	}

	for _, msg := range msgs {
		if lastMsg != nil && chorus.SameRole(*lastMsg, msg) {
			continue
		}
		body, err := json.Marshal(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("postgres: marshal content: %w", err)
		}
		ts := chorus.NowMillis()
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (user_id, session_id, agent_id, role, content, created_at, seq) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			userID, sessionID, agentID, string(msg.Role), body, ts, nextSeq,
		); err != nil {
			return nil, fmt.Errorf("postgres: insert message: %w", err)
		}
		nextSeq++
		m := msg
		lastMsg = &m
	}

	if maxHistorySize > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM messages WHERE user_id = $1 AND session_id = $2 AND agent_id = $3 AND seq NOT IN (
				SELECT seq FROM messages WHERE user_id = $1 AND session_id = $2 AND agent_id = $3
				ORDER BY seq DESC LIMIT $4
			)`,
			userID, sessionID, agentID, maxHistorySize,
		); err != nil {
			return nil, fmt.Errorf("postgres: trim log: %w", err)
		}
	}

	log, err := fetchLog(ctx, tx, userID, sessionID, agentID, maxHistorySize)
	if err != nil {
		return nil, fmt.Errorf("postgres: reload log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return chorus.StripTimestamps(log), nil
}

// FetchChat implements chorus.ChatStorage.
func (s *Store) FetchChat(ctx context.Context, userID, sessionID, agentID string, maxHistorySize int) ([]chorus.ConversationMessage, error) {
	log, err := fetchLog(ctx, s.pool, userID, sessionID, agentID, maxHistorySize)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch chat: %w", err)
	}
	return chorus.StripTimestamps(log), nil
}

// FetchAllChats implements chorus.ChatStorage.
func (s *Store) FetchAllChats(ctx context.Context, userID, sessionID string) ([]chorus.ConversationMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, role, content, created_at FROM messages
		 WHERE user_id = $1 AND session_id = $2
		 ORDER BY created_at ASC, seq ASC`,
		userID, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}
	defer rows.Close()

	var out []chorus.ConversationMessage
	for rows.Next() {
		var agentID, role string
		var content []byte
		var createdAt int64
		if err := rows.Scan(&agentID, &role, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		msg, err := decodeMessage(role, content)
		if err != nil {
			return nil, err
		}
		if msg.Role == chorus.RoleAssistant {
			msg = chorus.PrefixAgentTag(msg, agentID)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}
	return out, nil
}

// querier is satisfied by pgxpool.Pool and pgx.Tx alike, so fetchLog works
// transparently inside or outside a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func fetchLog(ctx context.Context, q querier, userID, sessionID, agentID string, maxHistorySize int) ([]chorus.TimestampedMessage, error) {
	rows, err := q.Query(ctx,
		`SELECT role, content, created_at FROM messages WHERE user_id = $1 AND session_id = $2 AND agent_id = $3 ORDER BY seq ASC`,
		userID, sessionID, agentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var log []chorus.TimestampedMessage
	for rows.Next() {
		var role string
		var content []byte
		var createdAt int64
		if err := rows.Scan(&role, &content, &createdAt); err != nil {
			return nil, err
		}
		msg, err := decodeMessage(role, content)
		if err != nil {
			return nil, err
		}
		log = append(log, chorus.Stamp(msg, createdAt))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chorus.TrimToBound(log, maxHistorySize), nil
}

func decodeMessage(role string, content []byte) (chorus.ConversationMessage, error) {
	var blocks []chorus.ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return chorus.ConversationMessage{}, fmt.Errorf("postgres: decode content: %w", err)
	}
	return chorus.ConversationMessage{Role: chorus.ParticipantRole(role), Content: blocks}, nil
}
