// Package sqlite implements chorus.ChatStorage using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arklow/chorus"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and row counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements chorus.ChatStorage backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ chorus.ChatStorage = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// DB exposes the underlying connection pool, for callers that want to layer
// other tables (e.g. store/sqlite's future siblings) onto the same file.
func (s *Store) DB() *sql.DB { return s.db }

// Init creates the messages table and its indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			seq INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(user_id, session_id, agent_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(user_id, session_id, seq)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.logger.Error("sqlite: init failed", "error", err)
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}

	s.logger.Debug("sqlite: init finished", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage implements chorus.ChatStorage.
func (s *Store) SaveMessage(ctx context.Context, userID, sessionID, agentID string, msg chorus.ConversationMessage, maxHistorySize int) ([]chorus.ConversationMessage, error) {
	return s.SaveMessages(ctx, userID, sessionID, agentID, []chorus.ConversationMessage{msg}, maxHistorySize)
}

// SaveMessages implements chorus.ChatStorage.
func (s *Store) SaveMessages(ctx context.Context, userID, sessionID, agentID string, msgs []chorus.ConversationMessage, maxHistorySize int) ([]chorus.ConversationMessage, error) {
	start := time.Now()
	s.logger.Debug("sqlite: save messages started", "user_id", userID, "session_id", sessionID, "agent_id", agentID, "count", len(msgs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	last, err := fetchLog(ctx, tx, userID, sessionID, agentID, 0)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load existing log: %w", err)
	}

	var lastMsg *chorus.ConversationMessage
	if n := len(last); n > 0 {
		lastMsg = &last[n-1].ConversationMessage
	}

	maxSeq, err := nextSeq(ctx, tx, userID, sessionID, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read next sequence: %w", err)
	}

	for _, msg := range msgs {
		if lastMsg != nil && chorus.SameRole(*lastMsg, msg) {
			continue
		}
		body, err := json.Marshal(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("sqlite: marshal content: %w", err)
		}
		ts := chorus.NowMillis()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (user_id, session_id, agent_id, role, content, created_at, seq) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			userID, sessionID, agentID, string(msg.Role), body, ts, maxSeq,
		); err != nil {
			return nil, fmt.Errorf("sqlite: insert message: %w", err)
		}
		maxSeq++
		m := msg
		lastMsg = &m
	}

	if maxHistorySize > 0 {
		if err := trimLog(ctx, tx, userID, sessionID, agentID, maxHistorySize); err != nil {
			return nil, fmt.Errorf("sqlite: trim log: %w", err)
		}
	}

	log, err := fetchLog(ctx, tx, userID, sessionID, agentID, maxHistorySize)
	if err != nil {
		return nil, fmt.Errorf("sqlite: reload log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit: %w", err)
	}

	s.logger.Debug("sqlite: save messages finished", "duration", time.Since(start), "log_size", len(log))
	return chorus.StripTimestamps(log), nil
}

// FetchChat implements chorus.ChatStorage.
func (s *Store) FetchChat(ctx context.Context, userID, sessionID, agentID string, maxHistorySize int) ([]chorus.ConversationMessage, error) {
	start := time.Now()
	s.logger.Debug("sqlite: fetch chat started", "user_id", userID, "session_id", sessionID, "agent_id", agentID)

	log, err := fetchLog(ctx, s.db, userID, sessionID, agentID, maxHistorySize)
	if err != nil {
		s.logger.Error("sqlite: fetch chat failed", "error", err)
		return nil, fmt.Errorf("sqlite: fetch chat: %w", err)
	}

	s.logger.Debug("sqlite: fetch chat finished", "duration", time.Since(start), "log_size", len(log))
	return chorus.StripTimestamps(log), nil
}

// FetchAllChats implements chorus.ChatStorage.
func (s *Store) FetchAllChats(ctx context.Context, userID, sessionID string) ([]chorus.ConversationMessage, error) {
	start := time.Now()
	s.logger.Debug("sqlite: fetch all chats started", "user_id", userID, "session_id", sessionID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, role, content, created_at FROM messages
		 WHERE user_id = ? AND session_id = ?
		 ORDER BY created_at ASC, seq ASC`,
		userID, sessionID,
	)
	if err != nil {
		s.logger.Error("sqlite: fetch all chats failed", "error", err)
		return nil, fmt.Errorf("sqlite: query messages: %w", err)
	}
	defer rows.Close()

	var out []chorus.ConversationMessage
	for rows.Next() {
		var agentID, role string
		var content []byte
		var createdAt int64
		if err := rows.Scan(&agentID, &role, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
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
		return nil, fmt.Errorf("sqlite: iterate messages: %w", err)
	}

	s.logger.Debug("sqlite: fetch all chats finished", "duration", time.Since(start), "log_size", len(out))
	return out, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, so fetch/trim helpers
// work transparently inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nextSeq(ctx context.Context, q querier, userID, sessionID, agentID string) (int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE user_id = ? AND session_id = ? AND agent_id = ?`, userID, sessionID, agentID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var next int64
	if rows.Next() {
		if err := rows.Scan(&next); err != nil {
			return 0, err
		}
	}
	return next, rows.Err()
}

func fetchLog(ctx context.Context, q querier, userID, sessionID, agentID string, maxHistorySize int) ([]chorus.TimestampedMessage, error) {
	query := `SELECT role, content, created_at FROM messages WHERE user_id = ? AND session_id = ? AND agent_id = ? ORDER BY seq ASC`
	rows, err := q.QueryContext(ctx, query, userID, sessionID, agentID)
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

func trimLog(ctx context.Context, tx *sql.Tx, userID, sessionID, agentID string, maxHistorySize int) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE user_id = ? AND session_id = ? AND agent_id = ? AND seq NOT IN (
			SELECT seq FROM messages WHERE user_id = ? AND session_id = ? AND agent_id = ?
			ORDER BY seq DESC LIMIT ?
		)`,
		userID, sessionID, agentID, userID, sessionID, agentID, maxHistorySize,
	)
	return err
}

func decodeMessage(role string, content []byte) (chorus.ConversationMessage, error) {
	var blocks []chorus.ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return chorus.ConversationMessage{}, fmt.Errorf("sqlite: decode content: %w", err)
	}
	return chorus.ConversationMessage{Role: chorus.ParticipantRole(role), Content: blocks}, nil
}
