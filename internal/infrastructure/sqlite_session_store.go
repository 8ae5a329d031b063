package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"

	_ "modernc.org/sqlite"
)

// SQLiteSessionStore keeps chatbot conversations in a local SQLite file for
// single-node and development setups.
type SQLiteSessionStore struct {
	db *sql.DB
}

const sqliteSessionSchema = `
CREATE TABLE IF NOT EXISTS bot_sessions (
	id TEXT PRIMARY KEY,
	seller_id TEXT NOT NULL,
	phone TEXT NOT NULL,
	flow_id TEXT NOT NULL,
	current_node TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	vars TEXT NOT NULL DEFAULT '{}',
	invalid_attempts INTEGER NOT NULL DEFAULT 0,
	last_interaction INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (seller_id, phone)
)`

// NewSQLiteSessionStore opens (or creates) the database at path. Use
// ":memory:" for a throwaway store.
func NewSQLiteSessionStore(ctx context.Context, path string) (*SQLiteSessionStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite session store: %w", err)
	}
	// An in-memory database lives on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSessionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bot_sessions: %w", err)
	}
	return &SQLiteSessionStore{db: db}, nil
}

func (s *SQLiteSessionStore) GetSession(ctx context.Context, sellerID, phone string) (*entities.BotSession, error) {
	var (
		sess               entities.BotSession
		status, vars       string
		lastUnix, creation int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, seller_id, phone, flow_id, current_node, status, vars, invalid_attempts, last_interaction, created_at
		FROM bot_sessions WHERE seller_id = ? AND phone = ?`, sellerID, phone,
	).Scan(&sess.ID, &sess.SellerID, &sess.Phone, &sess.FlowID, &sess.CurrentNode, &status, &vars,
		&sess.InvalidAttempts, &lastUnix, &creation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entities.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sess.Status = entities.SessionStatus(status)
	sess.LastInteraction = time.UnixMilli(lastUnix)
	sess.CreatedAt = time.UnixMilli(creation)
	sess.Vars = map[string]string{}
	if err := json.Unmarshal([]byte(vars), &sess.Vars); err != nil {
		return nil, fmt.Errorf("decode session vars: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteSessionStore) SaveSession(ctx context.Context, sess *entities.BotSession) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Vars == nil {
		sess.Vars = map[string]string{}
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	vars, err := json.Marshal(sess.Vars)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bot_sessions (id, seller_id, phone, flow_id, current_node, status, vars,
			invalid_attempts, last_interaction, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (seller_id, phone) DO UPDATE SET
			flow_id = excluded.flow_id, current_node = excluded.current_node, status = excluded.status,
			vars = excluded.vars, invalid_attempts = excluded.invalid_attempts,
			last_interaction = excluded.last_interaction`,
		sess.ID, sess.SellerID, sess.Phone, sess.FlowID, sess.CurrentNode, string(sess.Status), string(vars),
		sess.InvalidAttempts, sess.LastInteraction.UnixMilli(), sess.CreatedAt.UnixMilli())
	return err
}

func (s *SQLiteSessionStore) DeleteSession(ctx context.Context, sellerID, phone string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM bot_sessions WHERE seller_id = ? AND phone = ?", sellerID, phone)
	return err
}

func (s *SQLiteSessionStore) CountSessions(ctx context.Context, sellerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM bot_sessions WHERE seller_id = ? AND status <> 'ended'", sellerID).Scan(&n)
	return n, err
}

// PurgeIdle removes sessions untouched since before.
func (s *SQLiteSessionStore) PurgeIdle(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM bot_sessions WHERE last_interaction < ?", before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}
