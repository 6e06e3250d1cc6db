// Package sqlite is the durable Store implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/seanhagen/chatwire/internal/domain"
	"github.com/seanhagen/chatwire/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if needed) the store at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			figures TEXT,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS bots (
			bot_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			version TEXT,
			user_profiles TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		session.SessionID, session.UserID, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, created_at, updated_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &session.UserID, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string, limit, offset int) ([]*domain.Session, error) {
	if limit == 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, created_at, updated_at
		FROM sessions WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		var session domain.Session
		if err := rows.Scan(&session.SessionID, &session.UserID, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &session)
	}

	return sessions, rows.Err()
}

func (s *Store) AddMessage(ctx context.Context, msg *domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	figures, err := json.Marshal(msg.Figures)
	if err != nil {
		return fmt.Errorf("failed to marshal figures: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, session_id, role, content, figures, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.SessionID, msg.Role, msg.Content, string(figures), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`, time.Now(), msg.SessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	// rowid breaks created_at ties so sub-millisecond inserts still come
	// back in insertion order.
	query := `SELECT message_id, session_id, role, content, figures, created_at
	          FROM messages WHERE session_id = ?
	          ORDER BY created_at ASC, rowid ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var figuresJSON sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &msg.Role, &msg.Content, &figuresJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if figuresJSON.Valid && figuresJSON.String != "" && figuresJSON.String != "null" {
			if err := json.Unmarshal([]byte(figuresJSON.String), &msg.Figures); err != nil {
				return nil, fmt.Errorf("failed to unmarshal figures: %w", err)
			}
		}
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

func (s *Store) PutBot(ctx context.Context, bot *domain.Bot) error {
	now := time.Now()
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	bot.UpdatedAt = now

	profiles, err := json.Marshal(bot.UserProfiles)
	if err != nil {
		return fmt.Errorf("failed to marshal user profiles: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bots (bot_id, status, version, user_profiles, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bot_id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			user_profiles = excluded.user_profiles,
			updated_at = excluded.updated_at`,
		bot.BotID, bot.Status, bot.Version, string(profiles), bot.CreatedAt, bot.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put bot: %w", err)
	}

	return nil
}

func (s *Store) GetBot(ctx context.Context, botID string) (*domain.Bot, error) {
	var bot domain.Bot
	var version, profilesJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT bot_id, status, version, user_profiles, created_at, updated_at FROM bots WHERE bot_id = ?`,
		botID).Scan(&bot.BotID, &bot.Status, &version, &profilesJSON, &bot.CreatedAt, &bot.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bot %s: %w", botID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}

	bot.Version = version.String
	if profilesJSON.Valid && profilesJSON.String != "" && profilesJSON.String != "null" {
		if err := json.Unmarshal([]byte(profilesJSON.String), &bot.UserProfiles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user profiles: %w", err)
		}
	}

	return &bot, nil
}

func (s *Store) ListBots(ctx context.Context, page, size int) ([]*domain.Bot, error) {
	if size <= 0 {
		size = 20
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * size

	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_id, status, version, user_profiles, created_at, updated_at
		FROM bots WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ? OFFSET ?`, domain.BotStatusActive, size, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query bots: %w", err)
	}
	defer rows.Close()

	var bots []*domain.Bot
	for rows.Next() {
		var bot domain.Bot
		var version, profilesJSON sql.NullString
		if err := rows.Scan(&bot.BotID, &bot.Status, &version, &profilesJSON, &bot.CreatedAt, &bot.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		bot.Version = version.String
		if profilesJSON.Valid && profilesJSON.String != "" && profilesJSON.String != "null" {
			if err := json.Unmarshal([]byte(profilesJSON.String), &bot.UserProfiles); err != nil {
				return nil, fmt.Errorf("failed to unmarshal user profiles: %w", err)
			}
		}
		bots = append(bots, &bot)
	}

	return bots, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
