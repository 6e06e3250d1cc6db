// Package storage defines the persistence contracts for sessions,
// messages and bots. Implementations live in the sqlite and memory
// subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/seanhagen/chatwire/internal/domain"
)

// ErrNotFound is returned when a keyed lookup misses.
var ErrNotFound = errors.New("not found")

// SessionStore manages conversation sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	// ListSessions returns a user's sessions, most recently active
	// first.
	ListSessions(ctx context.Context, userID string, limit, offset int) ([]*domain.Session, error)
}

// MessageStore manages persisted conversation turns. Messages within a
// session are retrievable in creation order.
type MessageStore interface {
	AddMessage(ctx context.Context, msg *domain.Message) error
	// ListMessages returns a session's messages oldest first. A limit
	// of zero means no limit.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)
}

// BotStore manages the bot registry.
type BotStore interface {
	PutBot(ctx context.Context, bot *domain.Bot) error
	GetBot(ctx context.Context, botID string) (*domain.Bot, error)
	// ListBots returns active bots, one page at a time.
	ListBots(ctx context.Context, page, size int) ([]*domain.Bot, error)
}

// Store is the full persistence surface used by the dispatcher, the
// workers and the read-path handlers.
type Store interface {
	SessionStore
	MessageStore
	BotStore
	Close() error
}
