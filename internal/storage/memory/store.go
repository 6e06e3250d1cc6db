// Package memory is an in-memory Store implementation for tests and
// single-shot local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seanhagen/chatwire/internal/domain"
	"github.com/seanhagen/chatwire/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	messages map[string][]*domain.Message
	bots     map[string]*domain.Bot
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*domain.Session),
		messages: make(map[string][]*domain.Message),
		bots:     make(map[string]*domain.Bot),
	}
}

func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.SessionID]; exists {
		return fmt.Errorf("session %s already exists", session.SessionID)
	}

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	copied := *session
	s.sessions[session.SessionID] = &copied
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}

	copied := *session
	return &copied, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string, limit, offset int) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Session
	for _, session := range s.sessions {
		if session.UserID != userID {
			continue
		}
		copied := *session
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) AddMessage(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[msg.SessionID]
	if !exists {
		return fmt.Errorf("session %s: %w", msg.SessionID, storage.ErrNotFound)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	session.UpdatedAt = time.Now()

	copied := *msg
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], &copied)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	result := make([]*domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		copied := *msg
		result = append(result, &copied)
	}

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) PutBot(ctx context.Context, bot *domain.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.bots[bot.BotID]; ok {
		bot.CreatedAt = existing.CreatedAt
	} else if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	bot.UpdatedAt = now

	copied := *bot
	s.bots[bot.BotID] = &copied
	return nil
}

func (s *Store) GetBot(ctx context.Context, botID string) (*domain.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bot, exists := s.bots[botID]
	if !exists {
		return nil, fmt.Errorf("bot %s: %w", botID, storage.ErrNotFound)
	}

	copied := *bot
	return &copied, nil
}

func (s *Store) ListBots(ctx context.Context, page, size int) ([]*domain.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if size <= 0 {
		size = 20
	}
	if page <= 0 {
		page = 1
	}

	var active []*domain.Bot
	for _, bot := range s.bots {
		if bot.Status != domain.BotStatusActive {
			continue
		}
		copied := *bot
		active = append(active, &copied)
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	offset := (page - 1) * size
	if offset >= len(active) {
		return nil, nil
	}
	active = active[offset:]
	if len(active) > size {
		active = active[:size]
	}
	return active, nil
}

func (s *Store) Close() error {
	return nil
}
