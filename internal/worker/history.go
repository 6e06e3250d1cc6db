package worker

import (
	"context"
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"github.com/seanhagen/chatwire/internal/domain"
	"github.com/seanhagen/chatwire/internal/storage"
)

// historyLoader fetches prior turns of a session, bounded by a message
// cap and a token budget so long conversations do not blow up the
// context handed to the engine.
type historyLoader struct {
	store       storage.MessageStore
	maxMessages int
	maxTokens   int
	codec       tokenizer.Codec
}

func newHistoryLoader(store storage.MessageStore, maxMessages, maxTokens int) (*historyLoader, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer: %w", err)
	}
	return &historyLoader{
		store:       store,
		maxMessages: maxMessages,
		maxTokens:   maxTokens,
		codec:       codec,
	}, nil
}

// Load returns the session's prior messages oldest first, excluding the
// turn identified by excludeMessageID (the query being answered, which
// the dispatcher already persisted). The newest messages win when the
// budget runs out.
func (l *historyLoader) Load(ctx context.Context, sessionID, excludeMessageID string) ([]*domain.Message, error) {
	all, err := l.store.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}

	var history []*domain.Message
	for _, msg := range all {
		if msg.MessageID == excludeMessageID {
			continue
		}
		history = append(history, msg)
	}

	// Walk newest to oldest until a budget is exhausted.
	budget := l.maxTokens
	start := len(history)
	for start > 0 {
		if l.maxMessages > 0 && len(history)-start >= l.maxMessages {
			break
		}
		cost := l.countTokens(history[start-1].Content)
		if l.maxTokens > 0 && cost > budget {
			break
		}
		budget -= cost
		start--
	}

	return history[start:], nil
}

func (l *historyLoader) countTokens(text string) int {
	ids, _, err := l.codec.Encode(text)
	if err != nil {
		// Rough fallback; close enough for a windowing decision.
		return len(text) / 4
	}
	return len(ids)
}
