// Package domain holds the core types shared by the dispatch and
// streaming pipeline: sessions, messages, work items and the inbound
// chat request contract.
package domain

import "time"

// Message roles.
const (
	RoleHuman = "human"
	RoleAI    = "ai"
)

// Bot statuses.
const (
	BotStatusActive   = "ACTIVE"
	BotStatusInactive = "INACTIVE"
)

// Session groups the messages of one conversation. Sessions are created
// implicitly on the first request that arrives without a session id.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Figure is an attachment reference emitted alongside answer text, e.g.
// a chart rendered during generation.
type Figure struct {
	ContentType string `json:"content_type"`
	FigurePath  string `json:"figure_path"`
}

// Message is one persisted turn of a conversation. AI messages are only
// written once generation reaches its terminal frame; partial output is
// never persisted.
type Message struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Figures   []Figure  `json:"figures,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatRequest is the inbound wire contract sent by a client over its
// persistent connection.
type ChatRequest struct {
	Query       string `json:"query"`
	EntryType   string `json:"entry_type"`
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	UserProfile string `json:"user_profile"`
	UseHistory  bool   `json:"use_history"`
	EnableTrace bool   `json:"enable_trace"`
	BotID       string `json:"bot_id"`
}

// WorkItem is the unit of work handed from the dispatcher to a worker
// through the queue. It is ephemeral; it exists only between enqueue and
// a successful dequeue-and-ack.
type WorkItem struct {
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id"`
	MessageID    string `json:"message_id"`
	BotID        string `json:"bot_id"`
	UserID       string `json:"user_id"`
	UserProfile  string `json:"user_profile"`
	Query        string `json:"query"`
	UseHistory   bool   `json:"use_history"`
	EnableTrace  bool   `json:"enable_trace"`
}

// Bot is a configured assistant that requests are dispatched against.
// Deleting a bot is a soft delete: its status flips to INACTIVE.
type Bot struct {
	BotID        string    `json:"bot_id"`
	Status       string    `json:"status"`
	Version      string    `json:"version,omitempty"`
	UserProfiles []string  `json:"user_profiles,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
