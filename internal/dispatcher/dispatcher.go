// Package dispatcher accepts raw requests from client connections,
// validates and shapes them, persists the human turn, and hands a work
// item to the queue. It never waits on inference.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/seanhagen/chatwire/internal/domain"
	"github.com/seanhagen/chatwire/internal/protocol"
	"github.com/seanhagen/chatwire/internal/queue"
	"github.com/seanhagen/chatwire/internal/registry"
	"github.com/seanhagen/chatwire/internal/storage"
)

const defaultUserID = "default_user_id"

// Dispatcher validates inbound requests and enqueues work items.
type Dispatcher struct {
	store    storage.Store
	queue    queue.Queue
	registry *registry.Registry
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a Dispatcher.
func New(store storage.Store, q queue.Queue, reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		queue:    q,
		registry: reg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch handles one raw request from the named connection. Malformed
// input is answered with an immediate ERROR frame and reported as not
// accepted with a nil error; infrastructure failures return a
// TransientError so the transport can reject the request before any
// frame is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, connectionID string, raw []byte) (bool, error) {
	req, err := d.decode(raw)
	if err != nil {
		d.rejectWithError(ctx, connectionID, req, err)
		return false, nil
	}

	if err := d.checkBot(ctx, req.BotID); err != nil {
		if domain.IsValidation(err) {
			d.rejectWithError(ctx, connectionID, req, err)
			return false, nil
		}
		return false, err
	}

	userID := req.UserID
	if userID == "" {
		if auth, ok := d.registry.Auth(connectionID); ok && auth.UserID != "" {
			userID = auth.UserID
		} else {
			userID = defaultUserID
		}
	}

	sessionID, err := d.ensureSession(ctx, req.SessionID, userID)
	if err != nil {
		return false, domain.ErrTransient("session store", err)
	}

	// The human turn is durable before the item is observable by any
	// worker, so history survives even if the worker never runs.
	messageID := uuid.New().String()
	humanMsg := &domain.Message{
		MessageID: messageID,
		SessionID: sessionID,
		Role:      domain.RoleHuman,
		Content:   req.Query,
	}
	if err := d.store.AddMessage(ctx, humanMsg); err != nil {
		return false, domain.ErrTransient("message store", err)
	}

	item := domain.WorkItem{
		ConnectionID: connectionID,
		SessionID:    sessionID,
		MessageID:    messageID,
		BotID:        req.BotID,
		UserID:       userID,
		UserProfile:  req.UserProfile,
		Query:        req.Query,
		UseHistory:   req.UseHistory,
		EnableTrace:  req.EnableTrace,
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		// The human message stays persisted; the client resends and the
		// duplicate turn is preferable to a lost one.
		return false, domain.ErrTransient("queue", err)
	}

	d.logger.Info("request dispatched",
		slog.String("connection_id", connectionID),
		slog.String("session_id", sessionID),
		slog.String("message_id", messageID),
		slog.String("bot_id", req.BotID),
	)
	return true, nil
}

func (d *Dispatcher) decode(raw []byte) (*domain.ChatRequest, error) {
	var req domain.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return &req, domain.ErrValidation("", "request is not valid JSON")
	}
	if strings.TrimSpace(req.Query) == "" {
		return &req, domain.ErrValidation("query", "must not be empty")
	}
	if req.BotID == "" {
		return &req, domain.ErrValidation("bot_id", "is required")
	}
	return &req, nil
}

func (d *Dispatcher) checkBot(ctx context.Context, botID string) error {
	bot, err := d.store.GetBot(ctx, botID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ErrValidation("bot_id", "unknown bot "+botID)
	}
	if err != nil {
		return domain.ErrTransient("bot store", err)
	}
	if bot.Status != domain.BotStatusActive {
		return domain.ErrValidation("bot_id", "bot "+botID+" is not active")
	}
	return nil
}

// ensureSession returns a usable session id, creating the session row
// when the client supplied none or supplied one the store has not seen.
func (d *Dispatcher) ensureSession(ctx context.Context, sessionID, userID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	} else if _, err := d.store.GetSession(ctx, sessionID); err == nil {
		return sessionID, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	if err := d.store.CreateSession(ctx, &domain.Session{SessionID: sessionID, UserID: userID}); err != nil {
		return "", err
	}
	return sessionID, nil
}

// rejectWithError answers a malformed request with an ERROR frame. A
// gone connection is fine; there is nobody left to tell.
func (d *Dispatcher) rejectWithError(ctx context.Context, connectionID string, req *domain.ChatRequest, cause error) {
	d.logger.Warn("request rejected",
		slog.String("connection_id", connectionID),
		slog.String("error", cause.Error()),
	)

	sessionID := ""
	if req != nil {
		sessionID = req.SessionID
	}
	frame := protocol.Error(sessionID, "", cause.Error())
	if err := d.registry.Send(ctx, connectionID, frame); err != nil && !domain.IsConnectionGone(err) {
		d.logger.Error("failed to send rejection frame",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()),
		)
	}
}
