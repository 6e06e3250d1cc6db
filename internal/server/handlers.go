package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/seanhagen/chatwire/internal/domain"
	"github.com/seanhagen/chatwire/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// MessageRow is the transcript read-path shape. Figures travel under
// additional_kwargs.figure, matching what clients receive on the stream.
type MessageRow struct {
	MessageID        string            `json:"message_id"`
	Role             string            `json:"role"`
	Content          string            `json:"content"`
	CreatedAt        time.Time         `json:"created_at"`
	AdditionalKwargs *AdditionalKwargs `json:"additional_kwargs,omitempty"`
}

// AdditionalKwargs carries ordered figure attachments.
type AdditionalKwargs struct {
	Figure []domain.Figure `json:"figure"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		AddError(r.Context(), err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	msgs, err := s.store.ListMessages(r.Context(), sessionID, queryInt(r, "limit", 0))
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to list messages", http.StatusInternalServerError)
		return
	}

	rows := make([]MessageRow, 0, len(msgs))
	for _, msg := range msgs {
		row := MessageRow{
			MessageID: msg.MessageID,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		}
		if len(msg.Figures) > 0 {
			row.AdditionalKwargs = &AdditionalKwargs{Figure: msg.Figures}
		}
		rows = append(rows, row)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   rows,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	sessions, err := s.store.ListSessions(r.Context(), userID, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"sessions": sessions,
	})
}

// botRequest is the write shape shared by create and update.
type botRequest struct {
	BotID        string   `json:"bot_id"`
	Status       string   `json:"status"`
	UserProfiles []string `json:"user_profiles"`
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req botRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.BotID == "" {
		req.BotID = uuid.New().String()
	}
	if req.Status == "" {
		req.Status = domain.BotStatusActive
	}
	if req.Status != domain.BotStatusActive && req.Status != domain.BotStatusInactive {
		http.Error(w, "status must be ACTIVE or INACTIVE", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetBot(r.Context(), req.BotID); err == nil {
		http.Error(w, "bot already exists", http.StatusConflict)
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		AddError(r.Context(), err)
		http.Error(w, "failed to check bot", http.StatusInternalServerError)
		return
	}

	bot := &domain.Bot{
		BotID:        req.BotID,
		Status:       req.Status,
		UserProfiles: req.UserProfiles,
	}
	if err := s.store.PutBot(r.Context(), bot); err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to create bot", http.StatusInternalServerError)
		return
	}

	created, err := s.store.GetBot(r.Context(), bot.BotID)
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to load bot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListBots(r.Context(), queryInt(r, "page", 0), queryInt(r, "size", 50))
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to list bots", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	bot, err := s.loadBot(w, r)
	if bot == nil || err != nil {
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (s *Server) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	bot, err := s.loadBot(w, r)
	if bot == nil || err != nil {
		return
	}

	var req botRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Status != "" {
		if req.Status != domain.BotStatusActive && req.Status != domain.BotStatusInactive {
			http.Error(w, "status must be ACTIVE or INACTIVE", http.StatusBadRequest)
			return
		}
		bot.Status = req.Status
	}
	if req.UserProfiles != nil {
		bot.UserProfiles = req.UserProfiles
	}

	if err := s.store.PutBot(r.Context(), bot); err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to update bot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

// handleDeleteBot retires a bot. The row stays so existing sessions can
// still resolve the bot id; the dispatcher refuses new work for it.
func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	bot, err := s.loadBot(w, r)
	if bot == nil || err != nil {
		return
	}

	bot.Status = domain.BotStatusInactive
	if err := s.store.PutBot(r.Context(), bot); err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to delete bot", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeployBot stamps a new deployment version on the bot and makes
// it active.
func (s *Server) handleDeployBot(w http.ResponseWriter, r *http.Request) {
	bot, err := s.loadBot(w, r)
	if bot == nil || err != nil {
		return
	}

	bot.Version = uuid.New().String()
	bot.Status = domain.BotStatusActive
	if err := s.store.PutBot(r.Context(), bot); err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to deploy bot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

// loadBot resolves the bot_id route param, writing the error response
// itself on failure.
func (s *Server) loadBot(w http.ResponseWriter, r *http.Request) (*domain.Bot, error) {
	botID := chi.URLParam(r, "bot_id")
	bot, err := s.store.GetBot(r.Context(), botID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "bot not found", http.StatusNotFound)
		return nil, err
	}
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to load bot", http.StatusInternalServerError)
		return nil, err
	}
	return bot, nil
}
