// Package openai streams generations from an OpenAI-compatible
// chat-completions endpoint over SSE.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/seanhagen/chatwire/internal/domain"
	"github.com/seanhagen/chatwire/internal/inference"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Option configures the engine.
type Option func(*Engine)

// WithBaseURL points the engine at a custom endpoint.
func WithBaseURL(baseURL string) Option {
	return func(e *Engine) {
		e.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = httpClient
	}
}

// WithSystemPrompt prepends a system message to every generation.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		e.systemPrompt = prompt
	}
}

// Engine implements inference.Engine against any endpoint that speaks
// the OpenAI chat-completions streaming protocol.
type Engine struct {
	apiKey       string
	model        string
	baseURL      string
	systemPrompt string
	httpClient   *http.Client
}

var _ inference.Engine = (*Engine)(nil)

// New creates an engine for the given model.
func New(apiKey, model string, opts ...Option) *Engine {
	e := &Engine{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream opens a streaming completion and adapts SSE chunks to
// inference events.
func (e *Engine) Stream(ctx context.Context, req *inference.Request) (<-chan inference.Event, error) {
	body, err := json.Marshal(e.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	out := make(chan inference.Event)
	go e.streamReader(resp.Body, out)
	return out, nil
}

func (e *Engine) buildRequest(req *inference.Request) *chatRequest {
	messages := make([]chatMessage, 0, len(req.History)+2)
	if e.systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: e.systemPrompt})
	}
	for _, msg := range req.History {
		role := "user"
		if msg.Role == domain.RoleAI {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: msg.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Query})

	return &chatRequest{
		Model:    e.model,
		Messages: messages,
		Stream:   true,
	}
}

func (e *Engine) streamReader(body io.ReadCloser, out chan<- inference.Event) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			out <- inference.Event{Err: fmt.Errorf("failed to unmarshal chunk: %w", err)}
			return
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			out <- inference.Event{ContentDelta: chunk.Choices[0].Delta.Content}
		}
	}

	if err := scanner.Err(); err != nil {
		out <- inference.Event{Err: fmt.Errorf("stream read error: %w", err)}
	}
}
