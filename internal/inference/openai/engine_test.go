package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seanhagen/chatwire/internal/domain"
	"github.com/seanhagen/chatwire/internal/inference"
)

func sseServer(t *testing.T, chunks []string, captured *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func collect(t *testing.T, events <-chan inference.Event) string {
	t.Helper()
	var sb strings.Builder
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		sb.WriteString(ev.ContentDelta)
	}
	return sb.String()
}

func TestEngine_StreamConcatenatesDeltas(t *testing.T) {
	srv := sseServer(t, []string{"Hi", " there"}, nil)
	defer srv.Close()

	engine := New("test-key", "gpt-4o-mini", WithBaseURL(srv.URL))
	events, err := engine.Stream(context.Background(), &inference.Request{Query: "hello"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	if got := collect(t, events); got != "Hi there" {
		t.Errorf("streamed content = %q, want %q", got, "Hi there")
	}
}

func TestEngine_BuildsHistoryIntoMessages(t *testing.T) {
	var captured chatRequest
	srv := sseServer(t, []string{"ok"}, &captured)
	defer srv.Close()

	engine := New("test-key", "gpt-4o-mini",
		WithBaseURL(srv.URL),
		WithSystemPrompt("be brief"),
	)

	req := &inference.Request{
		Query: "and now?",
		History: []*domain.Message{
			{Role: domain.RoleHuman, Content: "first question"},
			{Role: domain.RoleAI, Content: "first answer"},
		},
	}
	events, err := engine.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	collect(t, events)

	want := []chatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "and now?"},
	}
	if len(captured.Messages) != len(want) {
		t.Fatalf("message count = %d, want %d", len(captured.Messages), len(want))
	}
	for i := range want {
		if captured.Messages[i] != want[i] {
			t.Errorf("messages[%d] = %+v, want %+v", i, captured.Messages[i], want[i])
		}
	}
	if !captured.Stream {
		t.Error("request should ask for streaming")
	}
}

func TestEngine_NonOKStatusFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	engine := New("test-key", "gpt-4o-mini", WithBaseURL(srv.URL))
	if _, err := engine.Stream(context.Background(), &inference.Request{Query: "hello"}); err == nil {
		t.Fatal("Stream() expected error for non-OK status")
	}
}
