package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seanhagen/chatwire/internal/dispatcher"
	"github.com/seanhagen/chatwire/internal/domain"
	"github.com/seanhagen/chatwire/internal/inference"
	"github.com/seanhagen/chatwire/internal/protocol"
	"github.com/seanhagen/chatwire/internal/queue"
	"github.com/seanhagen/chatwire/internal/registry"
	"github.com/seanhagen/chatwire/internal/storage/memory"
	"github.com/seanhagen/chatwire/internal/worker"
)

// newTestServer wires the full pipeline against in-memory backends. The
// returned store can be seeded directly by tests.
func newTestServer(t *testing.T, engine inference.Engine) (*httptest.Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	q := queue.NewMemory()
	t.Cleanup(func() { q.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(registry.WithLogger(logger))
	disp := dispatcher.New(store, q, reg, dispatcher.WithLogger(logger))

	if engine != nil {
		pool, err := worker.NewPool(worker.Config{Workers: 2}, q, store, reg, engine, worker.WithLogger(logger))
		if err != nil {
			t.Fatalf("NewPool: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		pool.Start(ctx)
		t.Cleanup(func() {
			cancel()
			pool.Wait()
		})
	}

	srv := New(Config{PingInterval: 50 * time.Millisecond}, store, disp, reg, WithLogger(logger))
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestBotLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v1/bots", map[string]any{
		"bot_id":        "b1",
		"user_profiles": []string{"support"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, data)
	}

	var bot domain.Bot
	if err := json.Unmarshal(data, &bot); err != nil {
		t.Fatalf("unmarshal bot: %v", err)
	}
	if bot.Status != domain.BotStatusActive {
		t.Errorf("new bot status = %q, want ACTIVE", bot.Status)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/bots", map[string]any{"bot_id": "b1"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", resp.StatusCode)
	}

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/v1/bots/b1/deployment", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deploy status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, &bot); err != nil {
		t.Fatalf("unmarshal deployed bot: %v", err)
	}
	if bot.Version == "" {
		t.Error("deployment did not stamp a version")
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/v1/bots/b1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	// Soft delete: the row survives as INACTIVE but drops out of the
	// active listing.
	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/bots/b1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get after delete status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, &bot); err != nil {
		t.Fatalf("unmarshal bot: %v", err)
	}
	if bot.Status != domain.BotStatusInactive {
		t.Errorf("deleted bot status = %q, want INACTIVE", bot.Status)
	}

	_, data = doJSON(t, http.MethodGet, ts.URL+"/v1/bots", nil)
	var listing struct {
		Bots []domain.Bot `json:"bots"`
	}
	if err := json.Unmarshal(data, &listing); err != nil {
		t.Fatalf("unmarshal listing: %v", err)
	}
	if len(listing.Bots) != 0 {
		t.Errorf("listing contains %d bots after soft delete, want 0", len(listing.Bots))
	}
}

func TestBotNotFound(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/bots/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListMessagesShape(t *testing.T) {
	ts, store := newTestServer(t, nil)
	ctx := context.Background()

	if err := store.CreateSession(ctx, &domain.Session{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.AddMessage(ctx, &domain.Message{
		MessageID: "m1", SessionID: "s1", Role: domain.RoleHuman, Content: "show me a chart",
	}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if err := store.AddMessage(ctx, &domain.Message{
		MessageID: "m2", SessionID: "s1", Role: domain.RoleAI, Content: "here it is",
		Figures: []domain.Figure{{ContentType: "image/png", FigurePath: "figures/chart.png"}},
	}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/s1/messages", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		SessionID string       `json:"session_id"`
		Messages  []MessageRow `json:"messages"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(body.Messages))
	}
	if body.Messages[0].MessageID != "m1" || body.Messages[1].MessageID != "m2" {
		t.Errorf("messages out of creation order: %v", body.Messages)
	}
	if body.Messages[0].AdditionalKwargs != nil {
		t.Error("human message should carry no additional_kwargs")
	}
	ak := body.Messages[1].AdditionalKwargs
	if ak == nil || len(ak.Figure) != 1 || ak.Figure[0].FigurePath != "figures/chart.png" {
		t.Errorf("ai message additional_kwargs = %+v", ak)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/missing/messages", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestListSessionsRequiresUser(t *testing.T) {
	ts, store := newTestServer(t, nil)
	ctx := context.Background()

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing user_id status = %d, want 400", resp.StatusCode)
	}

	if err := store.CreateSession(ctx, &domain.Session{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions?user_id=u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Sessions []domain.Session `json:"sessions"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].SessionID != "s1" {
		t.Errorf("sessions = %+v", body.Sessions)
	}
}

func TestRequestIDHeader(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

// TestWebSocketRoundTrip runs the whole pipeline: an upgraded client
// sends a chat request and receives the ordered frame sequence, and the
// transcript then shows both turns.
func TestWebSocketRoundTrip(t *testing.T) {
	engine := &inference.ScriptEngine{Tokens: []string{"Hi", " there"}}
	ts, store := newTestServer(t, engine)
	ctx := context.Background()

	if err := store.PutBot(ctx, &domain.Bot{BotID: "b1", Status: domain.BotStatusActive}); err != nil {
		t.Fatalf("PutBot: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?user_id=u1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := domain.ChatRequest{Query: "hello", BotID: "b1", SessionID: "s1"}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var types []protocol.FrameType
	var answer strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		types = append(types, frame.MessageType)
		if frame.MessageType == protocol.FrameChunk {
			answer.WriteString(frame.Content)
		}
		if frame.Terminal() {
			break
		}
	}

	want := []protocol.FrameType{protocol.FrameStart, protocol.FrameChunk, protocol.FrameChunk, protocol.FrameEnd}
	if len(types) != len(want) {
		t.Fatalf("frame sequence = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame sequence = %v, want %v", types, want)
		}
	}
	if answer.String() != "Hi there" {
		t.Errorf("streamed answer = %q", answer.String())
	}

	// The AI turn is persisted only after END, so it must exist now.
	msgs, err := store.ListMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d persisted messages, want 2", len(msgs))
	}
	if msgs[1].Role != domain.RoleAI || msgs[1].Content != "Hi there" {
		t.Errorf("ai turn = %+v", msgs[1])
	}
}

// TestWebSocketRejectsMalformed checks the immediate ERROR frame path.
func TestWebSocketRejectsMalformed(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"query":""}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.MessageType != protocol.FrameError {
		t.Errorf("frame type = %q, want ERROR", frame.MessageType)
	}
	if frame.Content == "" {
		t.Error("ERROR frame carries no reason")
	}
}

func TestConnClosesWhenSendBufferFills(t *testing.T) {
	serverConns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConns <- ws
	}))
	defer ts.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	conn := &wsConn{
		id:     "c1",
		ws:     <-serverConns,
		send:   make(chan []byte, 1),
		closed: make(chan struct{}),
	}

	// No write pump is draining, so the second enqueue hits a full
	// buffer.
	if err := conn.enqueue([]byte("first")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := conn.enqueue([]byte("second")); err == nil {
		t.Fatal("enqueue on a full buffer should fail")
	}

	select {
	case <-conn.closed:
	default:
		t.Fatal("buffer overflow should close the connection")
	}
	if err := conn.enqueue([]byte("third")); err == nil {
		t.Fatal("enqueue on a closed connection should fail")
	}

	// The socket itself is torn down, so the stalled client sees the
	// drop immediately instead of waiting out a ping timeout.
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatal("client read should fail once the server closes the socket")
	}
}
