package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/seanhagen/chatwire/internal/domain"
	"github.com/seanhagen/chatwire/internal/storage"
)

func TestStore_CreateAndGetSession(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateSession(ctx, &domain.Session{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.CreateSession(ctx, &domain.Session{SessionID: "s1", UserID: "u1"}); err == nil {
		t.Fatal("duplicate CreateSession() expected error")
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", got.UserID)
	}
}

func TestStore_AddMessageRequiresSession(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.AddMessage(ctx, &domain.Message{MessageID: "m1", SessionID: "ghost", Role: domain.RoleHuman})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("AddMessage() error = %v, want ErrNotFound", err)
	}
}

func TestStore_MessagesInCreationOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.CreateSession(ctx, &domain.Session{SessionID: "s1", UserID: "u1"})
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := s.AddMessage(ctx, &domain.Message{MessageID: id, SessionID: "s1", Role: domain.RoleHuman, Content: id}); err != nil {
			t.Fatalf("AddMessage(%s) error = %v", id, err)
		}
	}

	messages, err := s.ListMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if messages[i].MessageID != want {
			t.Errorf("messages[%d] = %s, want %s", i, messages[i].MessageID, want)
		}
	}
}

func TestStore_ListBotsFiltersInactive(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.PutBot(ctx, &domain.Bot{BotID: "live", Status: domain.BotStatusActive})
	s.PutBot(ctx, &domain.Bot{BotID: "dead", Status: domain.BotStatusInactive})

	bots, err := s.ListBots(ctx, 1, 20)
	if err != nil {
		t.Fatalf("ListBots() error = %v", err)
	}
	if len(bots) != 1 || bots[0].BotID != "live" {
		t.Errorf("bots = %+v, want only live", bots)
	}
}
